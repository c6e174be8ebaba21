package queue

import "time"

// waitingHeap orders jobs by priority (higher first), FIFO within a priority.
type waitingHeap []*Job

func (h waitingHeap) Len() int { return len(h) }

func (h waitingHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h waitingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *waitingHeap) Push(x any) { *h = append(*h, x.(*Job)) }

func (h *waitingHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}

// delayedHeap orders jobs by ReadyAt, soonest first.
type delayedHeap []*Job

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool { return h[i].ReadyAt.Before(h[j].ReadyAt) }

func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayedHeap) Push(x any) { *h = append(*h, x.(*Job)) }

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}

// nextReady reports the earliest ReadyAt among delayed jobs.
func (h delayedHeap) nextReady() (time.Time, bool) {
	if len(h) == 0 {
		return time.Time{}, false
	}
	return h[0].ReadyAt, true
}
