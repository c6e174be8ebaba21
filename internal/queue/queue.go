// Package queue implements the in-process job queues that drive the analysis
// engine: three named queues with independent concurrency, priority dispatch,
// delayed scheduling, exponential-backoff retries and stalled-job recovery.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
)

// Handler processes a single job. A returned error consumes one retry
// attempt; after the budget is exhausted the job is terminally failed.
type Handler func(ctx context.Context, job *Job) error

// FailureListener observes terminal job failures.
type FailureListener func(job *Job, err error)

// Config tunes a single queue.
type Config struct {
	// Concurrency bounds how many jobs run in parallel.
	Concurrency int

	// MaxRetries is the total number of attempts allowed per job.
	MaxRetries int

	// BaseDelay seeds the exponential retry backoff.
	BaseDelay time.Duration

	// StallInterval is how long a running job may go without reporting
	// progress before it is requeued. Zero disables stall detection.
	StallInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 1
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
}

// Stats is a point-in-time snapshot of queue state.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

// EnqueueOptions adjusts placement of a single job.
type EnqueueOptions struct {
	Priority int
	Delay    time.Duration
}

// Queue dispatches typed jobs to a handler under a concurrency bound.
type Queue struct {
	name     string
	cfg      Config
	handler  Handler
	logger   log.Logger
	metrics  *Metrics
	onFailed FailureListener

	mu        sync.Mutex
	waiting   waitingHeap
	delayed   delayedHeap
	active    map[string]*run
	completed int
	failed    int
	paused    bool
	closed    bool
	seq       uint64
	runSeq    uint64

	wake chan struct{}
	done chan struct{}
	g    errgroup.Group
}

type run struct {
	job          *Job
	id           uint64
	lastProgress time.Time
}

func newQueue(name string, cfg Config, handler Handler, logger log.Logger, metrics *Metrics) *Queue {
	cfg.applyDefaults()
	return &Queue{
		name:    name,
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("queue", name),
		metrics: metrics,
		active:  make(map[string]*run),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Enqueue validates the payload and schedules a job. Higher priority
// dispatches first among waiting jobs; delay holds the job back.
func (q *Queue) Enqueue(p Payload, opts EnqueueOptions) (Handle, error) {
	if err := p.Validate(); err != nil {
		return Handle{}, fmt.Errorf("enqueue on %s: %w", q.name, err)
	}

	job := newJob(q.name, p, opts.Priority, opts.Delay)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Handle{}, fmt.Errorf("enqueue on %s: queue is closed", q.name)
	}
	q.seq++
	job.seq = q.seq
	if opts.Delay > 0 {
		heap.Push(&q.delayed, job)
	} else {
		heap.Push(&q.waiting, job)
	}
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.EnqueuedTotal.WithLabelValues(q.name).Inc()
	}
	q.signal()
	return Handle{ID: job.ID, Queue: q.name}, nil
}

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Waiting:   q.waiting.Len(),
		Active:    len(q.active),
		Completed: q.completed,
		Failed:    q.failed,
		Delayed:   q.delayed.Len(),
	}
}

// Pause stops dispatch without discarding queued jobs. In-flight jobs finish.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume restarts dispatch after a Pause.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.signal()
}

// SetFailureListener registers the terminal-failure observer. Must be called
// before Start.
func (q *Queue) SetFailureListener(fn FailureListener) {
	q.onFailed = fn
}

// Start launches the dispatch loop. Handlers receive a context detached from
// ctx's cancellation: a dispatched job runs to completion or failure, and
// shutdown is cooperative via Pause and Close.
func (q *Queue) Start(ctx context.Context) {
	go q.dispatch(context.WithoutCancel(ctx))
}

// Close pauses the queue, waits for in-flight jobs up to ctx's deadline, then
// stops the dispatcher. Waiting jobs are not discarded but will not run.
func (q *Queue) Close(ctx context.Context) error {
	q.Pause()

	var drainErr error
	for {
		q.mu.Lock()
		n := len(q.active)
		q.mu.Unlock()
		if n == 0 {
			break
		}
		select {
		case <-ctx.Done():
			drainErr = fmt.Errorf("queue %s: %d jobs still active at shutdown: %w", q.name, n, ctx.Err())
		case <-time.After(25 * time.Millisecond):
			continue
		}
		break
	}

	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
	<-q.done

	if drainErr == nil {
		_ = q.g.Wait()
	}
	return drainErr
}

func (q *Queue) dispatch(ctx context.Context) {
	defer close(q.done)

	stallTick := q.cfg.StallInterval / 2
	if stallTick <= 0 {
		stallTick = time.Second
	}

	for {
		now := time.Now()

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}

		q.promoteDelayedLocked(now)
		q.requeueStalledLocked(now)

		for !q.paused && q.waiting.Len() > 0 && len(q.active) < q.cfg.Concurrency {
			job := heap.Pop(&q.waiting).(*Job)
			q.startJobLocked(ctx, job)
		}

		sleep := stallTick
		if next, ok := q.delayed.nextReady(); ok {
			if d := next.Sub(now); d < sleep {
				sleep = d
			}
		}
		q.mu.Unlock()

		if sleep < time.Millisecond {
			sleep = time.Millisecond
		}
		timer := time.NewTimer(sleep)
		select {
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// startJobLocked registers the run and hands the job to a worker. Callers
// must hold mu.
func (q *Queue) startJobLocked(ctx context.Context, job *Job) {
	q.runSeq++
	r := &run{job: job, id: q.runSeq, lastProgress: time.Now()}
	job.Attempt++
	job.runID = r.id
	job.touch = func() {
		q.mu.Lock()
		if cur, ok := q.active[job.ID]; ok && cur.id == r.id {
			cur.lastProgress = time.Now()
		}
		q.mu.Unlock()
	}
	q.active[job.ID] = r

	runID := r.id
	q.g.Go(func() error {
		q.runJob(ctx, job, runID)
		return nil
	})
}

func (q *Queue) runJob(ctx context.Context, job *Job, runID uint64) {
	start := time.Now()
	err := q.invoke(ctx, job)
	elapsed := time.Since(start)

	q.mu.Lock()
	r, ok := q.active[job.ID]
	if !ok || r.id != runID {
		// a stall requeue superseded this run; its outcome is discarded
		q.mu.Unlock()
		q.logger.Warn(ctx, "discarding result of superseded run", "job_id", job.ID, "attempt", job.Attempt)
		return
	}
	delete(q.active, job.ID)

	if err == nil {
		q.completed++
		q.mu.Unlock()
		if q.metrics != nil {
			q.metrics.JobsTotal.WithLabelValues(q.name, "completed").Inc()
			q.metrics.JobDuration.WithLabelValues(q.name).Observe(elapsed.Seconds())
		}
		q.logger.Info(ctx, "job completed", "job_id", job.ID, "attempt", job.Attempt, "duration_ms", elapsed.Milliseconds())
		q.signal()
		return
	}

	notify := q.retryOrFailLocked(job, err)
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.JobDuration.WithLabelValues(q.name).Observe(elapsed.Seconds())
	}
	if notify != nil {
		notify()
	}
	q.signal()
}

func (q *Queue) invoke(ctx context.Context, job *Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return q.handler(ctx, job)
}

// retryOrFailLocked consumes one attempt. Callers must hold mu; the returned
// func (possibly nil) must be invoked after releasing it.
func (q *Queue) retryOrFailLocked(job *Job, err error) func() {
	if job.Attempt >= q.cfg.MaxRetries {
		q.failed++
		final := &MaxRetriesError{JobID: job.ID, Attempts: job.Attempt, Err: err}
		q.logger.Error(context.Background(), final, "job terminally failed", "job_id", job.ID, "attempts", job.Attempt)
		if q.metrics != nil {
			q.metrics.JobsTotal.WithLabelValues(q.name, "failed").Inc()
		}
		if q.onFailed != nil {
			return func() { q.onFailed(job, final) }
		}
		return nil
	}

	delay := BackoffDelay(q.cfg.BaseDelay, job.Attempt)
	job.ReadyAt = time.Now().Add(delay)
	heap.Push(&q.delayed, job)
	if q.metrics != nil {
		q.metrics.JobsTotal.WithLabelValues(q.name, "retried").Inc()
	}
	q.logger.Warn(context.Background(), "job failed, retrying",
		"job_id", job.ID,
		"attempt", job.Attempt,
		"max_retries", q.cfg.MaxRetries,
		"retry_delay_ms", delay.Milliseconds(),
		"error", err,
	)
	return nil
}

// promoteDelayedLocked moves due delayed jobs to the waiting heap.
func (q *Queue) promoteDelayedLocked(now time.Time) {
	for q.delayed.Len() > 0 {
		next, _ := q.delayed.nextReady()
		if next.After(now) {
			return
		}
		job := heap.Pop(&q.delayed).(*Job)
		heap.Push(&q.waiting, job)
	}
}

// requeueStalledLocked recovers jobs whose worker stopped reporting progress.
// The first stall per job is a free requeue; repeat stalls consume the retry
// budget.
func (q *Queue) requeueStalledLocked(now time.Time) {
	if q.cfg.StallInterval <= 0 {
		return
	}
	for id, r := range q.active {
		if now.Sub(r.lastProgress) <= q.cfg.StallInterval {
			continue
		}
		delete(q.active, id)
		job := r.job
		if q.metrics != nil {
			q.metrics.JobsTotal.WithLabelValues(q.name, "stalled").Inc()
		}
		if job.stalledRequeues == 0 {
			job.stalledRequeues++
			job.Attempt-- // the stalled attempt does not count
			job.ReadyAt = now
			heap.Push(&q.waiting, job)
			q.logger.Warn(context.Background(), "job stalled, requeued", "job_id", job.ID)
			continue
		}
		job.stalledRequeues++
		if notify := q.retryOrFailLocked(job, fmt.Errorf("job stalled after %s", q.cfg.StallInterval)); notify != nil {
			go notify()
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
