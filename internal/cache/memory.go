package cache

import (
	"bytes"
	"context"
	"path"
	"sync"
	"time"
)

// MemoryProvider implements Provider with a process-local map. Suitable for
// dev/testing; it does not give cross-process lock guarantees.
type MemoryProvider struct {
	mu    sync.Mutex
	items map[string]memItem

	// now is swappable in tests to exercise expiry without sleeping.
	now func() time.Time
}

type memItem struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

// NewMemoryProvider initializes an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		items: make(map[string]memItem),
		now:   time.Now,
	}
}

// SetClock replaces the time source. Test hook.
func (p *MemoryProvider) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// Get returns the value for key, or ErrCacheMiss when absent or expired.
func (p *MemoryProvider) Get(_ context.Context, key string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	it, ok := p.live(key)
	if !ok {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), it.value...), nil
}

// Set stores the value with an optional TTL.
func (p *MemoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[key] = memItem{value: append([]byte(nil), value...), expiresAt: p.expiry(ttl)}
	return nil
}

// SetNX stores the value only if no live entry exists for key.
func (p *MemoryProvider) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.live(key); ok {
		return false, nil
	}
	p.items[key] = memItem{value: append([]byte(nil), value...), expiresAt: p.expiry(ttl)}
	return true, nil
}

// Del removes a key.
func (p *MemoryProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.items, key)
	return nil
}

// DelIfEqual removes the key only when its live value equals value.
func (p *MemoryProvider) DelIfEqual(_ context.Context, key string, value []byte) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	it, ok := p.live(key)
	if !ok || !bytes.Equal(it.value, value) {
		return false, nil
	}
	delete(p.items, key)
	return true, nil
}

// ScanKeys returns live keys matching a glob-style pattern.
func (p *MemoryProvider) ScanKeys(_ context.Context, pattern string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var keys []string
	for key := range p.items {
		if _, ok := p.live(key); !ok {
			continue
		}
		if matched, _ := path.Match(pattern, key); matched {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// KeyCount reports the number of live keys.
func (p *MemoryProvider) KeyCount(_ context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int64
	for key := range p.items {
		if _, ok := p.live(key); ok {
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (p *MemoryProvider) Close() error { return nil }

// live returns the entry for key if present and not expired, reaping it
// otherwise. Callers must hold mu.
func (p *MemoryProvider) live(key string) (memItem, bool) {
	it, ok := p.items[key]
	if !ok {
		return memItem{}, false
	}
	if !it.expiresAt.IsZero() && p.now().After(it.expiresAt) {
		delete(p.items, key)
		return memItem{}, false
	}
	return it, true
}

func (p *MemoryProvider) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return p.now().Add(ttl)
}
