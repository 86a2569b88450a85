package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	staleThreshold  = 10 * time.Minute
	cleanupInterval = time.Minute
)

type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// MemoryLimiter keeps one golang.org/x/time/rate bucket per key in process
// memory. Keys idle for staleThreshold are evicted in the background.
type MemoryLimiter struct {
	rate  rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a limiter refilling rps tokens per second up to
// burst. Call Close to stop the eviction goroutine.
func NewMemoryLimiter(rps float64, burst int) *MemoryLimiter {
	if burst < 1 {
		burst = 1
	}
	m := &MemoryLimiter{
		rate:    rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Allow takes cost tokens from key's bucket, or none at all. A cost above
// the burst is charged as a full burst so that it can still succeed on an
// idle key.
func (m *MemoryLimiter) Allow(_ context.Context, key string, cost int) (Decision, error) {
	cost = min(max(cost, 1), m.burst)

	m.mu.Lock()
	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(m.rate, m.burst)}
		m.buckets[key] = b
	}
	b.lastAccess = now
	m.mu.Unlock()

	r := b.limiter.ReserveN(now, cost)
	if !r.OK() {
		return Decision{}, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{RetryAfter: delay}, nil
	}
	return Decision{Allowed: true}, nil
}

// Len returns the number of tracked keys.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-staleThreshold)
	for key, b := range m.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
