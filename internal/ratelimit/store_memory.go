package ratelimit

import (
	"context"
	"sync"
	"time"
)

// evictEvery is how many Allow calls pass between sweeps of idle windows.
const evictEvery = 512

// MemoryStore keeps sliding windows in process memory. Limits are per
// instance; use RedisStore when several replicas share a budget.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*slidingWindow
	calls   uint64
	now     func() time.Time
}

// slidingWindow holds the request timestamps inside the window, oldest first.
type slidingWindow struct {
	timestamps []time.Time
	window     time.Duration
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]*slidingWindow),
		now:     time.Now,
	}
}

// Allow records a request for key if fewer than limit requests fall inside
// the trailing window.
func (s *MemoryStore) Allow(_ context.Context, key string, limit int, window time.Duration) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.calls++
	if s.calls%evictEvery == 0 {
		s.evictIdle(now)
	}

	sw := s.windows[key]
	if sw == nil {
		sw = &slidingWindow{window: window}
		s.windows[key] = sw
	}
	sw.window = window
	sw.cleanup(now)

	if len(sw.timestamps) < limit {
		sw.timestamps = append(sw.timestamps, now)
		return &Result{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit - len(sw.timestamps),
			ResetAt:   sw.timestamps[0].Add(window),
		}, nil
	}

	reset := sw.timestamps[0].Add(window)
	return &Result{
		Allowed:    false,
		Limit:      limit,
		Remaining:  0,
		ResetAt:    reset,
		RetryAfter: retryAfter(now, reset),
	}, nil
}

// Count returns how many requests for key fall inside its window.
func (s *MemoryStore) Count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sw := s.windows[key]
	if sw == nil {
		return 0
	}
	sw.cleanup(s.now())
	return len(sw.timestamps)
}

// Reset forgets key.
func (s *MemoryStore) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, key)
}

func (sw *slidingWindow) cleanup(now time.Time) {
	cutoff := now.Add(-sw.window)
	i := 0
	for ; i < len(sw.timestamps); i++ {
		if sw.timestamps[i].After(cutoff) {
			break
		}
	}
	sw.timestamps = sw.timestamps[i:]
}

// evictIdle drops windows with no request inside them. Must hold s.mu.
func (s *MemoryStore) evictIdle(now time.Time) {
	for key, sw := range s.windows {
		sw.cleanup(now)
		if len(sw.timestamps) == 0 {
			delete(s.windows, key)
		}
	}
}
