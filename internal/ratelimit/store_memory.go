package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps nextAllowedTime per key in process memory
// ARCHITECTURAL DISCOVERY: Per-client state tracking with periodic cleanup
// prevents unbounded growth from one-off client keys
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Advance implements Store. The whole read-modify-write runs under one lock.
func (s *MemoryStore) Advance(ctx context.Context, key string, now time.Time, increment time.Duration) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.entries[key]
	if next.Before(now) {
		next = now
	}
	if increment <= 0 {
		return next, nil
	}

	next = next.Add(increment)
	s.entries[key] = next
	return next, nil
}

// Len returns the number of tracked keys
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Cleanup removes keys whose nextAllowedTime has already passed. Such a key
// behaves exactly like an unseen key, so removal is not observable.
func (s *MemoryStore) Cleanup() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, next := range s.entries {
		if !next.After(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// StartJanitor runs Cleanup every interval until ctx is cancelled
func (s *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}
