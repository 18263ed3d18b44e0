package ratelimit

import (
	"context"
	"sync"
	"time"
)

// WindowStore keeps per-key attempt timestamps. An attempt counts while
// now - t < window.
type WindowStore interface {
	// Admit drops expired attempts for key and records now when fewer than
	// maxAttempts remain. The check and the record are atomic.
	Admit(ctx context.Context, key string, now time.Time, window time.Duration, maxAttempts int) (bool, error)

	// Attempts returns the live attempts for key in ascending order
	Attempts(ctx context.Context, key string, now time.Time, window time.Duration) ([]time.Time, error)
}

// MemoryStore is a process-local WindowStore. Keys are pruned on access and
// the whole map is swept at most once per sweep interval. Each key remembers
// the longest window it was checked with, and a sweep only drops attempts
// older than that window.
type MemoryStore struct {
	mu            sync.Mutex
	windows       map[string]*keyWindow
	sweepInterval time.Duration
	lastSweep     time.Time
}

type keyWindow struct {
	attempts []time.Time
	window   time.Duration
}

// NewMemoryStore creates a MemoryStore
func NewMemoryStore(sweepInterval time.Duration) *MemoryStore {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	return &MemoryStore{
		windows:       make(map[string]*keyWindow),
		sweepInterval: sweepInterval,
	}
}

func (s *MemoryStore) Admit(_ context.Context, key string, now time.Time, window time.Duration, maxAttempts int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweep(now)

	kw, ok := s.windows[key]
	if !ok {
		kw = &keyWindow{}
		s.windows[key] = kw
	}
	if window > kw.window {
		kw.window = window
	}

	kw.attempts = prune(kw.attempts, now, kw.window)
	if countSince(kw.attempts, now, window) >= maxAttempts {
		return false, nil
	}
	kw.attempts = append(kw.attempts, now)
	return true, nil
}

func (s *MemoryStore) Attempts(_ context.Context, key string, now time.Time, window time.Duration) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kw, ok := s.windows[key]
	if !ok {
		return nil, nil
	}
	var live []time.Time
	for _, t := range kw.attempts {
		if now.Sub(t) < window {
			live = append(live, t)
		}
	}
	return live, nil
}

// Keys returns the number of tracked keys
func (s *MemoryStore) Keys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

func (s *MemoryStore) sweep(now time.Time) {
	if now.Sub(s.lastSweep) < s.sweepInterval {
		return
	}
	s.lastSweep = now
	for key, kw := range s.windows {
		kw.attempts = prune(kw.attempts, now, kw.window)
		if len(kw.attempts) == 0 {
			delete(s.windows, key)
		}
	}
}

// countSince counts the ascending attempts still inside window
func countSince(attempts []time.Time, now time.Time, window time.Duration) int {
	n := 0
	for i := len(attempts) - 1; i >= 0 && now.Sub(attempts[i]) < window; i-- {
		n++
	}
	return n
}

// prune drops expired attempts in place; attempts are ascending
func prune(attempts []time.Time, now time.Time, window time.Duration) []time.Time {
	i := 0
	for i < len(attempts) && now.Sub(attempts[i]) >= window {
		i++
	}
	if i == 0 {
		return attempts
	}
	return append(attempts[:0], attempts[i:]...)
}
