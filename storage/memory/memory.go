// Package memory provides an in-process implementation of the
// quotagate.CounterStore interface. It backs single-instance deployments and
// serves as the fallback when the shared store is unreachable.
package memory

import (
	"context"
	"path"
	"sync"
	"time"
)

// highWater is the entry count that triggers a full expiry sweep on the next
// write. Counters are short-lived, so lazy expiry plus an occasional sweep
// keeps the map bounded without a background goroutine.
const highWater = 10000

// Store implements quotagate.CounterStore using a mutex-guarded map.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

type entry struct {
	count     int64
	expiresAt time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the store's time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty in-process counter store.
func New(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the live count for a key. Expired entries read as missing.
func (s *Store) Get(_ context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return 0, false, nil
	}
	if s.now().After(e.expiresAt) {
		delete(s.entries, key)
		return 0, false, nil
	}
	return e.count, true, nil
}

// Set stores a count with a TTL, replacing any existing entry.
func (s *Store) Set(_ context.Context, key string, value int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maybeSweep()
	s.entries[key] = &entry{count: value, expiresAt: s.now().Add(ttl)}
	return nil
}

// Increment atomically bumps a key's count. The TTL is set when the entry is
// created and left untouched on subsequent increments, so the window end is
// fixed by the first request.
func (s *Store) Increment(_ context.Context, key string, ttl time.Duration) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[key]
	if !ok || now.After(e.expiresAt) {
		s.maybeSweep()
		e = &entry{expiresAt: now.Add(ttl)}
		s.entries[key] = e
	}
	e.count++
	return e.count, e.expiresAt, nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Keys returns the live keys matching a glob pattern.
func (s *Store) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var keys []string
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			continue
		}
		matched, err := path.Match(pattern, k)
		if err != nil {
			return nil, err
		}
		if matched {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Len reports the number of entries including not-yet-swept expired ones.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// maybeSweep drops every expired entry once the map grows past the high-water
// mark. Caller must hold the lock.
func (s *Store) maybeSweep() {
	if len(s.entries) < highWater {
		return
	}
	now := s.now()
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}
