package quotagate

import (
	"context"
	"path"
	"sync"
	"time"
)

// fakeStore is an in-memory CounterStore for tests. Setting err makes every
// operation fail until it is cleared.
type fakeStore struct {
	mu      sync.Mutex
	entries map[string]*fakeEntry
	err     error

	increments int
}

type fakeEntry struct {
	count     int64
	expiresAt time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]*fakeEntry)}
}

func (s *fakeStore) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeStore) Get(_ context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, false, s.err
	}
	e, ok := s.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return 0, false, nil
	}
	return e.count, true, nil
}

func (s *fakeStore) Set(_ context.Context, key string, value int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries[key] = &fakeEntry{count: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *fakeStore) Increment(_ context.Context, key string, ttl time.Duration) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, time.Time{}, s.err
	}
	s.increments++
	e, ok := s.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		e = &fakeEntry{expiresAt: time.Now().Add(ttl)}
		s.entries[key] = e
	}
	e.count++
	return e.count, e.expiresAt, nil
}

func (s *fakeStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	delete(s.entries, key)
	return nil
}

func (s *fakeStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var keys []string
	for k := range s.entries {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *fakeStore) incrementCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.increments
}
