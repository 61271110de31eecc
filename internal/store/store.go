// Package store is the per-node local KV (C1): an in-memory map of opaque
// bytes with optional TTL. It has no knowledge of envelopes, vector clocks,
// or replication — callers hand it bytes and get bytes back.
//
// Concurrency follows the teacher's pattern: a single sync.RWMutex guards
// the map, since reads vastly outnumber writes in a cache workload.
package store

import (
	"sync"
	"time"
)

// entry is one stored record: raw bytes plus an optional absolute expiry.
type entry struct {
	value     []byte
	expiresAt time.Time // zero value means "no expiry"
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Stats summarizes the store's current footprint.
type Stats struct {
	KeyCount    int
	MemoryBytes int64
}

// Store is a concurrency-safe, in-memory byte store with per-key TTL.
type Store struct {
	mu   sync.RWMutex
	data map[string]entry

	sweepEvery time.Duration
	stopSweep  chan struct{}
	sweepOnce  sync.Once
}

// New creates an empty Store and starts its background TTL sweeper.
// sweepEvery controls how often expired keys are proactively reaped; a
// lookup always double-checks expiry regardless of the sweep cadence, so a
// long sweepEvery only delays memory reclamation, never correctness.
func New(sweepEvery time.Duration) *Store {
	if sweepEvery <= 0 {
		sweepEvery = time.Second
	}
	s := &Store{
		data:       make(map[string]entry),
		sweepEvery: sweepEvery,
		stopSweep:  make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Get returns the stored bytes for key, or ok=false if absent or expired.
func (s *Store) Get(key string) (value []byte, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, found := s.data[key]
	if !found || e.expired(time.Now()) {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key. ttl <= 0 means no expiry (spec §9: zero and
// negative TTLs are both treated as "never expires").
func (s *Store) Set(key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.data[key] = e
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Stats reports the current key count and an approximate memory footprint.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var mem int64
	for k, e := range s.data {
		mem += int64(len(k)) + int64(len(e.value))
	}
	return Stats{KeyCount: len(s.data), MemoryBytes: mem}
}

// Close stops the background sweeper. Safe to call more than once.
func (s *Store) Close() error {
	s.sweepOnce.Do(func() { close(s.stopSweep) })
	return nil
}

func (s *Store) sweepLoop() {
	t := time.NewTicker(s.sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-s.stopSweep:
			return
		case now := <-t.C:
			s.sweepExpired(now)
		}
	}
}

func (s *Store) sweepExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.data {
		if e.expired(now) {
			delete(s.data, k)
		}
	}
}
