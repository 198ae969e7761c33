package session

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrCapacity is returned by Put when the store is full and the id is new.
	ErrCapacity = errors.New("session store is full")

	// ErrTooLarge is returned by Put when the resumption data exceeds MaxDataSize.
	ErrTooLarge = errors.New("session data too large")
)

// Store maps session identifiers to records with a hard capacity and
// per-entry expiry. It is safe for concurrent use.
//
// Expired entries are never returned. They are removed when an operation
// touches their id and by a periodic sweep.
type Store struct {
	mu       sync.RWMutex
	entries  map[ID]*Record
	capacity int
	validity time.Duration
	now      func() time.Time

	cleanupInterval time.Duration
	cleanupTicker   *time.Ticker
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// Option configures a Store
type Option func(*Store)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithCleanupInterval sets how often expired entries are swept.
// A zero interval disables the background sweep.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *Store) { s.cleanupInterval = d }
}

// NewStore creates a store holding at most capacity entries, each valid
// for validity after it is stored. The background sweep runs every minute
// unless configured otherwise.
func NewStore(capacity int, validity time.Duration, opts ...Option) *Store {
	s := &Store{
		entries:         make(map[ID]*Record),
		capacity:        capacity,
		validity:        validity,
		now:             time.Now,
		cleanupInterval: 1 * time.Minute,
		stopCleanup:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cleanupInterval > 0 {
		s.cleanupTicker = time.NewTicker(s.cleanupInterval)
		go s.cleanupLoop()
	}
	return s
}

// Stop halts the background sweep.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		if s.cleanupTicker != nil {
			s.cleanupTicker.Stop()
		}
		close(s.stopCleanup)
	})
}

// Put inserts or overwrites the record for rec.ID. CreatedAt and
// ExpiresAt are assigned by the store; the stored copy is returned.
//
// A new id is refused with ErrCapacity when the store is full of live
// entries. Expired entries are swept first; live ones are never evicted
// to make room.
func (s *Store) Put(rec Record) (Record, error) {
	if len(rec.Data) > MaxDataSize {
		return Record{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(rec.Data))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if old, ok := s.entries[rec.ID]; ok && old.expired(now) {
		delete(s.entries, rec.ID)
	}
	if _, exists := s.entries[rec.ID]; !exists && s.full() {
		s.sweepLocked(now)
		if s.full() {
			return Record{}, ErrCapacity
		}
	}

	stored := rec.clone()
	stored.CreatedAt = now
	stored.ExpiresAt = now.Add(s.validity)
	s.entries[rec.ID] = &stored

	return stored.clone(), nil
}

// Fetch returns the record for id if it exists and has not expired.
// A missing and an expired entry are indistinguishable to the caller.
func (s *Store) Fetch(id ID) (Record, bool) {
	s.mu.RLock()
	rec, ok := s.entries[id]
	if ok && !rec.expired(s.now()) {
		out := rec.clone()
		s.mu.RUnlock()
		return out, true
	}
	s.mu.RUnlock()

	if ok {
		s.mu.Lock()
		if rec, ok := s.entries[id]; ok && rec.expired(s.now()) {
			delete(s.entries, id)
		}
		s.mu.Unlock()
	}
	return Record{}, false
}

// Delete removes id. Removing an absent id is not an error.
func (s *Store) Delete(id ID) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// Len returns the number of entries, including expired ones not yet swept.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) full() bool {
	return s.capacity > 0 && len(s.entries) >= s.capacity
}

// Capacity returns the configured maximum entry count
func (s *Store) Capacity() int {
	return s.capacity
}
