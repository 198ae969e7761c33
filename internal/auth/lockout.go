package auth

import (
	"sync"
	"time"
)

// Lockout remembers the last failed authentication per identity. An
// identity that failed less than window ago is refused without asking a
// backend. It lives in the controller, so a worker restarting its
// exchange cannot clear it.
type Lockout struct {
	mu       sync.Mutex
	window   time.Duration
	failures map[string]time.Time
	now      func() time.Time
}

// NewLockout creates a tracker. now may be nil to use time.Now.
func NewLockout(window time.Duration, now func() time.Time) *Lockout {
	if now == nil {
		now = time.Now
	}
	return &Lockout{
		window:   window,
		failures: make(map[string]time.Time),
		now:      now,
	}
}

// Record notes a failure for identity
func (l *Lockout) Record(identity string) {
	if identity == "" {
		return
	}
	l.mu.Lock()
	l.failures[identity] = l.now()
	l.mu.Unlock()
}

// Locked reports whether identity failed within the window
func (l *Lockout) Locked(identity string) bool {
	if identity == "" || l.window <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	last, ok := l.failures[identity]
	if !ok {
		return false
	}
	if l.now().Sub(last) >= l.window {
		delete(l.failures, identity)
		return false
	}
	return true
}

// Sweep forgets failures older than the window and returns how many were dropped.
func (l *Lockout) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for id, last := range l.failures {
		if now.Sub(last) >= l.window {
			delete(l.failures, id)
			removed++
		}
	}
	return removed
}
