package controller

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Admission refusals. None of them is a credential failure.
var (
	ErrTooManyClients     = errors.New("maximum number of clients reached")
	ErrTooManySameClients = errors.New("maximum number of sessions for this user reached")
	ErrRateLimited        = errors.New("connection rate limit exceeded")
)

// Admission holds the counters shared by every worker: total connections
// and authenticated sessions per identity. All changes happen under one
// lock, so a refused attempt leaves the counters untouched.
type Admission struct {
	mu          sync.Mutex
	maxClients  int
	maxSame     int
	limiter     *rate.Limiter
	active      int
	perIdentity map[string]int
}

// NewAdmission creates the counters. Zero limits are unlimited; a zero
// interval disables rate limiting.
func NewAdmission(maxClients, maxSame int, interval time.Duration) *Admission {
	a := &Admission{
		maxClients:  maxClients,
		maxSame:     maxSame,
		perIdentity: make(map[string]int),
	}
	if interval > 0 {
		a.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	return a
}

// Connect reserves a slot for a new connection. It must be paired with
// Disconnect once the worker is gone.
func (a *Admission) Connect() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.maxClients > 0 && a.active >= a.maxClients {
		return ErrTooManyClients
	}
	if a.limiter != nil && !a.limiter.Allow() {
		return ErrRateLimited
	}
	a.active++
	return nil
}

// Disconnect frees a slot taken by Connect
func (a *Admission) Disconnect() {
	a.mu.Lock()
	if a.active > 0 {
		a.active--
	}
	a.mu.Unlock()
}

// Claim counts an authenticated session for identity
func (a *Admission) Claim(identity string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.maxSame > 0 && a.perIdentity[identity] >= a.maxSame {
		return ErrTooManySameClients
	}
	a.perIdentity[identity]++
	return nil
}

// Release undoes a Claim
func (a *Admission) Release(identity string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch n := a.perIdentity[identity]; {
	case n > 1:
		a.perIdentity[identity] = n - 1
	case n == 1:
		delete(a.perIdentity, identity)
	}
}

// Active returns the number of admitted connections
func (a *Admission) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Sessions returns the number of authenticated sessions of identity
func (a *Admission) Sessions(identity string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.perIdentity[identity]
}
