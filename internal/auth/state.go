package auth

import (
	"errors"
)

// State of an authentication exchange
type State int

const (
	StateInit State = iota
	StateAwaitingCredentials
	StateChallenge
	StateAccepted
	StateRejected
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateAwaitingCredentials:
		return "awaiting-credentials"
	case StateChallenge:
		return "challenge"
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Rejection causes, reported in Step.Err.
var (
	ErrCredentials   = errors.New("credentials rejected")
	ErrBackend       = errors.New("authentication backend failed")
	ErrLockedOut     = errors.New("identity is locked out")
	ErrRetryBudget   = errors.New("retry budget exhausted")
	ErrTimeout       = errors.New("authentication timed out")
	ErrNoCertificate = errors.New("client certificate required")
	ErrCertMismatch  = errors.New("certificate does not match username")
	ErrBadUsername   = errors.New("invalid username")
	ErrAdmission     = errors.New("admission refused")
	ErrCookieMiss    = errors.New("unknown or expired cookie")
	ErrAborted       = errors.New("authentication aborted")
)

// ErrBadState is returned, not reported in a Step, when a worker sends a
// command the current state does not accept. It is a protocol violation.
var ErrBadState = errors.New("command not valid in current state")

// countsAgainstLockout reports whether a rejection cause is a failed
// credential attempt. Timeouts and admission refusals are not.
func countsAgainstLockout(err error) bool {
	switch {
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrAdmission),
		errors.Is(err, ErrLockedOut),
		errors.Is(err, ErrNoCertificate),
		errors.Is(err, ErrCookieMiss),
		errors.Is(err, ErrAborted):
		return false
	}
	return true
}
