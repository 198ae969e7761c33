// Package auth implements the per-connection authentication state machine
// the controller runs for each worker, together with the lockout tracker
// shared by all of them.
package auth

import (
	"context"
)

// Client describes the connecting peer as reported by its worker.
type Client struct {
	Username   string
	CertUser   string // from the client certificate, empty without one
	CertGroups []string
	RemoteIP   string
	UserAgent  string
	Hostname   string
	TLSCipher  string
}

// Outcome is a backend's verdict on one submission
type Outcome int

const (
	Accept Outcome = iota
	Reject
	Continue
)

func (o Outcome) String() string {
	switch o {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	case Continue:
		return "continue"
	}
	return "unknown"
}

// Verdict is the result of a submission. Prompt is set for Continue.
// Username, when set on Accept, is the backend's canonical name.
type Verdict struct {
	Outcome  Outcome
	Prompt   string
	Username string
	Groups   []string
}

// Exchange is one in-progress conversation with a credential backend.
// The machine never interprets prompts; it only counts rounds.
type Exchange interface {
	Submit(ctx context.Context, response string) (Verdict, error)
}

// Backend verifies username/password style credentials.
// A returned error is a hard failure, distinct from a Reject verdict.
type Backend interface {
	Name() string
	Begin(ctx context.Context, client Client) (ex Exchange, prompt string, err error)
}
