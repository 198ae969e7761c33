package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/al-bashkir/tlsvpnd/internal/config"
	"github.com/al-bashkir/tlsvpnd/internal/logsanitize"
	"github.com/al-bashkir/tlsvpnd/internal/session"
)

const (
	// MaxUsernameSize bounds usernames accepted from clients
	MaxUsernameSize = 64

	// MaxResponseSize bounds a single password or challenge response
	MaxResponseSize = 256
)

// SessionStore is the part of the session store the machine uses
type SessionStore interface {
	Put(rec session.Record) (session.Record, error)
	Fetch(id session.ID) (session.Record, bool)
}

// Identity is an authenticated user.
type Identity struct {
	Username string
	Group    string
	Groups   []string
	Method   string

	// Cookie is set when the session can be resumed by cookie.
	Cookie    session.ID
	HasCookie bool

	// Resumed is true when the identity came from a cookie.
	Resumed bool
}

// Options configures a Machine. Store and Lockout are shared by all
// machines of a controller.
type Options struct {
	Types        config.AuthTypes
	Backend      Backend // required when Types.RequiresPassword()
	Store        SessionStore
	Lockout      *Lockout
	MaxRounds    int
	Timeout      time.Duration
	DefaultGroup string

	// Admit is consulted right before accepting. A non-nil error rejects
	// the exchange without counting as a credential failure.
	Admit func(Identity) error

	Now    func() time.Time
	Logger *slog.Logger
}

// Step is what a transition produced. Prompt is set while credentials are
// awaited, Identity once accepted, Err once rejected.
type Step struct {
	State    State
	Prompt   string
	Identity *Identity
	Err      error
}

// Machine is the authentication state of one worker. It is driven by the
// controller goroutine serving that worker and is not safe for
// concurrent use.
type Machine struct {
	opts      Options
	state     State
	client    Client
	exchange  Exchange
	remaining int
	deadline  time.Time
	armed     bool
	identity  *Identity
	log       *slog.Logger
}

// NewMachine creates a machine in StateInit. The timeout clock starts
// now and is re-armed once, when the first exchange begins.
func NewMachine(opts Options) *Machine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Lockout == nil {
		opts.Lockout = NewLockout(0, opts.Now)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		opts:      opts,
		state:     StateInit,
		remaining: opts.MaxRounds,
		deadline:  opts.Now().Add(opts.Timeout),
		log:       log,
	}
}

// State returns the current state
func (m *Machine) State() State {
	return m.state
}

// Deadline returns when the exchange times out
func (m *Machine) Deadline() time.Time {
	return m.deadline
}

// Remaining returns the retry budget left for challenge rounds
func (m *Machine) Remaining() int {
	return m.remaining
}

// Identity returns the accepted identity, or nil
func (m *Machine) Identity() *Identity {
	return m.identity
}

// Client returns the peer metadata of the current exchange
func (m *Machine) Client() Client {
	return m.client
}

// Init begins an exchange for client (AUTH_INIT).
func (m *Machine) Init(ctx context.Context, client Client) (Step, error) {
	if m.expired() {
		return m.Expire(), nil
	}
	if !m.canBegin() {
		return Step{}, fmt.Errorf("init in state %s: %w", m.state, ErrBadState)
	}
	m.arm()
	m.client = client

	if len(client.Username) > MaxUsernameSize || len(client.CertUser) > MaxUsernameSize {
		return m.reject(ErrBadUsername), nil
	}

	types := m.opts.Types
	if types.Certificate {
		if client.CertUser == "" {
			return m.reject(ErrNoCertificate), nil
		}
		if types.Password && client.Username != "" && client.Username != client.CertUser {
			return m.reject(ErrCertMismatch), nil
		}
		if client.Username == "" {
			m.client.Username = client.CertUser
		}
	}

	if m.opts.Lockout.Locked(m.key()) {
		return m.reject(ErrLockedOut), nil
	}

	if types.CertificateOnly() {
		return m.accept(Identity{
			Username: client.CertUser,
			Groups:   client.CertGroups,
			Method:   "certificate",
		}), nil
	}

	if m.client.Username == "" {
		return m.reject(ErrBadUsername), nil
	}
	if m.opts.Backend == nil {
		return m.reject(fmt.Errorf("%w: no password backend configured", ErrBackend)), nil
	}

	bctx, cancel := m.backendContext(ctx)
	defer cancel()
	ex, prompt, err := m.opts.Backend.Begin(bctx, m.client)
	if err != nil {
		return m.backendFailed(bctx, err), nil
	}
	if m.expired() {
		if c, ok := ex.(io.Closer); ok {
			_ = c.Close()
		}
		return m.Expire(), nil
	}
	if prompt == "" {
		prompt = "Password:"
	}
	m.exchange = ex
	m.state = StateAwaitingCredentials
	return Step{State: m.state, Prompt: prompt}, nil
}

// Submit hands a password or challenge response to the backend (AUTH_REQ).
func (m *Machine) Submit(ctx context.Context, response string) (Step, error) {
	if m.expired() {
		return m.Expire(), nil
	}
	if m.exchange == nil || (m.state != StateAwaitingCredentials && m.state != StateChallenge) {
		return Step{}, fmt.Errorf("submit in state %s: %w", m.state, ErrBadState)
	}

	if m.opts.Lockout.Locked(m.key()) {
		return m.reject(ErrLockedOut), nil
	}
	if m.state == StateChallenge && m.remaining <= 0 {
		return m.reject(ErrRetryBudget), nil
	}
	if len(response) > MaxResponseSize {
		return m.reject(ErrCredentials), nil
	}

	bctx, cancel := m.backendContext(ctx)
	defer cancel()
	v, err := m.exchange.Submit(bctx, response)
	if err != nil {
		return m.backendFailed(bctx, err), nil
	}
	if m.expired() {
		return m.Expire(), nil
	}

	switch v.Outcome {
	case Accept:
		username := m.client.Username
		if v.Username != "" {
			username = v.Username
		}
		groups := v.Groups
		if len(groups) == 0 {
			groups = m.client.CertGroups
		}
		return m.accept(Identity{
			Username: username,
			Groups:   groups,
			Method:   m.opts.Backend.Name(),
		}), nil
	case Continue:
		m.remaining--
		m.state = StateChallenge
		return Step{State: m.state, Prompt: v.Prompt}, nil
	default:
		return m.reject(ErrCredentials), nil
	}
}

// Cookie resumes a previously accepted session (AUTH_COOKIE_REQ). A miss
// leaves the machine awaiting credentials so the client can log in. Once
// accepted, only the issued cookie or none at all is valid.
func (m *Machine) Cookie(ctx context.Context, cookie []byte, client Client) (Step, error) {
	if m.expired() {
		return m.Expire(), nil
	}

	if m.state == StateAccepted {
		if m.identity == nil {
			return Step{}, fmt.Errorf("accepted without identity: %w", ErrBadState)
		}
		// The connection that logged in asks for its tunnel without a
		// cookie, e.g. when none could be stored.
		if len(cookie) == 0 {
			return Step{State: m.state, Identity: m.identity}, nil
		}
		id, err := session.IDFromBytes(cookie)
		if err != nil || !m.identity.HasCookie || m.identity.Cookie != id {
			return Step{}, fmt.Errorf("cookie does not match accepted session: %w", ErrBadState)
		}
		return Step{State: m.state, Identity: m.identity}, nil
	}
	if !m.canBegin() {
		return Step{}, fmt.Errorf("cookie in state %s: %w", m.state, ErrBadState)
	}
	m.arm()
	m.client = client

	miss := func() (Step, error) {
		m.state = StateAwaitingCredentials
		return Step{State: m.state, Err: ErrCookieMiss}, nil
	}

	id, err := session.IDFromBytes(cookie)
	if err != nil || m.opts.Store == nil {
		return miss()
	}
	rec, ok := m.opts.Store.Fetch(id)
	if !ok || !rec.Authenticated() {
		return miss()
	}
	if m.opts.Types.Certificate && client.CertUser != rec.Username {
		return miss()
	}

	m.client.Username = rec.Username
	return m.admit(Identity{
		Username:  rec.Username,
		Group:     rec.Group,
		Method:    "cookie",
		Cookie:    id,
		HasCookie: true,
		Resumed:   true,
	}), nil
}

// Reinit restarts the exchange on the same connection (AUTH_REINIT). The
// lockout record, the retry budget and the deadline all carry over.
func (m *Machine) Reinit() error {
	switch m.state {
	case StateInit, StateAwaitingCredentials, StateChallenge, StateRejected:
	default:
		return fmt.Errorf("reinit in state %s: %w", m.state, ErrBadState)
	}
	m.closeExchange()
	m.state = StateInit
	return nil
}

// Expire ends an unfinished exchange with ErrTimeout. Finished exchanges
// are left alone.
func (m *Machine) Expire() Step {
	switch m.state {
	case StateAccepted:
		return Step{State: m.state, Identity: m.identity}
	case StateRejected, StateTerminated:
		return Step{State: m.state}
	}
	return m.reject(ErrTimeout)
}

// Terminate moves to StateTerminated from any state.
func (m *Machine) Terminate() {
	m.closeExchange()
	m.state = StateTerminated
}

// backendContext bounds a backend call by the exchange deadline, so a
// stalled backend cannot outlive the timeout.
func (m *Machine) backendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.deadline.Sub(m.opts.Now()))
}

// backendFailed rejects after a backend error. A call cut off by the
// deadline is a timeout and one cancelled by the caller is an abort;
// neither counts as a failed attempt.
func (m *Machine) backendFailed(bctx context.Context, err error) Step {
	switch {
	case m.expired() || errors.Is(bctx.Err(), context.DeadlineExceeded):
		return m.reject(ErrTimeout)
	case bctx.Err() != nil:
		return m.reject(fmt.Errorf("%w: %v", ErrAborted, err))
	}
	return m.reject(fmt.Errorf("%w: %v", ErrBackend, err))
}

func (m *Machine) canBegin() bool {
	return m.state == StateInit || (m.state == StateAwaitingCredentials && m.exchange == nil)
}

func (m *Machine) arm() {
	if m.armed {
		return
	}
	m.armed = true
	m.deadline = m.opts.Now().Add(m.opts.Timeout)
}

func (m *Machine) expired() bool {
	switch m.state {
	case StateAccepted, StateRejected, StateTerminated:
		return false
	}
	return !m.opts.Now().Before(m.deadline)
}

// key is the identity lockout is tracked under
func (m *Machine) key() string {
	if m.client.Username != "" {
		return m.client.Username
	}
	return m.client.CertUser
}

func (m *Machine) reject(err error) Step {
	m.closeExchange()
	m.state = StateRejected
	if countsAgainstLockout(err) {
		m.opts.Lockout.Record(m.key())
	}
	m.log.Info("authentication rejected",
		"username", logsanitize.Sanitize(m.key()),
		"ip", logsanitize.Sanitize(m.client.RemoteIP),
		"reason", err.Error(),
	)
	return Step{State: m.state, Err: err}
}

// accept finishes a credential exchange: admission, then a resumable
// record when password authentication was involved.
func (m *Machine) accept(id Identity) Step {
	if m.opts.Types.RequiresPassword() && m.opts.Store != nil {
		cookie, err := session.NewID()
		if err == nil {
			id.Cookie = cookie
			id.HasCookie = true
		}
	}
	return m.admit(id)
}

func (m *Machine) admit(id Identity) Step {
	if id.Group == "" {
		if len(id.Groups) > 0 {
			id.Group = id.Groups[0]
		} else {
			id.Group = m.opts.DefaultGroup
		}
	}

	if m.opts.Admit != nil {
		if err := m.opts.Admit(id); err != nil {
			return m.reject(fmt.Errorf("%w: %w", ErrAdmission, err))
		}
	}

	if id.HasCookie && !id.Resumed {
		_, err := m.opts.Store.Put(session.Record{ID: id.Cookie, Username: id.Username, Group: id.Group})
		if err != nil {
			// The session proceeds; it just cannot be resumed.
			m.log.Warn("session not resumable",
				"username", logsanitize.Sanitize(id.Username),
				"error", err,
			)
			id.HasCookie = false
			id.Cookie = session.ID{}
		}
	}

	m.closeExchange()
	m.identity = &id
	m.state = StateAccepted
	m.log.Info("authentication accepted",
		"username", logsanitize.Sanitize(id.Username),
		"group", logsanitize.Sanitize(id.Group),
		"method", id.Method,
		"ip", logsanitize.Sanitize(m.client.RemoteIP),
	)
	return Step{State: m.state, Identity: m.identity}
}

func (m *Machine) closeExchange() {
	if m.exchange == nil {
		return
	}
	if c, ok := m.exchange.(io.Closer); ok {
		if err := c.Close(); err != nil && !errors.Is(err, io.EOF) {
			m.log.Debug("failed to close exchange", "error", err)
		}
	}
	m.exchange = nil
}
