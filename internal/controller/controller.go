// Package controller is the privileged side of the server. It admits
// connections, spawns one worker per connection and answers each worker's
// commands against the state shared between workers: session store,
// lockout tracker, admission counters and address pools.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/al-bashkir/tlsvpnd/internal/auth"
	"github.com/al-bashkir/tlsvpnd/internal/config"
	"github.com/al-bashkir/tlsvpnd/internal/ipc"
	"github.com/al-bashkir/tlsvpnd/internal/logsanitize"
	"github.com/al-bashkir/tlsvpnd/internal/pool"
	"github.com/al-bashkir/tlsvpnd/internal/session"
	"github.com/al-bashkir/tlsvpnd/internal/tun"
)

// ErrUnknownWorker is returned when a worker id names no running worker
var ErrUnknownWorker = errors.New("unknown worker")

const lockoutSweepInterval = time.Minute

// Options wires a Controller to its collaborators
type Options struct {
	Config  *config.Config
	Backend auth.Backend   // password backend, nil for certificate-only setups
	Store   *session.Store // login cookies
	Tickets *session.Store // TLS resumption state
	Pools   *pool.Manager
	Tun     tun.Manager
	Spawner Spawner
	Metrics *Metrics
	Now     func() time.Time
	Logger  *slog.Logger
}

// Controller owns worker lifecycle and all cross-worker state
type Controller struct {
	cfg       *config.Config
	types     config.AuthTypes
	backend   auth.Backend
	store     *session.Store
	tickets   *session.Store
	pools     *pool.Manager
	tun       tun.Manager
	spawner   Spawner
	metrics   *Metrics
	admission *Admission
	lockout   *auth.Lockout
	now       func() time.Time
	log       *slog.Logger

	mu    sync.Mutex
	peers map[string]*peer
	dtls  map[session.ID]*peer

	wg sync.WaitGroup
}

// New creates a controller
func New(opts Options) (*Controller, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	types, err := config.ParseAuthTypes(cfg.Auth.Types)
	if err != nil {
		return nil, fmt.Errorf("auth.types: %w", err)
	}
	if types.RequiresPassword() && opts.Backend == nil {
		return nil, fmt.Errorf("password authentication enabled without a backend")
	}
	if opts.Store == nil || opts.Tickets == nil || opts.Pools == nil || opts.Tun == nil || opts.Spawner == nil {
		return nil, fmt.Errorf("stores, pools, tun manager and spawner are required")
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil, nil, nil)
	}

	return &Controller{
		cfg:       cfg,
		types:     types,
		backend:   opts.Backend,
		store:     opts.Store,
		tickets:   opts.Tickets,
		pools:     opts.Pools,
		tun:       opts.Tun,
		spawner:   opts.Spawner,
		metrics:   metrics,
		admission: NewAdmission(cfg.Limits.MaxClients, cfg.Limits.MaxSameClients, cfg.RateLimit()),
		lockout:   auth.NewLockout(cfg.MinReauthTime(), now),
		now:       now,
		log:       log,
		peers:     make(map[string]*peer),
		dtls:      make(map[session.ID]*peer),
	}, nil
}

// Admission returns the shared admission counters
func (c *Controller) Admission() *Admission {
	return c.admission
}

// Serve accepts client connections on ln until ctx ends. Every accepted
// connection passes admission before a worker is spawned for it.
func (c *Controller) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go c.sweepLockout(ctx)

	c.log.Info("accepting connections", "listen", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			c.log.Error("failed to accept connection", "error", err)
			continue
		}
		c.accept(ctx, conn)
	}
}

func (c *Controller) sweepLockout(ctx context.Context) {
	t := time.NewTicker(lockoutSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := c.lockout.Sweep(); n > 0 {
				c.log.Debug("swept lockout records", "count", n)
			}
		}
	}
}

func (c *Controller) accept(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	if err := c.admission.Connect(); err != nil {
		c.metrics.refusals.WithLabelValues(refusalReason(err)).Inc()
		c.log.Warn("connection refused",
			"ip", logsanitize.Sanitize(remote),
			"reason", err.Error(),
		)
		_ = conn.Close()
		return
	}

	if err := c.spawn(ctx, conn, remote); err != nil {
		c.admission.Disconnect()
		c.log.Error("failed to start worker",
			"ip", logsanitize.Sanitize(remote),
			"error", err,
		)
	}
}

type filer interface {
	File() (*os.File, error)
}

func (c *Controller) spawn(ctx context.Context, conn net.Conn, remote string) error {
	fc, ok := conn.(filer)
	if !ok {
		_ = conn.Close()
		return fmt.Errorf("connection type %T cannot be handed to a worker", conn)
	}
	client, err := fc.File()
	_ = conn.Close()
	if err != nil {
		return fmt.Errorf("failed to duplicate client socket: %w", err)
	}
	defer func() { _ = client.Close() }()

	ch, remoteEnd, err := ipc.SocketPair()
	if err != nil {
		return err
	}
	defer func() { _ = remoteEnd.Close() }()

	id := uuid.NewString()
	proc, err := c.spawner.Spawn(ctx, id, remoteEnd, client)
	if err != nil {
		_ = ch.Close()
		return err
	}

	p := c.newPeer(id, ch, proc, remote)
	c.mu.Lock()
	c.peers[id] = p
	c.mu.Unlock()
	c.metrics.workers.Inc()

	p.log.Info("worker started", "ip", logsanitize.Sanitize(remote))

	c.wg.Add(1)
	go c.run(ctx, p)
	return nil
}

// Terminate asks a worker to end its session. The worker is killed if it
// has not exited within the configured grace period.
func (c *Controller) Terminate(workerID, reason string) error {
	c.mu.Lock()
	p, ok := c.peers[workerID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	p.requestKick(reason)
	return nil
}

// Sessions lists the running workers, oldest first
func (c *Controller) Sessions() []ipc.SessionEntry {
	c.mu.Lock()
	peers := make([]*peer, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}
	c.mu.Unlock()

	entries := make([]ipc.SessionEntry, 0, len(peers))
	for _, p := range peers {
		entries = append(entries, p.entry())
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ConnectedAt != entries[j].ConnectedAt {
			return entries[i].ConnectedAt < entries[j].ConnectedAt
		}
		return entries[i].WorkerID < entries[j].WorkerID
	})
	return entries
}

// HandleControl answers control socket requests: session listings and
// administrative termination.
func (c *Controller) HandleControl(_ context.Context, req ipc.Message) (ipc.Message, error) {
	switch req.Command {
	case ipc.CmdSessionInfo:
		return ipc.Message{
			Command: ipc.CmdSessionInfo,
			Payload: &ipc.SessionInfo{Entries: c.Sessions()},
		}, nil
	case ipc.CmdTerminate:
		t, err := ipc.Payload[ipc.Terminate](req)
		if err != nil {
			return ipc.Message{}, err
		}
		reason := t.Reason
		if reason == "" {
			reason = "terminated by administrator"
		}
		if err := c.Terminate(t.WorkerID, reason); err != nil {
			return ipc.Message{}, err
		}
		return ipc.Message{Command: ipc.CmdTerminate}, nil
	}
	return ipc.Message{}, fmt.Errorf("%w: %s on control socket", ipc.ErrBadCommand, req.Command)
}

// Wait blocks until every worker has been reaped. Workers are told to
// terminate when the context passed to Serve ends.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) lookupDTLS(id session.ID) *peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dtls[id]
}

func (c *Controller) registerDTLS(p *peer) (session.ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		id, err := session.NewID()
		if err != nil {
			return session.ID{}, err
		}
		if _, taken := c.dtls[id]; !taken {
			c.dtls[id] = p
			return id, nil
		}
	}
}

func (c *Controller) unregister(p *peer) {
	c.mu.Lock()
	delete(c.peers, p.id)
	if p.hasDTLS {
		delete(c.dtls, p.dtlsID)
	}
	c.mu.Unlock()
}
