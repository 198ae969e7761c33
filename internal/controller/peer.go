package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/al-bashkir/tlsvpnd/internal/auth"
	"github.com/al-bashkir/tlsvpnd/internal/config"
	"github.com/al-bashkir/tlsvpnd/internal/ipc"
	"github.com/al-bashkir/tlsvpnd/internal/logsanitize"
	"github.com/al-bashkir/tlsvpnd/internal/pool"
	"github.com/al-bashkir/tlsvpnd/internal/session"
	"github.com/al-bashkir/tlsvpnd/internal/tun"
)

// maxReportedCipher bounds cipher names a worker reports
const maxReportedCipher = 64

// peer is the controller's view of one worker. Apart from the kick, info
// and the DTLS registration, it is only touched by the goroutine in run.
//
// Every request a worker sends gets exactly one reply, except
// CMD_SESSION_INFO (a counter report) and CMD_TERMINATE (the worker is
// leaving).
type peer struct {
	id      string
	conn    *ipc.Conn
	proc    Process
	remote  string
	machine *auth.Machine
	log     *slog.Logger

	kicked     chan struct{}
	kickOnce   sync.Once
	kickReason string // written before kicked is closed
	stop       chan struct{}

	claimed  string
	accepted bool
	lease    pool.Lease
	leased   bool
	dev      tun.Device
	dtlsID   session.ID
	hasDTLS  bool

	mu   sync.Mutex
	info ipc.SessionEntry
}

type inbound struct {
	msg   ipc.Message
	files []*os.File
	err   error
}

func (c *Controller) newPeer(id string, conn *ipc.Conn, proc Process, remote string) *peer {
	p := &peer{
		id:     id,
		conn:   conn,
		proc:   proc,
		remote: remote,
		log:    c.log.With("worker_id", id),
		kicked: make(chan struct{}),
		stop:   make(chan struct{}),
		info: ipc.SessionEntry{
			WorkerID:    id,
			RemoteIP:    hostOf(remote),
			State:       auth.StateInit.String(),
			ConnectedAt: c.now().Unix(),
		},
	}
	p.machine = auth.NewMachine(auth.Options{
		Types:        c.types,
		Backend:      c.backend,
		Store:        c.store,
		Lockout:      c.lockout,
		MaxRounds:    c.cfg.Auth.MaxChallengeRounds,
		Timeout:      c.cfg.AuthTimeout(),
		DefaultGroup: c.cfg.Groups.DefaultGroup,
		Admit:        func(id auth.Identity) error { return c.claim(p, id) },
		Now:          c.now,
		Logger:       p.log,
	})
	return p
}

func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func (p *peer) entry() ipc.SessionEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

func (p *peer) update(fn func(e *ipc.SessionEntry)) {
	p.mu.Lock()
	fn(&p.info)
	p.mu.Unlock()
}

func (p *peer) send(m ipc.Message, files ...*os.File) error {
	if err := p.conn.Send(m, files...); err != nil {
		return fmt.Errorf("%w: %v", ipc.ErrCtl, err)
	}
	return nil
}

// requestKick asks run to terminate the worker. Only the first reason counts.
func (p *peer) requestKick(reason string) {
	p.kickOnce.Do(func() {
		p.kickReason = reason
		close(p.kicked)
	})
}

// claim is the admission hook run right before a session is accepted
func (c *Controller) claim(p *peer, id auth.Identity) error {
	if p.claimed != "" {
		return nil
	}
	if err := c.admission.Claim(id.Username); err != nil {
		c.metrics.refusals.WithLabelValues(refusalReason(err)).Inc()
		return err
	}
	p.claimed = id.Username
	return nil
}

// run serves one worker until it exits or is terminated, then releases
// everything the worker held.
func (c *Controller) run(ctx context.Context, p *peer) {
	defer c.wg.Done()
	defer c.release(p)
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("worker handler panicked", "panic", r)
			_ = p.proc.Kill()
		}
	}()

	msgs := make(chan inbound)
	go p.read(msgs)

	// dispatch may sit in a backend call; a kick cancels it
	work, cancelWork := context.WithCancel(ctx)
	defer cancelWork()
	go func() {
		select {
		case <-p.kicked:
			cancelWork()
		case <-work.Done():
		}
	}()

	timer := time.NewTimer(c.untilDeadline(p))
	defer timer.Stop()
	deadline := timer.C

	for {
		select {
		case <-ctx.Done():
			c.terminate(p, "server shutting down", "shutdown")
			return
		case <-p.kicked:
			c.terminate(p, p.kickReason, "administrative")
			return
		case <-p.proc.Done():
			p.log.Info("worker exited")
			return
		case <-deadline:
			c.expire(p)
			return
		case in := <-msgs:
			if in.err != nil {
				c.channelFailed(p, in.err)
				return
			}
			leaving, err := c.dispatch(work, p, in.msg, in.files)
			if err != nil {
				p.log.Warn("protocol violation",
					"cmd", in.msg.Command.String(),
					"error", err,
				)
				_ = p.send(ipc.Message{Command: in.msg.Command, Result: ipc.ResultBadCommand})
				c.terminate(p, "protocol violation", "bad_command")
				return
			}
			if leaving {
				p.log.Info("worker is leaving")
				c.reap(p)
				return
			}
			if p.dev != nil {
				deadline = nil
			} else {
				timer.Reset(c.untilDeadline(p))
			}
		}
	}
}

func (p *peer) read(out chan<- inbound) {
	for {
		m, files, err := p.conn.Recv()
		select {
		case out <- inbound{msg: m, files: files, err: err}:
		case <-p.stop:
			ipc.CloseFiles(files)
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Controller) untilDeadline(p *peer) time.Duration {
	d := p.machine.Deadline().Sub(c.now())
	if d < 0 {
		return 0
	}
	return d
}

// expire handles the auth deadline. A worker without a tunnel by then is
// ended, whether or not its credentials were accepted.
func (c *Controller) expire(p *peer) {
	before := p.machine.State()
	step := p.machine.Expire()
	if step.State == auth.StateRejected && before != auth.StateRejected {
		c.metrics.auth.WithLabelValues("timeout").Inc()
		_ = p.send(ipc.Message{
			Command: ipc.AuthRep,
			Result:  ipc.ResultAuthFail,
			Payload: &ipc.AuthReply{Reason: ipc.ReasonTimeout},
		})
	}
	c.terminate(p, "authentication timed out", "auth_timeout")
}

func (c *Controller) channelFailed(p *peer, err error) {
	switch {
	case errors.Is(err, io.EOF):
		p.log.Debug("worker closed its channel")
		c.reap(p)
	case ipc.IsDecodeError(err):
		p.log.Warn("malformed frame from worker", "error", err)
		c.terminate(p, "malformed command", "bad_command")
	default:
		p.log.Warn("control channel failed", "error", err)
		c.terminate(p, "control channel error", "channel_error")
	}
}

// terminate sends CMD_TERMINATE and reaps the worker
func (c *Controller) terminate(p *peer, reason, cause string) {
	p.machine.Terminate()
	c.metrics.terminated.WithLabelValues(cause).Inc()
	p.log.Info("terminating worker", "reason", reason)
	if err := p.send(ipc.Message{Command: ipc.CmdTerminate, Payload: &ipc.Terminate{Reason: reason}}); err != nil {
		p.log.Debug("failed to send terminate", "error", err)
	}
	c.reap(p)
}

// reap waits for the worker to exit, killing it after the grace period
func (c *Controller) reap(p *peer) {
	grace := time.NewTimer(c.cfg.TerminateGrace())
	defer grace.Stop()

	select {
	case <-p.proc.Done():
		return
	case <-grace.C:
	}
	p.log.Warn("worker did not exit in time, killing it")
	if err := p.proc.Kill(); err != nil {
		p.log.Error("failed to kill worker", "error", err)
	}
	<-p.proc.Done()
}

// release returns everything a finished worker held
func (c *Controller) release(p *peer) {
	close(p.stop)
	_ = p.conn.Close()
	p.machine.Terminate()

	if p.dev != nil {
		if err := p.dev.Close(); err != nil {
			p.log.Warn("failed to close tun device", "error", err)
		}
		c.metrics.tunnels.Dec()
	}
	if p.leased {
		c.pools.Release(p.lease)
	}
	if p.claimed != "" {
		c.admission.Release(p.claimed)
	}
	c.unregister(p)
	c.admission.Disconnect()
	c.metrics.workers.Dec()
	p.log.Info("worker released")
}

// dispatch handles one worker request. leaving reports that the worker
// announced its exit. An error is a protocol violation.
func (c *Controller) dispatch(ctx context.Context, p *peer, m ipc.Message, files []*os.File) (leaving bool, err error) {
	if len(files) > 0 {
		ipc.CloseFiles(files)
		return false, fmt.Errorf("%w: descriptors sent by worker", ipc.ErrBadCommand)
	}
	if m.Result != ipc.ResultOK {
		return false, fmt.Errorf("%w: request carries result %s", ipc.ErrBadCommand, m.Result)
	}

	switch m.Command {
	case ipc.AuthInit:
		return false, c.handleInit(ctx, p, m)
	case ipc.AuthReq:
		return false, c.handleSubmit(ctx, p, m)
	case ipc.AuthCookieReq:
		return false, c.handleCookie(ctx, p, m)
	case ipc.AuthReinit:
		if err := p.machine.Reinit(); err != nil {
			return false, err
		}
		p.setState()
		return false, p.send(ipc.Message{Command: ipc.AuthReinit})
	case ipc.ResumeStoreReq:
		return false, c.handleResumeStore(p, m)
	case ipc.ResumeFetchReq:
		return false, c.handleResumeFetch(p, m)
	case ipc.ResumeDelete:
		return false, c.handleResumeDelete(p, m)
	case ipc.CmdSessionInfo:
		return false, c.handleReport(p, m)
	case ipc.CmdTunMTU:
		return false, c.handleMTU(p, m)
	case ipc.CmdTerminate:
		p.machine.Terminate()
		if t, err := ipc.Payload[ipc.Terminate](m); err == nil && t.Reason != "" {
			p.log.Info("worker terminating", "reason", logsanitize.Sanitize(t.Reason))
		}
		return true, nil
	}
	return false, fmt.Errorf("%w: %s is not a worker request", ipc.ErrBadCommand, m.Command)
}

func (p *peer) setState() {
	state := p.machine.State().String()
	if p.dev != nil {
		state = "connected"
	}
	p.update(func(e *ipc.SessionEntry) { e.State = state })
}

func (c *Controller) handleInit(ctx context.Context, p *peer, m ipc.Message) error {
	req, err := ipc.Payload[ipc.AuthInitMsg](m)
	if err != nil {
		return err
	}
	client := auth.Client{
		Username:   req.Username,
		CertUser:   req.CertUser,
		CertGroups: req.CertGroups,
		RemoteIP:   hostOf(p.remote),
		UserAgent:  req.UserAgent,
		Hostname:   req.Hostname,
		TLSCipher:  req.TLSCipher,
	}
	p.update(func(e *ipc.SessionEntry) {
		e.UserAgent = req.UserAgent
		e.Hostname = req.Hostname
		e.TLSCipher = truncate(req.TLSCipher, maxReportedCipher)
	})

	step, err := p.machine.Init(ctx, client)
	if err != nil {
		return err
	}
	return c.reply(p, step, req.Tunnel)
}

func (c *Controller) handleSubmit(ctx context.Context, p *peer, m ipc.Message) error {
	req, err := ipc.Payload[ipc.AuthRequest](m)
	if err != nil {
		return err
	}
	step, err := p.machine.Submit(ctx, req.Password)
	if err != nil {
		return err
	}
	return c.reply(p, step, false)
}

func (c *Controller) handleCookie(ctx context.Context, p *peer, m ipc.Message) error {
	req, err := ipc.Payload[ipc.CookieRequest](m)
	if err != nil {
		return err
	}
	client := auth.Client{
		CertUser:  req.CertUser,
		RemoteIP:  hostOf(p.remote),
		UserAgent: req.UserAgent,
		Hostname:  req.Hostname,
		TLSCipher: req.TLSCipher,
	}
	p.update(func(e *ipc.SessionEntry) {
		e.UserAgent = req.UserAgent
		e.Hostname = req.Hostname
		e.TLSCipher = truncate(req.TLSCipher, maxReportedCipher)
	})

	step, err := p.machine.Cookie(ctx, req.Cookie, client)
	if err != nil {
		return err
	}
	return c.reply(p, step, true)
}

// reply answers an auth request with the machine's new state. tunnel
// asks for the network to be set up once the session is accepted.
func (c *Controller) reply(p *peer, step auth.Step, tunnel bool) error {
	p.setState()

	switch step.State {
	case auth.StateAwaitingCredentials, auth.StateChallenge:
		if step.Err != nil {
			c.metrics.auth.WithLabelValues("cookie_miss").Inc()
			return p.send(authFailure(ipc.ResultAuthFail, ipc.ReasonCredentials))
		}
		return p.send(ipc.Message{
			Command: ipc.AuthMsg,
			Result:  ipc.ResultAuthContinue,
			Payload: &ipc.AuthMessage{Prompt: step.Prompt},
		})

	case auth.StateRejected:
		reason := ipc.ReasonCredentials
		switch {
		case errors.Is(step.Err, auth.ErrAdmission):
			reason = ipc.ReasonLimit
		case errors.Is(step.Err, auth.ErrTimeout):
			reason = ipc.ReasonTimeout
		}
		c.metrics.auth.WithLabelValues("reject").Inc()
		return p.send(authFailure(ipc.ResultAuthFail, reason))

	case auth.StateAccepted:
		id := step.Identity
		if !p.accepted {
			p.accepted = true
			result := "accept"
			if id.Resumed {
				result = "resume"
			}
			c.metrics.auth.WithLabelValues(result).Inc()
		}
		p.update(func(e *ipc.SessionEntry) {
			e.Username = id.Username
			e.Group = id.Group
		})
		reply := &ipc.AuthReply{Username: id.Username, Group: id.Group}
		if id.HasCookie {
			reply.Cookie = id.Cookie.Bytes()
		}
		if !tunnel {
			return p.send(ipc.Message{Command: ipc.AuthRep, Payload: reply})
		}
		return c.openTunnel(p, id, reply)
	}
	return fmt.Errorf("unexpected state %s after auth request: %w", step.State, auth.ErrBadState)
}

func authFailure(result ipc.Result, reason ipc.Reason) ipc.Message {
	return ipc.Message{
		Command: ipc.AuthRep,
		Result:  result,
		Payload: &ipc.AuthReply{Reason: reason},
	}
}

// openTunnel resolves the session's configuration, leases addresses and
// creates the tun device, whose descriptor travels with the reply.
// Failures here are refusals for this session only.
func (c *Controller) openTunnel(p *peer, id *auth.Identity, reply *ipc.AuthReply) error {
	if p.dev != nil {
		return fmt.Errorf("tunnel already established: %w", auth.ErrBadState)
	}

	sc, err := c.resolve(id)
	if err != nil {
		p.log.Error("failed to resolve session configuration",
			"username", logsanitize.Sanitize(id.Username),
			"group", logsanitize.Sanitize(id.Group),
			"error", err,
		)
		return p.send(authFailure(ipc.ResultReadConfig, ipc.ReasonConfig))
	}

	lease, err := c.pools.Lease(sc, p.id)
	if err != nil {
		p.log.Warn("no address available",
			"username", logsanitize.Sanitize(id.Username),
			"error", err,
		)
		return p.send(authFailure(ipc.ResultNoIP, ipc.ReasonNoAddress))
	}

	ns := sc.Network
	lease.Apply(&ns)
	dev, err := c.tun.Create(&ns, sc.IRoutes)
	if err != nil {
		c.pools.Release(lease)
		p.log.Error("failed to create tun device", "error", err)
		return p.send(authFailure(ipc.ResultMem, ipc.ReasonConfig))
	}
	f, err := dev.File()
	if err != nil {
		_ = dev.Close()
		c.pools.Release(lease)
		p.log.Error("failed to get tun descriptor", "error", err)
		return p.send(authFailure(ipc.ResultMem, ipc.ReasonConfig))
	}

	p.dev, p.lease, p.leased = dev, lease, true
	c.metrics.tunnels.Inc()

	if c.cfg.Listen.UDP != "" {
		dtlsID, err := c.registerDTLS(p)
		if err != nil {
			p.log.Warn("datagram channel disabled for session", "error", err)
		} else {
			p.dtlsID, p.hasDTLS = dtlsID, true
			reply.DTLSSessionID = dtlsID.Bytes()
		}
	}

	reply.Network = &ns
	reply.RxPerSec = sc.RxPerSec
	reply.TxPerSec = sc.TxPerSec

	p.update(func(e *ipc.SessionEntry) {
		e.State = "connected"
		e.IPv4 = ns.IPv4
		e.IPv6 = ns.IPv6
		e.Device = ns.Name
	})
	p.log.Info("tunnel established",
		"username", logsanitize.Sanitize(id.Username),
		"device", ns.Name,
		"ipv4", ns.IPv4,
		"ipv6", ns.IPv6,
	)
	return p.send(ipc.Message{Command: ipc.AuthRep, Payload: reply}, f)
}

func (c *Controller) resolve(id *auth.Identity) (*config.SessionConfig, error) {
	group, err := config.LoadGroup(c.cfg.Groups.PerGroupDir, id.Group)
	if err != nil {
		return nil, fmt.Errorf("group %s: %w", id.Group, err)
	}
	user, err := config.LoadGroup(c.cfg.Groups.PerUserDir, id.Username)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", id.Username, err)
	}
	return config.Resolve(c.cfg, group, user)
}

// handleResumeStore keeps TLS resumption state in the ticket store. An
// id naming a session cookie is a protocol violation.
func (c *Controller) handleResumeStore(p *peer, m ipc.Message) error {
	req, err := ipc.Payload[ipc.ResumeStore](m)
	if err != nil {
		return err
	}
	id, err := session.IDFromBytes(req.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ipc.ErrBadCommand, err)
	}
	if _, ok := c.store.Fetch(id); ok {
		return fmt.Errorf("%w: resumption state would shadow a session cookie", ipc.ErrBadCommand)
	}

	if _, err := c.tickets.Put(session.Record{ID: id, Data: req.Data}); err != nil {
		p.log.Debug("resumption state not stored", "error", err)
		return p.send(ipc.Message{Command: ipc.ResumeStoreReq, Result: ipc.ResultMem})
	}
	return p.send(ipc.Message{Command: ipc.ResumeStoreReq})
}

// handleResumeFetch answers with the stored state or an empty reply. An
// absent and an expired ticket look the same; cookies are never returned.
func (c *Controller) handleResumeFetch(p *peer, m ipc.Message) error {
	req, err := ipc.Payload[ipc.ResumeKey](m)
	if err != nil {
		return err
	}
	id, err := session.IDFromBytes(req.ID)
	if err != nil {
		return p.send(ipc.Message{Command: ipc.ResumeFetchRep})
	}
	rec, ok := c.tickets.Fetch(id)
	if !ok {
		return p.send(ipc.Message{Command: ipc.ResumeFetchRep})
	}
	return p.send(ipc.Message{Command: ipc.ResumeFetchRep, Payload: &ipc.ResumeData{Data: rec.Data}})
}

// handleResumeDelete removes resumption state, or the worker's own cookie
// when its client logs out.
func (c *Controller) handleResumeDelete(p *peer, m ipc.Message) error {
	req, err := ipc.Payload[ipc.ResumeKey](m)
	if err != nil {
		return err
	}
	id, err := session.IDFromBytes(req.ID)
	if err != nil {
		return p.send(ipc.Message{Command: ipc.ResumeDelete})
	}
	if _, ok := c.store.Fetch(id); ok {
		own := p.machine.Identity()
		if own == nil || !own.HasCookie || own.Cookie != id {
			p.log.Warn("refused to delete a cookie of another session")
			return p.send(ipc.Message{Command: ipc.ResumeDelete, Result: ipc.ResultAuthFail})
		}
		p.log.Info("session cookie invalidated")
		c.store.Delete(id)
		return p.send(ipc.Message{Command: ipc.ResumeDelete})
	}
	c.tickets.Delete(id)
	return p.send(ipc.Message{Command: ipc.ResumeDelete})
}

// handleReport takes the counters a worker reports for its session
func (c *Controller) handleReport(p *peer, m ipc.Message) error {
	info, err := ipc.Payload[ipc.SessionInfo](m)
	if err != nil {
		return err
	}
	if len(info.Entries) != 1 {
		return fmt.Errorf("%w: %d entries in a worker report", ipc.ErrBadCommand, len(info.Entries))
	}
	r := info.Entries[0]
	p.update(func(e *ipc.SessionEntry) {
		e.BytesIn = r.BytesIn
		e.BytesOut = r.BytesOut
		e.DTLSCipher = truncate(r.DTLSCipher, maxReportedCipher)
	})
	return nil
}

func (c *Controller) handleMTU(p *peer, m ipc.Message) error {
	req, err := ipc.Payload[ipc.TunMTU](m)
	if err != nil {
		return err
	}
	if p.dev == nil {
		return fmt.Errorf("mtu change without a tunnel: %w", auth.ErrBadState)
	}
	if req.MTU < 576 || req.MTU > 65535 {
		return p.send(ipc.Message{Command: ipc.CmdTunMTU, Result: ipc.ResultParsing})
	}
	if err := p.dev.SetMTU(req.MTU); err != nil {
		p.log.Warn("failed to set tunnel mtu", "mtu", req.MTU, "error", err)
		return p.send(ipc.Message{Command: ipc.CmdTunMTU, Result: ipc.ResultExec})
	}
	p.log.Debug("tunnel mtu changed", "mtu", req.MTU)
	return p.send(ipc.Message{Command: ipc.CmdTunMTU})
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
