// Package worker serves one client connection in its own process. It
// terminates TLS, runs the HTTP bootstrap, relays tunnel traffic and
// asks the controller for everything that needs privileges or shared
// state.
package worker

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/al-bashkir/tlsvpnd/internal/backend"
	"github.com/al-bashkir/tlsvpnd/internal/config"
	"github.com/al-bashkir/tlsvpnd/internal/ipc"
	"github.com/al-bashkir/tlsvpnd/internal/logsanitize"
	"github.com/al-bashkir/tlsvpnd/internal/tunnel"
)

// DefaultReportInterval is how often counters are sent to the controller
const DefaultReportInterval = 30 * time.Second

// Options configures a Worker
type Options struct {
	Config *config.Config
	TLS    *tls.Config

	// CertIdentity maps client certificates to users, nil when
	// certificate authentication is disabled
	CertIdentity *backend.CertIdentity

	ReportInterval time.Duration
	Logger         *slog.Logger
}

// Worker serves client connections. Run matches the signature the
// controller's spawners expect.
type Worker struct {
	cfg    *config.Config
	types  config.AuthTypes
	tls    *tls.Config
	certs  *backend.CertIdentity
	report time.Duration
	log    *slog.Logger
}

// New validates opts and creates a Worker
func New(opts Options) (*Worker, error) {
	if opts.Config == nil || opts.TLS == nil {
		return nil, fmt.Errorf("configuration and TLS settings are required")
	}
	types, err := config.ParseAuthTypes(opts.Config.Auth.Types)
	if err != nil {
		return nil, fmt.Errorf("auth.types: %w", err)
	}
	if types.Certificate && opts.CertIdentity == nil {
		return nil, fmt.Errorf("certificate authentication enabled without a certificate mapping")
	}
	report := opts.ReportInterval
	if report <= 0 {
		report = DefaultReportInterval
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		cfg:    opts.Config,
		types:  types,
		tls:    opts.TLS,
		certs:  opts.CertIdentity,
		report: report,
		log:    log,
	}, nil
}

// NewTLSConfig loads the server certificate and, for certificate
// authentication, the client CA.
func NewTLSConfig(cfg *config.Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	tc := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.TLS.CAFile == "" {
		return tc, nil
	}

	pem, err := os.ReadFile(cfg.TLS.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read client CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", cfg.TLS.CAFile)
	}
	tc.ClientCAs = pool
	tc.ClientAuth = tls.VerifyClientCertIfGiven
	types, err := config.ParseAuthTypes(cfg.Auth.Types)
	if err == nil && types.Certificate {
		tc.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tc, nil
}

// conn is one client session served by a worker
type conn struct {
	w      *Worker
	log    *slog.Logger
	ch     *channel
	tls    *tls.Conn
	br     *bufio.Reader
	remote string

	certUser   string
	certGroups []string
	userAgent  string
	hostname   string
	cipher     string

	auth   authState
	cookie []byte

	mu         sync.Mutex
	relay      *tunnel.Relay
	dtlsCipher string

	terminated atomic.Bool
	stop       chan struct{}
}

// Run serves the client socket until the session ends or ctx is
// cancelled. Both descriptors are consumed.
func (w *Worker) Run(ctx context.Context, id string, channelFile, clientFile *os.File) error {
	log := w.log.With("worker_id", id)

	ic, err := ipc.FileConn(channelFile)
	if err != nil {
		_ = clientFile.Close()
		return err
	}
	ch := newChannel(ic, log)
	defer func() { _ = ch.Close() }()

	nc, err := net.FileConn(clientFile)
	_ = clientFile.Close()
	if err != nil {
		return fmt.Errorf("failed to wrap client socket: %w", err)
	}

	c := &conn{
		w:      w,
		log:    log,
		ch:     ch,
		remote: hostOf(nc.RemoteAddr().String()),
		stop:   make(chan struct{}),
	}
	defer close(c.stop)
	c.tls = tls.Server(nc, withResumption(w.tls, ch))
	defer func() { _ = c.tls.Close() }()

	go c.watch(ctx)

	err = c.serve(ctx)
	if c.terminated.Load() {
		log.Info("session terminated by controller")
		return nil
	}
	reason := "session ended"
	if err != nil {
		reason = err.Error()
	}
	_ = ch.Notify(ipc.Message{Command: ipc.CmdTerminate, Payload: &ipc.Terminate{Reason: reason}})
	return err
}

func hostOf(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// watch ends the session when the controller asks for it, the channel
// breaks or ctx ends. A running tunnel is kicked so the client learns
// why; otherwise the connection is simply closed.
func (c *conn) watch(ctx context.Context) {
	var reason string
	select {
	case reason = <-c.ch.terminate:
	case <-c.ch.Done():
		reason = "controller channel closed"
	case <-ctx.Done():
		reason = "worker stopped"
	case <-c.stop:
		return
	}
	c.terminated.Store(true)
	c.log.Info("ending session", "reason", logsanitize.Sanitize(reason))

	c.mu.Lock()
	relay := c.relay
	c.mu.Unlock()
	if relay != nil {
		if err := relay.Kick(); err != nil {
			c.log.Debug("failed to send server kick", "error", err)
		}
		return
	}
	_ = c.tls.Close()
}

func (c *conn) serve(ctx context.Context) error {
	deadline := time.Now().Add(c.w.cfg.AuthTimeout())
	_ = c.tls.SetDeadline(deadline)

	hctx, cancel := context.WithDeadline(ctx, deadline)
	err := c.tls.HandshakeContext(hctx)
	cancel()
	if err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}

	cs := c.tls.ConnectionState()
	c.cipher = tls.CipherSuiteName(cs.CipherSuite)
	if len(cs.PeerCertificates) > 0 && c.w.certs != nil {
		user, groups, err := c.w.certs.Identify(cs.PeerCertificates[0])
		if err != nil {
			c.log.Warn("client certificate carries no usable identity", "error", err)
		} else {
			c.certUser, c.certGroups = user, groups
		}
	}
	c.log.Debug("tls established",
		"ip", logsanitize.Sanitize(c.remote),
		"cipher", c.cipher,
		"resumed", cs.DidResume,
	)

	c.br = bufio.NewReader(c.tls)
	t, err := c.bootstrap(ctx)
	if err != nil {
		return err
	}
	if t == nil {
		return nil
	}
	_ = c.tls.SetDeadline(time.Time{})
	return c.runTunnel(ctx, t)
}

// runTunnel relays until the session ends
func (c *conn) runTunnel(ctx context.Context, t *tunnelSetup) error {
	defer func() { _ = t.dev.Close() }()

	relay := tunnel.NewRelay(t.dev, tunnel.NewStreamReader(c.br, c.tls, c.w.cfg.Limits.OutputBuffer), tunnel.Options{
		DPD:      c.w.cfg.DPD(),
		Compress: t.compress,
		RxPerSec: t.reply.RxPerSec,
		TxPerSec: t.reply.TxPerSec,
		Logger:   c.log,
	})
	c.mu.Lock()
	c.relay = relay
	c.mu.Unlock()
	if c.terminated.Load() {
		_ = relay.Kick()
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if len(t.reply.DTLSSessionID) > 0 {
		go c.acceptDatagrams(rctx, relay)
	}
	go c.reportLoop(rctx, relay)

	err := relay.Run(rctx)
	c.sendReport(relay)

	switch {
	case errors.Is(err, tunnel.ErrKicked):
		return nil
	case errors.Is(err, tunnel.ErrClientDisconnect):
		c.log.Info("client disconnected")
		c.logout(ctx)
		return nil
	case errors.Is(err, tunnel.ErrDeadPeer):
		c.log.Info("dead peer detected")
	}
	return err
}

func (c *conn) reportLoop(ctx context.Context, relay *tunnel.Relay) {
	t := time.NewTicker(c.w.report)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-relay.Done():
			return
		case <-t.C:
			c.sendReport(relay)
		}
	}
}

func (c *conn) sendReport(relay *tunnel.Relay) {
	in, out := relay.Stats()
	c.mu.Lock()
	cipher := c.dtlsCipher
	c.mu.Unlock()
	err := c.ch.Notify(ipc.Message{
		Command: ipc.CmdSessionInfo,
		Payload: &ipc.SessionInfo{Entries: []ipc.SessionEntry{{
			BytesIn:    in,
			BytesOut:   out,
			DTLSCipher: cipher,
		}}},
	})
	if err != nil {
		c.log.Debug("failed to report session counters", "error", err)
	}
}
