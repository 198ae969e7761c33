// Package daemon wires the controller, its listeners and the operational
// surfaces into the long-running server process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/al-bashkir/tlsvpnd/internal/auth"
	"github.com/al-bashkir/tlsvpnd/internal/backend"
	"github.com/al-bashkir/tlsvpnd/internal/config"
	"github.com/al-bashkir/tlsvpnd/internal/controller"
	"github.com/al-bashkir/tlsvpnd/internal/httpserver"
	"github.com/al-bashkir/tlsvpnd/internal/ipc"
	"github.com/al-bashkir/tlsvpnd/internal/oidc"
	"github.com/al-bashkir/tlsvpnd/internal/pool"
	"github.com/al-bashkir/tlsvpnd/internal/session"
	"github.com/al-bashkir/tlsvpnd/internal/tun"
)

// ErrPAMUnsupported is returned when the configuration enables PAM
var ErrPAMUnsupported = errors.New("pam authentication is not available in this build")

const (
	shutdownTimeout = 30 * time.Second
	discoverTimeout = 30 * time.Second
)

// Options carries what the configuration file does not
type Options struct {
	ConfigPath string // passed on to re-executed workers
	Version    string

	// Backend, Spawner and Tun replace the ones derived from the
	// configuration when set
	Backend auth.Backend
	Spawner controller.Spawner
	Tun     tun.Manager
}

// Daemon represents the server process: controller, listeners, control
// socket and status endpoint.
type Daemon struct {
	cfg      *config.Config
	version  string
	store    *session.Store
	tickets  *session.Store
	ctrl     *controller.Controller
	registry *prometheus.Registry
	control  *ipc.Server
	status   *httpserver.Server
	notify   func(state string)
}

// New creates a daemon with all components initialized
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	types, err := config.ParseAuthTypes(cfg.Auth.Types)
	if err != nil {
		return nil, fmt.Errorf("auth.types: %w", err)
	}

	be := opts.Backend
	if be == nil {
		ctx, cancel := context.WithTimeout(context.Background(), discoverTimeout)
		be, err = newBackend(ctx, cfg, types)
		cancel()
		if err != nil {
			return nil, err
		}
	}
	if be != nil {
		slog.Info("password backend initialized", "backend", be.Name())
	}

	spawner := opts.Spawner
	if spawner == nil {
		spawner = &controller.ExecSpawner{
			Path:  cfg.Worker.Executable,
			Args:  workerArgs(opts.ConfigPath, &cfg.Log),
			User:  cfg.Worker.User,
			Group: cfg.Worker.Group,
		}
	}
	tm := opts.Tun
	if tm == nil {
		tm = tun.Linux{}
	}

	store := session.NewStore(cfg.Auth.MaxStoredSessions, cfg.CookieValidity())
	tickets := session.NewStore(cfg.TLS.MaxTickets, cfg.TicketLifetime())
	slog.Info("session stores initialized",
		"capacity", cfg.Auth.MaxStoredSessions,
		"cookie_validity", cfg.CookieValidity(),
		"ticket_capacity", cfg.TLS.MaxTickets,
		"ticket_lifetime", cfg.TicketLifetime(),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctrl, err := controller.New(controller.Options{
		Config:  cfg,
		Backend: be,
		Store:   store,
		Tickets: tickets,
		Pools:   pool.NewManager(),
		Tun:     tm,
		Spawner: spawner,
		Metrics: controller.NewMetrics(registry, store.Len, tickets.Len),
		Logger:  slog.Default(),
	})
	if err != nil {
		store.Stop()
		tickets.Stop()
		return nil, fmt.Errorf("failed to initialize controller: %w", err)
	}

	d := &Daemon{
		cfg:      cfg,
		version:  opts.Version,
		store:    store,
		tickets:  tickets,
		ctrl:     ctrl,
		registry: registry,
		control:  ipc.NewServer(cfg.Listen.ControlSocket, ctrl.HandleControl),
		notify:   sdNotify,
	}
	if cfg.Listen.StatusHTTP != "" {
		d.status = httpserver.NewServer(httpserver.Options{
			Addr:     cfg.Listen.StatusHTTP,
			Sessions: ctrl,
			Gatherer: registry,
			Version:  opts.Version,
		})
	}
	return d, nil
}

// newBackend picks the password backend the enabled methods call for.
// Certificate-only setups need none.
func newBackend(ctx context.Context, cfg *config.Config, types config.AuthTypes) (auth.Backend, error) {
	switch {
	case !types.RequiresPassword():
		return nil, nil
	case types.PAM:
		return nil, ErrPAMUnsupported
	case types.Plain:
		p, err := backend.NewPlain(cfg.Auth.PlainPasswd)
		if err != nil {
			return nil, fmt.Errorf("failed to load password file: %w", err)
		}
		return p, nil
	}
	b, err := oidc.NewBackend(ctx, &cfg.OIDC)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OIDC provider: %w", err)
	}
	slog.Info("OIDC provider initialized",
		"issuer", cfg.OIDC.Issuer,
		"client_id", cfg.OIDC.ClientID,
	)
	return b, nil
}

// workerArgs are the flags a re-executed worker needs to load the same
// configuration as the controller
func workerArgs(configPath string, log *config.LogConfig) []string {
	var args []string
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	if log.Level != "" {
		args = append(args, "--log-level", log.Level)
	}
	if log.Format != "" {
		args = append(args, "--log-format", log.Format)
	}
	return args
}

func sdNotify(state string) {
	if _, err := sddaemon.SdNotify(false, state); err != nil {
		slog.Debug("service manager notification failed", "error", err)
	}
}

// Run serves until SIGINT or SIGTERM
func (d *Daemon) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("shutdown signal received", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	return d.Serve(ctx)
}

// Serve opens the listeners and blocks until ctx ends or a listener
// fails, then shuts everything down.
func (d *Daemon) Serve(ctx context.Context) error {
	slog.Info("starting tlsvpnd", "version", d.version)

	defer d.shutdown()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ln, err := net.Listen("tcp", d.cfg.Listen.TCP)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.Listen.TCP, err)
	}

	// Start the control socket synchronously to catch startup errors
	if err := d.control.Start(ctx); err != nil {
		_ = ln.Close()
		return fmt.Errorf("failed to start control socket: %w", err)
	}

	errCh := make(chan error, 3)
	go func() {
		errCh <- d.ctrl.Serve(ctx, ln)
	}()

	if d.cfg.Listen.UDP != "" {
		pc, err := controller.ListenUDP(ctx, d.cfg.Listen.UDP)
		if err != nil {
			return err
		}
		slog.Info("datagram listener started", "listen", pc.LocalAddr().String())
		go func() {
			errCh <- d.ctrl.ServeUDP(ctx, pc)
		}()
	}

	if d.status != nil {
		sln, err := net.Listen("tcp", d.cfg.Listen.StatusHTTP)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", d.cfg.Listen.StatusHTTP, err)
		}
		slog.Info("status server started", "listen", sln.Addr().String())
		go func() {
			if err := d.status.Serve(sln); err != nil {
				errCh <- fmt.Errorf("status server: %w", err)
			}
		}()
	}

	d.notify(sddaemon.SdNotifyReady)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		if runErr == nil && ctx.Err() == nil {
			runErr = errors.New("listener closed unexpectedly")
		}
		if runErr != nil {
			slog.Error("listener failed", "error", runErr)
		}
	}

	d.notify(sddaemon.SdNotifyStopping)
	return runErr
}

// shutdown stops the operational surfaces and waits for workers, which
// the controller tells to terminate once the serve context ends
func (d *Daemon) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.control.Stop(); err != nil {
		slog.Error("error stopping control socket", "error", err)
	}

	if d.status != nil {
		if err := d.status.Shutdown(shutdownCtx); err != nil {
			slog.Error("error stopping status server", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		d.ctrl.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		slog.Warn("workers still running at shutdown", "count", len(d.ctrl.Sessions()))
	}

	d.store.Stop()
	d.tickets.Stop()

	slog.Info("daemon shutdown complete")
}
