package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/al-bashkir/tlsvpnd/internal/backend"
	"github.com/al-bashkir/tlsvpnd/internal/config"
	"github.com/al-bashkir/tlsvpnd/internal/controller"
	"github.com/al-bashkir/tlsvpnd/internal/daemon"
	"github.com/al-bashkir/tlsvpnd/internal/ipc"
	"github.com/al-bashkir/tlsvpnd/internal/worker"
)

// Version information (set via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Global flags
var (
	configFile string
	logLevel   string
	logFormat  string
)

// Control socket command flags
var (
	socketPath string
	jsonOutput bool
	reason     string
)

// Exit codes
const (
	ExitSuccess = 0
	ExitError   = 1
	ExitConfig  = 3
)

// out and in are swapped by tests
var (
	out io.Writer = os.Stdout
	in  io.Reader = os.Stdin
)

var rootCmd = &cobra.Command{
	Use:   "tlsvpnd",
	Short: "TLS/DTLS VPN server",
	Long: `VPN server for AnyConnect-compatible clients.

A privileged controller accepts TLS connections and hands each one to an
unprivileged worker process. Workers authenticate the client through the
controller, then relay packets between the client and a tun device over
TLS and, when the client supports it, DTLS.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the VPN server",
	Long: `Start the controller.

The controller:
  - Accepts TLS clients and spawns one worker per connection
  - Authenticates users against the configured backends
  - Creates and configures tun devices and hands them to workers
  - Matches DTLS clients to their sessions
  - Serves the control socket and the optional status endpoint

This mode is typically run as a systemd service (Type=notify).`,
	RunE: runServe,
}

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Serve one client connection (started by the controller)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List active sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect <worker-id>",
	Short: "Terminate a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runDisconnect,
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Hash a password read from stdin for the plain password file",
	Args:  cobra.NoArgs,
	RunE:  runHashPassword,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `Display version, commit hash, and build date.`,
	Run:   runVersion,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration file",
	Long: `Load and validate the configuration file without starting the server.

Checks for:
  - Valid YAML syntax
  - Required fields present
  - Readable certificate and key files
  - Valid networks, routes and authentication methods

Exit codes:
  0 = Configuration is valid
  3 = Configuration error`,
	RunE: runCheckConfig,
}

// overrideExitCode is set by subcommands so main() can call os.Exit()
// after cobra finishes. -1 means "use default".
var overrideExitCode = -1

func init() {
	// Global flags (available to all commands)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "/etc/tlsvpnd/tlsvpnd.yaml",
		"Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error) - overrides config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format (json, text) - overrides config file")

	for _, c := range []*cobra.Command{sessionsCmd, disconnectCmd} {
		c.Flags().StringVar(&socketPath, "socket", "",
			"Control socket path - overrides config file")
	}
	sessionsCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print sessions as JSON")
	disconnectCmd.Flags().StringVar(&reason, "reason", "", "Reason reported to the client")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(disconnectCmd)
	rootCmd.AddCommand(hashPasswordCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitError)
	}

	if overrideExitCode >= 0 {
		os.Exit(overrideExitCode)
	}
}

// loadConfig loads the configuration file and applies the log flags
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return cfg, nil
}

// runServe starts the controller
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	config.SetupLogging(&cfg.Log)

	slog.Info("starting tlsvpnd",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
		"config", configFile,
	)

	d, err := daemon.New(cfg, daemon.Options{
		ConfigPath: configFile,
		Version:    version,
	})
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	return d.Run()
}

// runWorker serves the connection inherited from the controller
func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	config.SetupLogging(&cfg.Log)

	id := os.Getenv(controller.EnvWorkerID)
	if id == "" {
		return errors.New("worker started without an id; it is run by the controller only")
	}
	channel := os.NewFile(controller.ChannelFD, "channel")
	client := os.NewFile(controller.ClientFD, "client")
	if channel == nil || client == nil {
		return errors.New("worker descriptors missing")
	}

	tc, err := worker.NewTLSConfig(cfg)
	if err != nil {
		return err
	}
	types, err := config.ParseAuthTypes(cfg.Auth.Types)
	if err != nil {
		return err
	}
	var certs *backend.CertIdentity
	if types.Certificate {
		certs, err = backend.NewCertIdentity(cfg.TLS.CertUserOID, cfg.TLS.CertGroupOID)
		if err != nil {
			return err
		}
	}

	w, err := worker.New(worker.Options{
		Config:       cfg,
		TLS:          tc,
		CertIdentity: certs,
		Logger:       slog.Default(),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return w.Run(ctx, id, channel, client)
}

// controlClient resolves the control socket from the flag, the
// configuration or the default, in that order
func controlClient() *ipc.Client {
	path := socketPath
	if path == "" {
		path = config.DefaultConfig().Listen.ControlSocket
		if cfg, err := config.Load(configFile); err == nil {
			path = cfg.Listen.ControlSocket
		}
	}
	return ipc.NewClient(path)
}

// runSessions lists the sessions the controller knows about
func runSessions(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sessions, err := controlClient().Sessions(ctx)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if sessions == nil {
			sessions = []ipc.SessionEntry{}
		}
		return enc.Encode(sessions)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "WORKER\tUSER\tGROUP\tSTATE\tREMOTE\tIPV4\tSINCE\tIN\tOUT")
	for _, s := range sessions {
		since := "-"
		if s.ConnectedAt > 0 {
			since = time.Unix(s.ConnectedAt, 0).Format(time.DateTime)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			s.WorkerID, dash(s.Username), dash(s.Group), s.State,
			dash(s.RemoteIP), dash(s.IPv4), since, s.BytesIn, s.BytesOut)
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// runDisconnect asks the controller to terminate one session
func runDisconnect(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := controlClient().Do(ctx, ipc.Message{
		Command: ipc.CmdTerminate,
		Payload: &ipc.Terminate{WorkerID: args[0], Reason: reason},
	})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "Session %s terminated\n", args[0])
	return nil
}

// runHashPassword prints a password file hash for the first line of stdin
func runHashPassword(cmd *cobra.Command, args []string) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return errors.New("empty password")
	}
	hash, err := backend.HashPassword(password)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, hash)
	return nil
}

// runVersion displays version information
func runVersion(cmd *cobra.Command, args []string) {
	_, _ = fmt.Fprintf(out, "tlsvpnd version %s\n", version)
	_, _ = fmt.Fprintf(out, "  Commit:     %s\n", commit)
	_, _ = fmt.Fprintf(out, "  Build date: %s\n", buildDate)
	_, _ = fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
}

// runCheckConfig validates the configuration
func runCheckConfig(cmd *cobra.Command, args []string) error {
	_, _ = fmt.Fprintf(out, "Checking configuration: %s\n\n", configFile)

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration validation failed:\n")
		fmt.Fprintf(os.Stderr, "   %v\n", err)
		overrideExitCode = ExitConfig
		return nil
	}
	cfg = cfg.Redact()
	types, _ := config.ParseAuthTypes(cfg.Auth.Types)

	_, _ = fmt.Fprintln(out, "Configuration is valid")
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintln(out, "Configuration summary:")
	_, _ = fmt.Fprintf(out, "  TLS Listen:      %s\n", cfg.Listen.TCP)
	_, _ = fmt.Fprintf(out, "  DTLS Listen:     %s\n", dash(cfg.Listen.UDP))
	_, _ = fmt.Fprintf(out, "  Control Socket:  %s\n", cfg.Listen.ControlSocket)
	_, _ = fmt.Fprintf(out, "  Status HTTP:     %s\n", dash(cfg.Listen.StatusHTTP))
	_, _ = fmt.Fprintf(out, "  Auth Methods:    %s\n", types)
	_, _ = fmt.Fprintf(out, "  Cookie Validity: %s\n", cfg.CookieValidity())
	_, _ = fmt.Fprintf(out, "  Auth Timeout:    %s\n", cfg.AuthTimeout())
	_, _ = fmt.Fprintf(out, "  IPv4 Network:    %s/%s\n", dash(cfg.Network.IPv4Network), dash(cfg.Network.IPv4Netmask))
	_, _ = fmt.Fprintf(out, "  IPv6 Network:    %s/%s\n", dash(cfg.Network.IPv6Network), dash(cfg.Network.IPv6Netmask))
	_, _ = fmt.Fprintf(out, "  MTU:             %d\n", cfg.Network.MTU)
	_, _ = fmt.Fprintf(out, "  Max Clients:     %d\n", cfg.Limits.MaxClients)
	_, _ = fmt.Fprintf(out, "  Compression:     %s\n", cfg.Tunnel.Compression)
	_, _ = fmt.Fprintf(out, "  Log Level:       %s\n", cfg.Log.Level)
	_, _ = fmt.Fprintf(out, "  Log Format:      %s\n", cfg.Log.Format)
	if types.RequiresPassword() && !types.Plain && !types.PAM {
		_, _ = fmt.Fprintf(out, "  OIDC Issuer:     %s\n", cfg.OIDC.Issuer)
		_, _ = fmt.Fprintf(out, "  Client ID:       %s\n", cfg.OIDC.ClientID)
	}

	_, _ = fmt.Fprintln(out, "\nReady to start server")
	return nil
}
