// Package config loads the process-wide server configuration and the
// per-group and per-user overrides resolved for each session.
package config

import (
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete server configuration.
// It is loaded once at startup and treated as read-only afterwards.
type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	TLS     TLSConfig     `yaml:"tls"`
	Auth    AuthConfig    `yaml:"auth"`
	OIDC    OIDCConfig    `yaml:"oidc"`
	Limits  LimitsConfig  `yaml:"limits"`
	Network NetworkConfig `yaml:"network"`
	Tunnel  TunnelConfig  `yaml:"tunnel"`
	Groups  GroupsConfig  `yaml:"groups"`
	Worker  WorkerConfig  `yaml:"worker"`
	Log     LogConfig     `yaml:"log"`
}

// ListenConfig defines where the server accepts clients and tooling requests
type ListenConfig struct {
	TCP           string `yaml:"tcp"`            // TLS listener (e.g., ":443")
	UDP           string `yaml:"udp"`            // DTLS listener, empty disables the datagram channel
	ControlSocket string `yaml:"control_socket"` // Unix socket for operational tooling
	StatusHTTP    string `yaml:"status_http"`    // status and metrics endpoint, empty disables it
}

// TLSConfig references the TLS material used by workers
type TLSConfig struct {
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	CAFile       string `yaml:"ca_file"`        // client certificate CA (certificate auth)
	CertUserOID  string `yaml:"cert_user_oid"`  // OID of the subject attribute holding the username
	CertGroupOID string `yaml:"cert_group_oid"` // OID of the subject attribute holding the group

	// Session tickets are kept apart from login cookies, so a flood of
	// unauthenticated handshakes cannot crowd cookies out.
	TicketLifetime int `yaml:"ticket_lifetime"` // seconds
	MaxTickets     int `yaml:"max_tickets"`     // ticket store capacity
}

// AuthConfig defines authentication policy
type AuthConfig struct {
	Types              []string `yaml:"types"`                // password, pam, certificate, plain
	PlainPasswd        string   `yaml:"plain_passwd"`         // password file for plain auth
	CookieValidity     int      `yaml:"cookie_validity"`      // seconds
	MinReauthTime      int      `yaml:"min_reauth_time"`      // seconds after a failure before retrying
	AuthTimeout        int      `yaml:"auth_timeout"`         // seconds
	MaxChallengeRounds int      `yaml:"max_challenge_rounds"` // retry budget for multi-round exchanges
	MaxStoredSessions  int      `yaml:"max_stored_sessions"`  // session store capacity
}

// OIDCConfig configures the password backend that verifies credentials
// against an OpenID Connect provider.
type OIDCConfig struct {
	Issuer        string   `yaml:"issuer"`
	ClientID      string   `yaml:"client_id"`
	ClientSecret  string   `yaml:"client_secret"`
	Scopes        []string `yaml:"scopes"`
	RequiredRoles []string `yaml:"required_roles"`
	RoleClaim     string   `yaml:"role_claim"`     // JSON path to roles in token
	UsernameClaim string   `yaml:"username_claim"` // claim that must match the login name
	GroupClaim    string   `yaml:"group_claim"`    // claim used as the session group, optional
}

// LimitsConfig defines admission and per-connection quotas
type LimitsConfig struct {
	MaxClients     int `yaml:"max_clients"`      // 0 means unlimited
	MaxSameClients int `yaml:"max_same_clients"` // 0 means unlimited
	RateLimitMS    int `yaml:"rate_limit_ms"`    // minimum spacing between accepted connections
	RxPerSec       int `yaml:"rx_per_sec"`       // bytes/s from client, 0 means unlimited
	TxPerSec       int `yaml:"tx_per_sec"`       // bytes/s to client, 0 means unlimited
	NetPriority    int `yaml:"net_priority"`
	OutputBuffer   int `yaml:"output_buffer"` // bytes of buffered tunnel output
}

// NetworkConfig holds the default VPN network handed to clients
type NetworkConfig struct {
	Name          string   `yaml:"name"` // tun device name prefix
	IPv4Network   string   `yaml:"ipv4_network"`
	IPv4Netmask   string   `yaml:"ipv4_netmask"`
	IPv6Network   string   `yaml:"ipv6_network"`
	IPv6Netmask   string   `yaml:"ipv6_netmask"`
	IPv4DNS       string   `yaml:"ipv4_dns"`
	IPv6DNS       string   `yaml:"ipv6_dns"`
	IPv4NBNS      string   `yaml:"ipv4_nbns"`
	IPv6NBNS      string   `yaml:"ipv6_nbns"`
	Routes        []string `yaml:"routes"`
	MTU           int      `yaml:"mtu"` // default MTU
	DefaultDomain string   `yaml:"default_domain"`
}

// TunnelConfig tunes the established data channel
type TunnelConfig struct {
	Keepalive   int    `yaml:"keepalive"`   // seconds
	DPD         int    `yaml:"dpd"`         // seconds
	Compression string `yaml:"compression"` // none, snappy
}

// GroupsConfig locates per-group and per-user override files
type GroupsConfig struct {
	PerGroupDir  string `yaml:"per_group_dir"`
	PerUserDir   string `yaml:"per_user_dir"`
	DefaultGroup string `yaml:"default_group"`
}

// WorkerConfig controls worker process lifecycle
type WorkerConfig struct {
	Executable     string `yaml:"executable"`      // defaults to the running binary
	TerminateGrace int    `yaml:"terminate_grace"` // seconds between CMD_TERMINATE and a hard kill
	User           string `yaml:"user"`            // unprivileged account workers run as
	Group          string `yaml:"group"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			TCP:           ":443",
			UDP:           ":443",
			ControlSocket: "/run/tlsvpnd/control.sock",
		},
		TLS: TLSConfig{
			TicketLifetime: 7200,
			MaxTickets:     16384,
		},
		Auth: AuthConfig{
			Types:              []string{"plain"},
			CookieValidity:     86400, // 24 hours
			MinReauthTime:      2,
			AuthTimeout:        40,
			MaxChallengeRounds: 3,
			MaxStoredSessions:  16384,
		},
		OIDC: OIDCConfig{
			Scopes:        []string{"openid", "profile"},
			RoleClaim:     "realm_access.roles",
			UsernameClaim: "preferred_username",
		},
		Limits: LimitsConfig{
			MaxClients:     128,
			MaxSameClients: 2,
			RateLimitMS:    100,
			OutputBuffer:   64 * 1024,
		},
		Network: NetworkConfig{
			Name:        "vpns",
			IPv4Network: "192.168.99.0",
			IPv4Netmask: "255.255.255.0",
			MTU:         1400,
		},
		Tunnel: TunnelConfig{
			Keepalive:   32400,
			DPD:         90,
			Compression: "none",
		},
		Worker: WorkerConfig{
			TerminateGrace: 5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TLSVPND_OIDC_CLIENT_SECRET"); v != "" {
		c.OIDC.ClientSecret = v
	}

	if v := os.Getenv("TLSVPND_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("TLSVPND_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}

	if v := os.Getenv("TLSVPND_LISTEN_TCP"); v != "" {
		c.Listen.TCP = v
	}
	if v := os.Getenv("TLSVPND_LISTEN_UDP"); v != "" {
		c.Listen.UDP = v
	}
	if v := os.Getenv("TLSVPND_CONTROL_SOCKET"); v != "" {
		c.Listen.ControlSocket = v
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Listen.TCP == "" {
		return fmt.Errorf("listen.tcp is required")
	}
	if c.Listen.ControlSocket == "" {
		return fmt.Errorf("listen.control_socket is required")
	}

	if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
		return fmt.Errorf("tls.cert_file and tls.key_file are required")
	}
	if _, err := os.Stat(c.TLS.CertFile); err != nil {
		return fmt.Errorf("tls.cert_file not found: %w", err)
	}
	if _, err := os.Stat(c.TLS.KeyFile); err != nil {
		return fmt.Errorf("tls.key_file not found: %w", err)
	}

	types, err := ParseAuthTypes(c.Auth.Types)
	if err != nil {
		return fmt.Errorf("auth.types: %w", err)
	}
	if types.Plain && c.Auth.PlainPasswd == "" {
		return fmt.Errorf("auth.plain_passwd is required for plain authentication")
	}
	if types.Certificate {
		if c.TLS.CAFile == "" {
			return fmt.Errorf("tls.ca_file is required for certificate authentication")
		}
		if c.TLS.CertUserOID == "" {
			return fmt.Errorf("tls.cert_user_oid is required for certificate authentication")
		}
	}
	if types.Password && !types.PAM && !types.Plain {
		if err := c.OIDC.validate(); err != nil {
			return err
		}
	}

	if c.TLS.TicketLifetime <= 0 || c.TLS.MaxTickets <= 0 {
		return fmt.Errorf("tls.ticket_lifetime and tls.max_tickets must be positive")
	}

	if c.Auth.CookieValidity <= 0 {
		return fmt.Errorf("auth.cookie_validity must be positive")
	}
	if c.Auth.MinReauthTime < 0 {
		return fmt.Errorf("auth.min_reauth_time must not be negative")
	}
	if c.Auth.AuthTimeout <= 0 {
		return fmt.Errorf("auth.auth_timeout must be positive")
	}
	if c.Auth.AuthTimeout > 3600 {
		return fmt.Errorf("auth.auth_timeout should not exceed 3600 seconds (1 hour)")
	}
	if c.Auth.MaxChallengeRounds < 0 {
		return fmt.Errorf("auth.max_challenge_rounds must not be negative")
	}
	if c.Auth.MaxStoredSessions <= 0 {
		return fmt.Errorf("auth.max_stored_sessions must be positive")
	}

	if c.Limits.MaxClients < 0 || c.Limits.MaxSameClients < 0 {
		return fmt.Errorf("limits.max_clients and limits.max_same_clients must not be negative")
	}
	if c.Limits.RateLimitMS < 0 {
		return fmt.Errorf("limits.rate_limit_ms must not be negative")
	}
	if c.Limits.RxPerSec < 0 || c.Limits.TxPerSec < 0 {
		return fmt.Errorf("limits.rx_per_sec and limits.tx_per_sec must not be negative")
	}

	if err := c.Network.validate(); err != nil {
		return err
	}

	switch c.Tunnel.Compression {
	case "", "none", "snappy":
	default:
		return fmt.Errorf("tunnel.compression must be one of: none, snappy")
	}
	if c.Tunnel.DPD < 0 || c.Tunnel.Keepalive < 0 {
		return fmt.Errorf("tunnel.dpd and tunnel.keepalive must not be negative")
	}

	if c.Worker.TerminateGrace <= 0 {
		return fmt.Errorf("worker.terminate_grace must be positive")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: json, text")
	}

	return nil
}

func (o *OIDCConfig) validate() error {
	if o.Issuer == "" {
		return fmt.Errorf("oidc.issuer is required for password authentication")
	}
	if !strings.HasPrefix(o.Issuer, "http://") && !strings.HasPrefix(o.Issuer, "https://") {
		return fmt.Errorf("oidc.issuer must be a valid HTTP(S) URL")
	}
	if o.ClientID == "" {
		return fmt.Errorf("oidc.client_id is required")
	}
	hasOpenID := false
	for _, scope := range o.Scopes {
		if scope == "openid" {
			hasOpenID = true
			break
		}
	}
	if !hasOpenID {
		return fmt.Errorf("oidc.scopes must include 'openid'")
	}
	if o.UsernameClaim == "" {
		return fmt.Errorf("oidc.username_claim is required")
	}
	return nil
}

func (n *NetworkConfig) validate() error {
	if n.Name == "" {
		return fmt.Errorf("network.name is required")
	}
	if n.IPv4Network == "" && n.IPv6Network == "" {
		return fmt.Errorf("network.ipv4_network or network.ipv6_network is required")
	}
	if n.IPv4Network != "" {
		if _, err := ipv4Prefix(n.IPv4Network, n.IPv4Netmask); err != nil {
			return fmt.Errorf("network.ipv4_network: %w", err)
		}
	}
	if n.IPv6Network != "" {
		if _, err := ipv6Prefix(n.IPv6Network, n.IPv6Netmask); err != nil {
			return fmt.Errorf("network.ipv6_network: %w", err)
		}
	}
	if n.MTU < 576 || n.MTU > 65535 {
		return fmt.Errorf("network.mtu must be between 576 and 65535")
	}
	if err := validateRoutes(n.Routes); err != nil {
		return fmt.Errorf("network.routes: %w", err)
	}
	return nil
}

// CookieValidity returns how long an issued cookie stays resumable
func (c *Config) CookieValidity() time.Duration {
	return time.Duration(c.Auth.CookieValidity) * time.Second
}

// TicketLifetime returns how long TLS resumption state is kept
func (c *Config) TicketLifetime() time.Duration {
	return time.Duration(c.TLS.TicketLifetime) * time.Second
}

// MinReauthTime returns the lockout window after a failed authentication
func (c *Config) MinReauthTime() time.Duration {
	return time.Duration(c.Auth.MinReauthTime) * time.Second
}

// AuthTimeout returns the bound on a whole authentication exchange
func (c *Config) AuthTimeout() time.Duration {
	return time.Duration(c.Auth.AuthTimeout) * time.Second
}

// RateLimit returns the minimum spacing between accepted connections
func (c *Config) RateLimit() time.Duration {
	return time.Duration(c.Limits.RateLimitMS) * time.Millisecond
}

// TerminateGrace returns how long a worker may take to exit after CMD_TERMINATE
func (c *Config) TerminateGrace() time.Duration {
	return time.Duration(c.Worker.TerminateGrace) * time.Second
}

// DPD returns the dead peer detection interval, zero when disabled
func (c *Config) DPD() time.Duration {
	return time.Duration(c.Tunnel.DPD) * time.Second
}

// Keepalive returns the interval advertised for client keepalives
func (c *Config) Keepalive() time.Duration {
	return time.Duration(c.Tunnel.Keepalive) * time.Second
}

// SetupLogging configures the global slog logger based on the LogConfig.
func SetupLogging(cfg *LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// Redact returns a deep-enough copy of the config with secrets redacted for safe logging
func (c *Config) Redact() *Config {
	redacted := *c
	if c.OIDC.Scopes != nil {
		redacted.OIDC.Scopes = append([]string(nil), c.OIDC.Scopes...)
	}
	if c.OIDC.RequiredRoles != nil {
		redacted.OIDC.RequiredRoles = append([]string(nil), c.OIDC.RequiredRoles...)
	}
	if c.Network.Routes != nil {
		redacted.Network.Routes = append([]string(nil), c.Network.Routes...)
	}
	if redacted.OIDC.ClientSecret != "" {
		redacted.OIDC.ClientSecret = "[REDACTED]"
	}
	return &redacted
}

// ipv4Prefix combines a network address and a dotted netmask into a prefix.
// A netmask may also be given as a prefix length ("24").
func ipv4Prefix(network, netmask string) (netip.Prefix, error) {
	addr, err := netip.ParseAddr(network)
	if err != nil {
		return netip.Prefix{}, err
	}
	if !addr.Is4() {
		return netip.Prefix{}, fmt.Errorf("%s is not an IPv4 address", network)
	}
	bits, err := maskBits(netmask, 32)
	if err != nil {
		return netip.Prefix{}, err
	}
	return addr.Prefix(bits)
}

func ipv6Prefix(network, netmask string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(network); err == nil && netmask == "" {
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(network)
	if err != nil {
		return netip.Prefix{}, err
	}
	if !addr.Is6() {
		return netip.Prefix{}, fmt.Errorf("%s is not an IPv6 address", network)
	}
	bits, err := maskBits(netmask, 128)
	if err != nil {
		return netip.Prefix{}, err
	}
	return addr.Prefix(bits)
}

func maskBits(netmask string, max int) (int, error) {
	if netmask == "" {
		return 0, fmt.Errorf("netmask is required")
	}
	if bits, err := strconv.Atoi(netmask); err == nil {
		if bits < 0 || bits > max {
			return 0, fmt.Errorf("invalid prefix length %s", netmask)
		}
		return bits, nil
	}
	mask, err := netip.ParseAddr(netmask)
	if err != nil {
		return 0, fmt.Errorf("invalid netmask %q", netmask)
	}
	raw := mask.AsSlice()
	bits := 0
	seenZero := false
	for _, b := range raw {
		for i := 7; i >= 0; i-- {
			if b&(1<<i) != 0 {
				if seenZero {
					return 0, fmt.Errorf("non-contiguous netmask %q", netmask)
				}
				bits++
			} else {
				seenZero = true
			}
		}
	}
	if len(raw)*8 != max {
		return 0, fmt.Errorf("netmask %q does not match address family", netmask)
	}
	return bits, nil
}
