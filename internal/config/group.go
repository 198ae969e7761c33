package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaxRoutes bounds the number of routes a group may push or install
const MaxRoutes = 32

// GroupConfig is a per-group (or per-user) override file.
// Empty fields inherit the server defaults.
type GroupConfig struct {
	Routes      []string `yaml:"routes"`  // forwarded to the client
	IRoutes     []string `yaml:"iroutes"` // installed on the server towards the client
	IPv4DNS     string   `yaml:"ipv4_dns"`
	IPv6DNS     string   `yaml:"ipv6_dns"`
	IPv4NBNS    string   `yaml:"ipv4_nbns"`
	IPv6NBNS    string   `yaml:"ipv6_nbns"`
	IPv4Network string   `yaml:"ipv4_network"`
	IPv4Netmask string   `yaml:"ipv4_netmask"`
	IPv6Network string   `yaml:"ipv6_network"`
	IPv6Netmask string   `yaml:"ipv6_netmask"`
	Cgroup      string   `yaml:"cgroup"`
	RxPerSec    int      `yaml:"rx_per_sec"`
	TxPerSec    int      `yaml:"tx_per_sec"`
	NetPriority int      `yaml:"net_priority"`
}

// Validate checks the route bounds and address syntax of an override
func (g *GroupConfig) Validate() error {
	if err := validateRoutes(g.Routes); err != nil {
		return fmt.Errorf("routes: %w", err)
	}
	if err := validateRoutes(g.IRoutes); err != nil {
		return fmt.Errorf("iroutes: %w", err)
	}
	if g.IPv4Network != "" {
		if _, err := ipv4Prefix(g.IPv4Network, g.IPv4Netmask); err != nil {
			return fmt.Errorf("ipv4_network: %w", err)
		}
	}
	if g.IPv6Network != "" {
		if _, err := ipv6Prefix(g.IPv6Network, g.IPv6Netmask); err != nil {
			return fmt.Errorf("ipv6_network: %w", err)
		}
	}
	if g.RxPerSec < 0 || g.TxPerSec < 0 {
		return fmt.Errorf("rx_per_sec and tx_per_sec must not be negative")
	}
	return nil
}

// LoadGroup reads <dir>/<name>.yaml. A missing directory setting or a
// missing file yields (nil, nil): the session simply inherits defaults.
func LoadGroup(dir, name string) (*GroupConfig, error) {
	if dir == "" || name == "" {
		return nil, nil
	}
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil, fmt.Errorf("invalid override name %q", name)
	}

	data, err := os.ReadFile(filepath.Join(dir, name+".yaml"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read override file: %w", err)
	}

	var g GroupConfig
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to parse override file %s: %w", name, err)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid override file %s: %w", name, err)
	}
	return &g, nil
}

// VpnNetworkState describes the tunnel handed to one authenticated client.
// Addresses are filled in once a lease is obtained.
type VpnNetworkState struct {
	Name        string   `json:"name"`
	IPv4        string   `json:"ipv4,omitempty"`       // client address
	IPv4Local   string   `json:"ipv4_local,omitempty"` // server side of the point-to-point pair
	IPv4Netmask string   `json:"ipv4_netmask,omitempty"`
	IPv6        string   `json:"ipv6,omitempty"`
	IPv6Local   string   `json:"ipv6_local,omitempty"`
	IPv6Netmask string   `json:"ipv6_netmask,omitempty"`
	IPv4DNS     string   `json:"ipv4_dns,omitempty"`
	IPv6DNS     string   `json:"ipv6_dns,omitempty"`
	IPv4NBNS    string   `json:"ipv4_nbns,omitempty"`
	IPv6NBNS    string   `json:"ipv6_nbns,omitempty"`
	MTU         int      `json:"mtu"`
	Routes      []string `json:"routes,omitempty"`
	Domain      string   `json:"domain,omitempty"`
}

// SessionConfig is the resolved, immutable policy of one session
type SessionConfig struct {
	Network     VpnNetworkState
	IPv4Pool    netip.Prefix // zero when IPv4 is disabled
	IPv6Pool    netip.Prefix // zero when IPv6 is disabled
	IRoutes     []string
	Cgroup      string
	RxPerSec    int
	TxPerSec    int
	NetPriority int
}

// Resolve merges the server defaults with the group and then the user
// override. Either override may be nil.
func Resolve(cfg *Config, group, user *GroupConfig) (*SessionConfig, error) {
	n := cfg.Network
	sc := &SessionConfig{
		Network: VpnNetworkState{
			Name:     n.Name,
			IPv4DNS:  n.IPv4DNS,
			IPv6DNS:  n.IPv6DNS,
			IPv4NBNS: n.IPv4NBNS,
			IPv6NBNS: n.IPv6NBNS,
			MTU:      n.MTU,
			Routes:   append([]string(nil), n.Routes...),
			Domain:   n.DefaultDomain,
		},
		RxPerSec:    cfg.Limits.RxPerSec,
		TxPerSec:    cfg.Limits.TxPerSec,
		NetPriority: cfg.Limits.NetPriority,
	}
	v4net, v4mask := n.IPv4Network, n.IPv4Netmask
	v6net, v6mask := n.IPv6Network, n.IPv6Netmask

	for _, o := range []*GroupConfig{group, user} {
		if o == nil {
			continue
		}
		if o.Routes != nil {
			sc.Network.Routes = append([]string(nil), o.Routes...)
		}
		if o.IRoutes != nil {
			sc.IRoutes = append([]string(nil), o.IRoutes...)
		}
		override(&sc.Network.IPv4DNS, o.IPv4DNS)
		override(&sc.Network.IPv6DNS, o.IPv6DNS)
		override(&sc.Network.IPv4NBNS, o.IPv4NBNS)
		override(&sc.Network.IPv6NBNS, o.IPv6NBNS)
		override(&sc.Cgroup, o.Cgroup)
		if o.IPv4Network != "" {
			v4net, v4mask = o.IPv4Network, o.IPv4Netmask
		}
		if o.IPv6Network != "" {
			v6net, v6mask = o.IPv6Network, o.IPv6Netmask
		}
		if o.RxPerSec > 0 {
			sc.RxPerSec = o.RxPerSec
		}
		if o.TxPerSec > 0 {
			sc.TxPerSec = o.TxPerSec
		}
		if o.NetPriority > 0 {
			sc.NetPriority = o.NetPriority
		}
	}

	if len(sc.Network.Routes) > MaxRoutes || len(sc.IRoutes) > MaxRoutes {
		return nil, fmt.Errorf("resolved route count exceeds %d", MaxRoutes)
	}

	if v4net != "" {
		p, err := ipv4Prefix(v4net, v4mask)
		if err != nil {
			return nil, fmt.Errorf("invalid IPv4 network: %w", err)
		}
		sc.IPv4Pool = p.Masked()
	}
	if v6net != "" {
		p, err := ipv6Prefix(v6net, v6mask)
		if err != nil {
			return nil, fmt.Errorf("invalid IPv6 network: %w", err)
		}
		sc.IPv6Pool = p.Masked()
	}
	if !sc.IPv4Pool.IsValid() && !sc.IPv6Pool.IsValid() {
		return nil, fmt.Errorf("no address family configured")
	}

	return sc, nil
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func validateRoutes(routes []string) error {
	if len(routes) > MaxRoutes {
		return fmt.Errorf("%d routes exceed the maximum of %d", len(routes), MaxRoutes)
	}
	for _, r := range routes {
		if r == "default" {
			continue
		}
		if _, err := netip.ParsePrefix(r); err != nil {
			return fmt.Errorf("invalid route %q: %w", r, err)
		}
	}
	return nil
}
