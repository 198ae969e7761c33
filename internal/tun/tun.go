// Package tun creates and configures the per-session virtual network
// devices. Devices are created by the controller; the worker receives the
// packet descriptor over its channel.
package tun

import (
	"fmt"
	"net"
	"net/netip"
	"os"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"

	"github.com/al-bashkir/tlsvpnd/internal/config"
)

// Device is one configured tun interface
type Device interface {
	Name() string
	// File returns the packet descriptor. It stays owned by the Device.
	File() (*os.File, error)
	SetMTU(mtu int) error
	Close() error
}

// Manager creates devices for authenticated sessions
type Manager interface {
	Create(ns *config.VpnNetworkState, iroutes []string) (Device, error)
}

// Linux creates kernel tun devices named <prefix>N
type Linux struct{}

// Create opens a tun device and configures the point-to-point addresses,
// MTU and per-user routes of ns.
func (Linux) Create(ns *config.VpnNetworkState, iroutes []string) (Device, error) {
	ifce, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: ns.Name + "%d",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tun device: %w", err)
	}

	d := &device{ifce: ifce}
	if err := d.configure(ns, iroutes); err != nil {
		_ = ifce.Close()
		return nil, fmt.Errorf("failed to configure %s: %w", ifce.Name(), err)
	}
	ns.Name = ifce.Name()
	return d, nil
}

type device struct {
	ifce *water.Interface
}

func (d *device) Name() string {
	return d.ifce.Name()
}

func (d *device) File() (*os.File, error) {
	f, ok := d.ifce.ReadWriteCloser.(*os.File)
	if !ok {
		return nil, fmt.Errorf("tun device %s has no file descriptor", d.Name())
	}
	return f, nil
}

func (d *device) SetMTU(mtu int) error {
	link, err := netlink.LinkByName(d.Name())
	if err != nil {
		return fmt.Errorf("link not found: %w", err)
	}
	return netlink.LinkSetMTU(link, mtu)
}

func (d *device) Close() error {
	return d.ifce.Close()
}

func (d *device) configure(ns *config.VpnNetworkState, iroutes []string) error {
	link, err := netlink.LinkByName(d.Name())
	if err != nil {
		return fmt.Errorf("link not found: %w", err)
	}
	if ns.MTU > 0 {
		if err := netlink.LinkSetMTU(link, ns.MTU); err != nil {
			return fmt.Errorf("set mtu: %w", err)
		}
	}

	addrs, err := PointToPoint(ns)
	if err != nil {
		return err
	}
	for _, a := range addrs {
		if err := netlink.AddrAdd(link, a); err != nil {
			return fmt.Errorf("addr add %s: %w", a.IPNet, err)
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("link up: %w", err)
	}

	for _, r := range iroutes {
		dst, err := netip.ParsePrefix(r)
		if err != nil {
			return fmt.Errorf("iroute %q: %w", r, err)
		}
		rt := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: ipNet(dst)}
		if err := netlink.RouteReplace(rt); err != nil {
			return fmt.Errorf("route add %s: %w", dst, err)
		}
	}
	return nil
}

// PointToPoint returns the local/peer address pairs for the leased
// addresses of ns.
func PointToPoint(ns *config.VpnNetworkState) ([]*netlink.Addr, error) {
	var out []*netlink.Addr
	pairs := [][2]string{{ns.IPv4Local, ns.IPv4}, {ns.IPv6Local, ns.IPv6}}
	for _, p := range pairs {
		if p[0] == "" || p[1] == "" {
			continue
		}
		local, err := netip.ParseAddr(p[0])
		if err != nil {
			return nil, fmt.Errorf("local address: %w", err)
		}
		peer, err := netip.ParseAddr(p[1])
		if err != nil {
			return nil, fmt.Errorf("peer address: %w", err)
		}
		out = append(out, &netlink.Addr{
			IPNet: ipNet(netip.PrefixFrom(local, local.BitLen())),
			Peer:  ipNet(netip.PrefixFrom(peer, peer.BitLen())),
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no leased address")
	}
	return out, nil
}

func ipNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}
