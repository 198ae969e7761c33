package pool

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/al-bashkir/tlsvpnd/internal/config"
)

// Lease is the pair of addresses held by one session
type Lease struct {
	IPv4      netip.Addr
	IPv4Local netip.Addr
	IPv4Pool  netip.Prefix
	IPv6      netip.Addr
	IPv6Local netip.Addr
	IPv6Pool  netip.Prefix
}

// Apply writes the leased addresses into the network state sent to the client
func (l Lease) Apply(ns *config.VpnNetworkState) {
	if l.IPv4.IsValid() {
		ns.IPv4 = l.IPv4.String()
		ns.IPv4Local = l.IPv4Local.String()
		ns.IPv4Netmask = prefixMask(l.IPv4Pool)
	}
	if l.IPv6.IsValid() {
		ns.IPv6 = l.IPv6.String()
		ns.IPv6Local = l.IPv6Local.String()
		ns.IPv6Netmask = fmt.Sprint(l.IPv6Pool.Bits())
	}
}

func prefixMask(p netip.Prefix) string {
	var b [4]byte
	for i := 0; i < p.Bits(); i++ {
		b[i/8] |= 0x80 >> (i % 8)
	}
	return netip.AddrFrom4(b).String()
}

// Manager owns one Pool per configured network. Groups with their own
// network get their own pool on first use.
type Manager struct {
	mu    sync.Mutex
	pools map[netip.Prefix]*Pool
}

// NewManager creates an empty manager
func NewManager() *Manager {
	return &Manager{pools: make(map[netip.Prefix]*Pool)}
}

func (m *Manager) pool(prefix netip.Prefix) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[prefix]; ok {
		return p, nil
	}
	p, err := New(prefix)
	if err != nil {
		return nil, err
	}
	m.pools[prefix] = p
	return p, nil
}

// Lease reserves an address in every family sc enables. Either all
// requested families are leased or none is.
func (m *Manager) Lease(sc *config.SessionConfig, owner string) (Lease, error) {
	var l Lease
	if sc.IPv4Pool.IsValid() {
		p, err := m.pool(sc.IPv4Pool)
		if err != nil {
			return Lease{}, err
		}
		if l.IPv4, err = p.Lease(owner); err != nil {
			return Lease{}, err
		}
		l.IPv4Local, l.IPv4Pool = p.Local(), p.Prefix()
	}
	if sc.IPv6Pool.IsValid() {
		p, err := m.pool(sc.IPv6Pool)
		if err == nil {
			l.IPv6, err = p.Lease(owner)
		}
		if err != nil {
			m.Release(l)
			return Lease{}, err
		}
		l.IPv6Local, l.IPv6Pool = p.Local(), p.Prefix()
	}
	return l, nil
}

// Release returns a lease's addresses
func (m *Manager) Release(l Lease) {
	m.mu.Lock()
	v4, v6 := m.pools[l.IPv4Pool], m.pools[l.IPv6Pool]
	m.mu.Unlock()
	if v4 != nil && l.IPv4.IsValid() {
		v4.Release(l.IPv4)
	}
	if v6 != nil && l.IPv6.IsValid() {
		v6.Release(l.IPv6)
	}
}
