// Package pool leases client tunnel addresses out of the configured IPv4
// and IPv6 networks.
package pool

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"sync"
)

// ErrNoAddress is returned when a network has no free address left
var ErrNoAddress = errors.New("no address available")

// Pool hands out host addresses of one prefix. The first host address is
// the server's local end of every point-to-point link; clients get the
// following ones.
type Pool struct {
	prefix    netip.Prefix
	local     netip.Addr
	first     netip.Addr
	broadcast netip.Addr // IPv4 only
	capacity  int

	mu     sync.Mutex
	next   netip.Addr
	leased map[netip.Addr]string
}

// New creates a pool for prefix
func New(prefix netip.Prefix) (*Pool, error) {
	if !prefix.IsValid() {
		return nil, fmt.Errorf("invalid prefix")
	}
	prefix = prefix.Masked()
	hostBits := prefix.Addr().BitLen() - prefix.Bits()
	if hostBits < 2 {
		return nil, fmt.Errorf("prefix %s too small for a pool", prefix)
	}

	p := &Pool{
		prefix: prefix,
		local:  prefix.Addr().Next(),
		leased: make(map[netip.Addr]string),
	}
	p.first = p.local.Next()
	p.next = p.first

	reserved := 2 // network (or subnet-router anycast) and local
	if prefix.Addr().Is4() {
		p.broadcast = lastAddr(prefix)
		reserved++
	}
	if hostBits >= 31 {
		p.capacity = math.MaxInt32
	} else {
		p.capacity = (1 << hostBits) - reserved
	}
	return p, nil
}

func lastAddr(prefix netip.Prefix) netip.Addr {
	b := prefix.Addr().As4()
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	v |= math.MaxUint32 >> prefix.Bits()
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// Prefix returns the pool's network
func (p *Pool) Prefix() netip.Prefix {
	return p.prefix
}

// Local returns the server-side address of client links
func (p *Pool) Local() netip.Addr {
	return p.local
}

// Lease reserves a free address for owner
func (p *Pool) Lease(owner string) (netip.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.leased) >= p.capacity {
		return netip.Addr{}, ErrNoAddress
	}
	for {
		addr := p.next
		p.next = p.next.Next()
		if !p.prefix.Contains(p.next) || p.next == p.broadcast {
			p.next = p.first
		}
		if _, taken := p.leased[addr]; !taken {
			p.leased[addr] = owner
			return addr, nil
		}
	}
}

// Release returns addr to the pool. Releasing a free address is a no-op.
func (p *Pool) Release(addr netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.leased, addr)
}

// Len returns the number of leased addresses
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leased)
}
