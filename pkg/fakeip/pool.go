// Package fakeip allocates addresses from a reserved CIDR to DNS names.
// The fake-IP DNS resolver hands these addresses to clients; the
// transparent proxy later maps an intercepted fake destination back to
// its domain so routing rules can match on it.
package fakeip

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	// EntryTTL is how long an allocation stays valid without being
	// looked up. Kept well above common DNS TTLs so in-flight
	// connections never see their mapping vanish.
	EntryTTL      = time.Hour
	sweepInterval = 10 * time.Minute
)

// Pool hands out fake IPv4 addresses from a prefix, round-robin with
// reuse: a domain keeps its address while the entry is alive, and
// addresses wrap around when the prefix is exhausted.
type Pool struct {
	prefix netip.Prefix

	mu   sync.Mutex
	next uint32
	size uint32

	byDomain *cache.Cache // domain -> netip.Addr
	byAddr   *cache.Cache // addr string -> domain
}

// NewPool creates a pool over an IPv4 prefix, e.g. 198.18.0.0/15.
func NewPool(prefix netip.Prefix) (*Pool, error) {
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("fake-ip prefix %s is not IPv4", prefix)
	}
	bits := 32 - prefix.Bits()
	if bits < 2 {
		return nil, fmt.Errorf("fake-ip prefix %s too small", prefix)
	}
	return &Pool{
		prefix: prefix.Masked(),
		// Skip the network address; size excludes broadcast.
		next:     1,
		size:     uint32(1)<<bits - 1,
		byDomain: cache.New(EntryTTL, sweepInterval),
		byAddr:   cache.New(EntryTTL, sweepInterval),
	}, nil
}

// Prefix returns the pool's CIDR.
func (p *Pool) Prefix() netip.Prefix { return p.prefix }

// Contains reports whether an address belongs to the pool, i.e. whether
// an intercepted destination went through the fake-IP resolver.
func (p *Pool) Contains(addr netip.Addr) bool {
	return p.prefix.Contains(addr.Unmap())
}

// Assign returns the fake address for a domain, allocating one on first
// use. Both directions of the mapping are refreshed.
func (p *Pool) Assign(domain string) netip.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok := p.byDomain.Get(domain); ok {
		addr := v.(netip.Addr)
		p.byDomain.Set(domain, addr, cache.DefaultExpiration)
		p.byAddr.Set(addr.String(), domain, cache.DefaultExpiration)
		return addr
	}

	addr := p.addrAt(p.next)
	p.next++
	if p.next >= p.size {
		p.next = 1
	}

	p.byDomain.Set(domain, addr, cache.DefaultExpiration)
	p.byAddr.Set(addr.String(), domain, cache.DefaultExpiration)
	return addr
}

// Domain resolves a fake address back to its domain. The mapping's TTL
// is refreshed on hit.
func (p *Pool) Domain(addr netip.Addr) (string, bool) {
	key := addr.Unmap().String()
	v, ok := p.byAddr.Get(key)
	if !ok {
		return "", false
	}
	domain := v.(string)
	p.byAddr.Set(key, domain, cache.DefaultExpiration)
	p.byDomain.Set(domain, addr.Unmap(), cache.DefaultExpiration)
	return domain, true
}

func (p *Pool) addrAt(offset uint32) netip.Addr {
	base := binary.BigEndian.Uint32(p.prefix.Addr().AsSlice())
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], base+offset)
	return netip.AddrFrom4(out)
}
