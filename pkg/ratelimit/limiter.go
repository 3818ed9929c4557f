// Package ratelimit provides per-client token bucket rate limiting for
// the transparent proxy accept loop.
//
// The Limiter maintains one token bucket per client IP and a fixed-size
// LRU-style cache to bound memory use. It is safe for concurrent use.
package ratelimit

import (
	"container/list"
	"sync"
	"time"
)

const (
	// DefaultRate is the default allowed new connections per second per
	// client IP.
	DefaultRate = 100
	// DefaultBurst is the default burst size (token bucket depth) per
	// client IP.
	DefaultBurst = 200
	// DefaultMaxClients is the maximum number of client IPs tracked
	// simultaneously. When the cache is full the least-recently-used
	// entry is evicted.
	DefaultMaxClients = 4096
)

// bucket is a token bucket for a single client IP.
type bucket struct {
	tokens   float64
	lastFill time.Time
}

// entry is a cached bucket with its IP key.
type entry struct {
	ip  string
	bkt *bucket
}

// Limiter rate-limits new connections on a per-client-IP basis using
// token buckets. An LRU eviction policy keeps memory bounded.
type Limiter struct {
	mu      sync.Mutex
	rate    float64 // tokens per second
	burst   float64 // maximum token depth
	maxIPs  int
	buckets map[string]*list.Element
	lru     *list.List
}

// New creates a Limiter with the given rate, burst, and maximum number
// of tracked client IPs.
func New(rate, burst float64, maxIPs int) *Limiter {
	if rate <= 0 {
		rate = DefaultRate
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	if maxIPs <= 0 {
		maxIPs = DefaultMaxClients
	}
	return &Limiter{
		rate:    rate,
		burst:   burst,
		maxIPs:  maxIPs,
		buckets: make(map[string]*list.Element, maxIPs),
		lru:     list.New(),
	}
}

// NewDefault creates a Limiter with DefaultRate, DefaultBurst, and
// DefaultMaxClients.
func NewDefault() *Limiter {
	return New(DefaultRate, DefaultBurst, DefaultMaxClients)
}

// Allow returns true if a new connection from the given IP should be
// accepted. It consumes one token from the client's bucket. Returns
// false if the bucket is empty (rate limit exceeded).
func (l *Limiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()

	elem, exists := l.buckets[ip]
	if exists {
		bkt := elem.Value.(*entry).bkt
		// Refill tokens based on elapsed time
		elapsed := now.Sub(bkt.lastFill).Seconds()
		bkt.tokens += elapsed * l.rate
		if bkt.tokens > l.burst {
			bkt.tokens = l.burst
		}
		bkt.lastFill = now
		l.lru.MoveToFront(elem)

		if bkt.tokens < 1 {
			return false
		}
		bkt.tokens--
		return true
	}

	// New IP: evict LRU entry if at capacity
	if l.lru.Len() >= l.maxIPs {
		oldest := l.lru.Back()
		if oldest != nil {
			l.lru.Remove(oldest)
			delete(l.buckets, oldest.Value.(*entry).ip)
		}
	}

	// Start with burst-1 tokens (consumed one for this connection)
	bkt := &bucket{tokens: l.burst - 1, lastFill: now}
	e := &entry{ip: ip, bkt: bkt}
	elem = l.lru.PushFront(e)
	l.buckets[ip] = elem
	return true
}

// Reset clears all state. Useful for testing.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*list.Element, l.maxIPs)
	l.lru.Init()
}
