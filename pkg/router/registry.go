package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/netip"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ErrNoRoute is returned when no live tunnel qualifies for a destination.
var ErrNoRoute = errors.New("no eligible tunnel")

// Tunnel is the slice of a live IN-side tunnel the registry needs: its
// selection attributes, a way to open streams on it, and nothing else.
type Tunnel interface {
	ID() uuid.UUID
	Labels() []string
	Priority() int64
	RoutingRules() []OutRule
	OpenStream(ctx context.Context, dst netip.AddrPort, network string) (io.ReadWriteCloser, error)
}

var (
	meter = otel.Meter("plug2proxy.router")

	metricTunnelsLive metric.Int64UpDownCounter
	metricNoRoute     metric.Int64Counter
)

func init() {
	var err error

	metricTunnelsLive, err = meter.Int64UpDownCounter("plug2proxy.tunnels.live",
		metric.WithDescription("Live tunnels in the IN-side registry"),
		metric.WithUnit("{tunnels}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricNoRoute, err = meter.Int64Counter("plug2proxy.route.misses",
		metric.WithDescription("Intercepted connections with no eligible tunnel"),
		metric.WithUnit("{connections}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}

type registered struct {
	tunnel Tunnel
	// seq orders additions; higher wins priority ties.
	seq uint64
}

// Registry tracks the live tunnels on the IN side and selects one per
// intercepted connection. It owns its entries exclusively: the tunnel
// provider adds a tunnel once it is live and removes it when the
// transport is lost.
type Registry struct {
	mu      sync.Mutex
	entries map[uuid.UUID]registered
	seq     uint64
}

// NewRegistry creates an empty tunnel registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[uuid.UUID]registered)}
}

// Add inserts a live tunnel. Later additions win ties at selection.
func (r *Registry) Add(t Tunnel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[t.ID()]; ok {
		return
	}
	r.seq++
	r.entries[t.ID()] = registered{tunnel: t, seq: r.seq}
	metricTunnelsLive.Add(context.Background(), 1)
	log.Printf("[Router] tunnel %s registered (labels=%v priority=%d, %d live)",
		t.ID(), t.Labels(), t.Priority(), len(r.entries))
}

// Remove drops a tunnel, usually after its transport closed.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return
	}
	delete(r.entries, id)
	metricTunnelsLive.Add(context.Background(), -1)
	log.Printf("[Router] tunnel %s removed (%d live)", id, len(r.entries))
}

// Len returns the number of live tunnels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Select picks the tunnel for a destination classified into the given
// required label set:
//
//  1. keep tunnels whose labels intersect the required set,
//  2. keep tunnels whose own routing rules admit the destination,
//  3. prefer the highest priority,
//  4. break ties by most recently established.
//
// Returns ErrNoRoute when nothing qualifies.
func (r *Registry) Select(labels []string, dst Destination) (Tunnel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best registered
	found := false
	for _, e := range r.entries {
		if !labelsIntersect(e.tunnel.Labels(), labels) {
			continue
		}
		if !rulesAdmit(e.tunnel.RoutingRules(), dst) {
			continue
		}
		if !found || better(e, best) {
			best = e
			found = true
		}
	}
	if !found {
		metricNoRoute.Add(context.Background(), 1)
		return nil, fmt.Errorf("%w for %s (labels %v)", ErrNoRoute, dst.Address, labels)
	}
	return best.tunnel, nil
}

func better(a, b registered) bool {
	if pa, pb := a.tunnel.Priority(), b.tunnel.Priority(); pa != pb {
		return pa > pb
	}
	return a.seq > b.seq
}

func labelsIntersect(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

// rulesAdmit applies a tunnel's own OUT rules to a destination. A tunnel
// with no rules admits everything.
func rulesAdmit(rules []OutRule, dst Destination) bool {
	if len(rules) == 0 {
		return true
	}
	for _, r := range rules {
		if r.Admits(dst) {
			return true
		}
	}
	return false
}
