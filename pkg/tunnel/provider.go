package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/vilic/plug2proxy/pkg/discovery"
	"github.com/vilic/plug2proxy/pkg/match"
	"github.com/vilic/plug2proxy/pkg/router"
)

// ErrHandshakeTimeout is returned when QUIC does not complete within
// HandshakeTimeout after the punch burst; the slot re-announces.
var ErrHandshakeTimeout = errors.New("quic handshake timed out")

var (
	tracer = otel.Tracer("plug2proxy.tunnel")
	meter  = otel.Meter("plug2proxy.tunnel")

	metricEstablished metric.Int64Counter
	metricHandshakes  metric.Int64Counter
)

func init() {
	var err error

	metricEstablished, err = meter.Int64Counter("plug2proxy.tunnels.established",
		metric.WithDescription("Tunnels that reached the live state"),
		metric.WithUnit("{tunnels}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricHandshakes, err = meter.Int64Counter("plug2proxy.tunnels.handshake_failures",
		metric.WithDescription("QUIC handshakes that timed out or failed"),
		metric.WithUnit("{handshakes}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}

// newRetryBackoff returns the retry policy shared by both providers:
// exponential from one second, capped at the match lock TTL, never
// giving up.
func newRetryBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// InMatcher is the slice of the rendezvous client the IN provider needs.
type InMatcher interface {
	MatchOut(ctx context.Context, inID uuid.UUID, inAddr netip.AddrPort) (*match.MatchOut, error)
}

// InProvider keeps a configured number of live tunnels open toward
// whatever OUTs the rendezvous pairs it with. Each slot runs the
// announce → match → punch → handshake cycle independently and reopens
// after its tunnel is lost.
type InProvider struct {
	matcher     InMatcher
	id          uuid.UUID
	stunServers []string
	connections int

	// establish is swapped out by tests.
	establish func(ctx context.Context) (*InTunnel, error)
}

// NewInProvider creates a provider maintaining `connections` concurrent
// tunnels for the IN identity.
func NewInProvider(matcher InMatcher, id uuid.UUID, stunServers []string, connections int) *InProvider {
	if connections < 1 {
		connections = 1
	}
	p := &InProvider{
		matcher:     matcher,
		id:          id,
		stunServers: stunServers,
		connections: connections,
	}
	p.establish = p.establishQUIC
	return p
}

// Run drives all slots until the context is cancelled. Each live tunnel
// is handed to add; lost tunnels are reported to remove before the slot
// reopens.
func (p *InProvider) Run(ctx context.Context, add func(*InTunnel), remove func(*InTunnel)) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.connections; i++ {
		slot := i
		g.Go(func() error { return p.runSlot(ctx, slot, add, remove) })
	}
	return g.Wait()
}

func (p *InProvider) runSlot(ctx context.Context, slot int, add func(*InTunnel), remove func(*InTunnel)) error {
	bo := newRetryBackoff()
	for {
		t, err := p.establish(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := bo.NextBackOff()
			log.Printf("[Tunnel] slot %d: %v (retrying in %s)", slot, err, wait.Round(time.Millisecond))
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
			continue
		}

		bo.Reset()
		metricEstablished.Add(ctx, 1)
		log.Printf("[Tunnel] slot %d: tunnel %s live (peer %s)", slot, t.ID(), t.Peer())
		add(t)

		select {
		case <-ctx.Done():
			remove(t)
			t.Close()
			return ctx.Err()
		case <-t.Closed():
			remove(t)
			t.Close()
			log.Printf("[Tunnel] slot %d: tunnel %s lost", slot, t.ID())
		}

		// Brief pause before re-announcing so a flapping peer does not
		// spin the rendezvous.
		if err := sleepCtx(ctx, time.Second); err != nil {
			return err
		}
	}
}

// establishQUIC runs one full IN-side establishment cycle on a fresh
// socket: STUN, rendezvous, punch, QUIC dial.
func (p *InProvider) establishQUIC(ctx context.Context) (*InTunnel, error) {
	ctx, span := tracer.Start(ctx, "tunnel.establish_in")
	defer span.End()

	socket, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("bind tunnel socket: %w", err)
	}

	reflexive, err := discovery.DiscoverReflexive(socket, p.stunServers)
	if err != nil {
		socket.Close()
		return nil, err
	}
	span.SetAttributes(attribute.String("reflexive.addr", reflexive.String()))

	m, err := p.matcher.MatchOut(ctx, p.id, reflexive)
	if err != nil {
		socket.Close()
		return nil, err
	}

	if err := Punch(ctx, socket, m.Address); err != nil {
		socket.Close()
		return nil, err
	}

	transport := NewTransport(socket)
	handshakeCtx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	conn, err := transport.Dial(handshakeCtx, net.UDPAddrFromAddrPort(m.Address), ClientTLSConfig(), Config())
	if err != nil {
		transport.Close()
		socket.Close()
		metricHandshakes.Add(ctx, 1)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: tunnel %s to %s", ErrHandshakeTimeout, m.TunnelID, m.Address)
		}
		return nil, fmt.Errorf("quic dial %s: %w", m.Address, err)
	}

	return NewInTunnel(conn, transport, socket, m.TunnelID, m.TunnelLabels, m.TunnelPriority, m.RoutingRules, m.Address), nil
}

// OutMatcher is the slice of the rendezvous client the OUT provider
// needs.
type OutMatcher interface {
	MatchIn(ctx context.Context, outID uuid.UUID, outAddr netip.AddrPort, priority int64, rules []router.OutRule) (*match.MatchIn, error)
	RegisterIn(inID uuid.UUID)
	UnregisterIn(inID uuid.UUID)
}

// OutProvider continuously claims IN announcements and serves the
// resulting tunnels. Unlike the IN side there is no slot cap: every
// distinct IN that wins a pairing gets its own tunnel.
type OutProvider struct {
	matcher     OutMatcher
	id          uuid.UUID
	labels      []string
	priority    int64
	rules       []router.OutRule
	stunServers []string

	// establish is swapped out by tests.
	establish func(ctx context.Context) (*OutTunnel, error)
}

// NewOutProvider creates the OUT-side provider.
func NewOutProvider(matcher OutMatcher, id uuid.UUID, labels []string, priority int64, rules []router.OutRule, stunServers []string) *OutProvider {
	p := &OutProvider{
		matcher:     matcher,
		id:          id,
		labels:      labels,
		priority:    priority,
		rules:       rules,
		stunServers: stunServers,
	}
	p.establish = p.establishQUIC
	return p
}

// Serve pairs and yields tunnels until the context is cancelled. Each
// live tunnel's IN is registered so the matcher skips its announcements,
// and unregistered once the tunnel is lost.
func (p *OutProvider) Serve(ctx context.Context, yield func(*OutTunnel)) error {
	bo := newRetryBackoff()
	for {
		t, err := p.establish(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := bo.NextBackOff()
			log.Printf("[Tunnel] out: %v (retrying in %s)", err, wait.Round(time.Millisecond))
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
			continue
		}

		bo.Reset()
		metricEstablished.Add(ctx, 1)
		log.Printf("[Tunnel] out: tunnel %s live (in %s at %s)", t.ID(), t.InID(), t.Peer())

		p.matcher.RegisterIn(t.InID())
		go func(t *OutTunnel) {
			select {
			case <-ctx.Done():
			case <-t.Closed():
			}
			p.matcher.UnregisterIn(t.InID())
			t.Close()
			log.Printf("[Tunnel] out: tunnel %s lost", t.ID())
		}(t)

		yield(t)
	}
}

// establishQUIC runs one full OUT-side establishment cycle on a fresh
// socket: STUN, rendezvous claim, punch, QUIC accept.
func (p *OutProvider) establishQUIC(ctx context.Context) (*OutTunnel, error) {
	ctx, span := tracer.Start(ctx, "tunnel.establish_out")
	defer span.End()

	socket, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("bind tunnel socket: %w", err)
	}

	reflexive, err := discovery.DiscoverReflexive(socket, p.stunServers)
	if err != nil {
		socket.Close()
		return nil, err
	}
	span.SetAttributes(attribute.String("reflexive.addr", reflexive.String()))

	mi, err := p.matcher.MatchIn(ctx, p.id, reflexive, p.priority, p.rules)
	if err != nil {
		socket.Close()
		return nil, err
	}

	if err := Punch(ctx, socket, mi.Address); err != nil {
		socket.Close()
		return nil, err
	}

	transport := NewTransport(socket)
	tlsConf, err := ServerTLSConfig()
	if err != nil {
		transport.Close()
		socket.Close()
		return nil, err
	}
	listener, err := transport.Listen(tlsConf, Config())
	if err != nil {
		transport.Close()
		socket.Close()
		return nil, fmt.Errorf("quic listen: %w", err)
	}

	acceptCtx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	conn, err := listener.Accept(acceptCtx)
	if err != nil {
		listener.Close()
		transport.Close()
		socket.Close()
		metricHandshakes.Add(ctx, 1)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: tunnel %s from %s", ErrHandshakeTimeout, mi.TunnelID, mi.Address)
		}
		return nil, fmt.Errorf("quic accept: %w", err)
	}

	return NewOutTunnel(conn, transport, socket, listener, mi.TunnelID, mi.InID, p.labels, p.priority, p.rules, mi.Address), nil
}
