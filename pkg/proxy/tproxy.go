// Package proxy implements the IN side's transparent TCP interceptor
// and the OUT side's egress loop. The interceptor recovers each
// redirected connection's original destination, classifies it through
// the routing rules, and relays it over a tunnel stream or a direct
// dial.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/netip"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vilic/plug2proxy/pkg/fakeip"
	"github.com/vilic/plug2proxy/pkg/ratelimit"
	"github.com/vilic/plug2proxy/pkg/router"
)

const dialTimeout = 10 * time.Second

var tracer = otel.Tracer("plug2proxy.proxy")

// GeoResolver maps a destination address to an ISO country code. "" means
// unknown. Satisfied by router.GeoLite2.
type GeoResolver interface {
	Lookup(addr netip.Addr) string
}

// Interceptor accepts redirected TCP connections and relays them
// according to the routing rules.
type Interceptor struct {
	listen      string
	rules       []router.InRule
	registry    *router.Registry
	pool        *fakeip.Pool
	geo         GeoResolver
	limiter     *ratelimit.Limiter
	resolver    *net.Resolver
	trafficMark int
}

// NewInterceptor wires the IN-side data path. pool and geo may be nil
// when fake-IP or geo rules are not configured.
func NewInterceptor(listen string, rules []router.InRule, registry *router.Registry, pool *fakeip.Pool, geo GeoResolver, trafficMark int) *Interceptor {
	return &Interceptor{
		listen:      listen,
		rules:       rules,
		registry:    registry,
		pool:        pool,
		geo:         geo,
		limiter:     ratelimit.NewDefault(),
		resolver:    net.DefaultResolver,
		trafficMark: trafficMark,
	}
}

// UseResolver points domain re-resolution at the first configured
// upstream server instead of the system resolver, so tunnel-bound
// fake-IP destinations resolve through an upstream the fake-IP DNS
// forwards to. The remaining servers are not used.
func (i *Interceptor) UseResolver(servers []string) {
	if len(servers) == 0 {
		return
	}
	upstream := servers[0]
	i.resolver = &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			d := net.Dialer{Timeout: 5 * time.Second}
			return d.DialContext(ctx, network, upstream)
		},
	}
}

// Serve accepts until the context is cancelled.
func (i *Interceptor) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", i.listen)
	if err != nil {
		return fmt.Errorf("transparent proxy listen %s: %w", i.listen, err)
	}
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	log.Printf("[Proxy] transparent proxy listening at %s", i.listen)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[Proxy] accept: %v", err)
			time.Sleep(time.Second)
			continue
		}

		client := conn.RemoteAddr().(*net.TCPAddr).IP.String()
		if !i.limiter.Allow(client) {
			log.Printf("[Proxy] too many connections from %s", client)
			conn.Close()
			continue
		}

		go i.handle(ctx, conn.(*net.TCPConn))
	}
}

func (i *Interceptor) handle(ctx context.Context, conn *net.TCPConn) {
	defer conn.Close()

	ctx, span := tracer.Start(ctx, "proxy.intercept")
	defer span.End()

	dst, err := originalDst(conn)
	if err != nil {
		log.Printf("[Proxy] original destination lookup: %v", err)
		return
	}
	span.SetAttributes(attribute.String("dst.addr", dst.String()))

	destination := i.classifyDestination(dst)
	labels, matched := router.Classify(i.rules, destination)
	if !matched {
		// No rule matched: tunnel through any default-labeled OUT.
		labels = []string{"default"}
	}

	target, err := i.realDestination(ctx, destination)
	if err != nil {
		log.Printf("[Proxy] %v", err)
		return
	}

	if router.IsDirect(labels) {
		i.relayDirect(ctx, conn, target)
		return
	}

	tun, err := i.registry.Select(labels, destination)
	if err != nil {
		if errors.Is(err, router.ErrNoRoute) {
			log.Printf("[Proxy] %v", err)
			return
		}
		log.Printf("[Proxy] select tunnel: %v", err)
		return
	}

	stream, err := tun.OpenStream(ctx, target, "tcp")
	if err != nil {
		log.Printf("[Proxy] open stream on tunnel %s: %v", tun.ID(), err)
		return
	}
	defer stream.Close()

	relay(conn, stream)
}

// classifyDestination enriches the raw destination with the fake-IP
// domain and the GeoLite2 region for rule matching.
func (i *Interceptor) classifyDestination(dst netip.AddrPort) router.Destination {
	d := router.Destination{Address: dst}
	if i.pool != nil {
		if domain, ok := i.pool.Domain(dst.Addr()); ok {
			d.Domain = domain
		}
	}
	if i.geo != nil && d.Domain == "" {
		d.Region = i.geo.Lookup(dst.Addr())
	}
	return d
}

// realDestination replaces a fake-IP destination with a routable one.
// Fake addresses are meaningless beyond this host, so the domain behind
// the pool entry is resolved to a real address before it goes on the
// wire. Plain destinations pass through untouched.
func (i *Interceptor) realDestination(ctx context.Context, d router.Destination) (netip.AddrPort, error) {
	if i.pool == nil || !i.pool.Contains(d.Address.Addr()) {
		return d.Address, nil
	}
	if d.Domain == "" {
		return netip.AddrPort{}, fmt.Errorf("fake destination %s has no live domain mapping", d.Address)
	}

	resolveCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	addrs, err := i.resolver.LookupNetIP(resolveCtx, "ip", d.Domain)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", d.Domain, err)
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: no addresses", d.Domain)
	}
	return netip.AddrPortFrom(addrs[0].Unmap(), d.Address.Port()), nil
}

// relayDirect dials the destination on the local egress path, carrying
// the configured traffic mark so the redirect rules skip this socket.
func (i *Interceptor) relayDirect(ctx context.Context, conn *net.TCPConn, dst netip.AddrPort) {
	dialer := markedDialer(i.trafficMark)

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	target, err := dialer.DialContext(dialCtx, "tcp", dst.String())
	if err != nil {
		log.Printf("[Proxy] direct dial %s: %v", dst, err)
		return
	}
	defer target.Close()

	relay(conn, target)
}

// relay copies both directions and returns when either side finishes.
func relay(a, b io.ReadWriteCloser) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
	a.Close()
	b.Close()
	<-done
}
