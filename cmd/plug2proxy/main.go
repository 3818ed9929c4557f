// plug2proxy tunnels intercepted TCP/UDP traffic from IN endpoints to
// OUT endpoints over hole-punched QUIC connections, paired through a
// Redis-compatible rendezvous broker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/vilic/plug2proxy/pkg/config"
	"github.com/vilic/plug2proxy/pkg/fakeip"
	"github.com/vilic/plug2proxy/pkg/match"
	"github.com/vilic/plug2proxy/pkg/otel"
	"github.com/vilic/plug2proxy/pkg/proxy"
	"github.com/vilic/plug2proxy/pkg/router"
	"github.com/vilic/plug2proxy/pkg/tunnel"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

const (
	defaultInIDPath  = "/var/lib/plug2proxy/in_id"
	defaultOutIDPath = "/var/lib/plug2proxy/out_id"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "in":
		inCmd(os.Args[2:])
	case "out":
		outCmd(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Println("plug2proxy " + version)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: plug2proxy <command> [flags]

Commands:
  in       run the client-side (intercepting) endpoint
  out      run the server-side (egress) endpoint
  version  print the version
`)
}

// inCmd runs the IN endpoint: fake-IP pool, GeoLite2 refresh, tunnel
// provider slots feeding the registry, and the transparent interceptor.
func inCmd(args []string) {
	fs := flag.NewFlagSet("in", flag.ExitOnError)
	configPath := fs.String("config", "/etc/plug2proxy/in.json", "Path to IN config file")
	idPath := fs.String("id", defaultInIDPath, "Path to the persistent endpoint identity")
	fs.Parse(args)

	cfg, err := config.LoadIn(*configPath)
	if err != nil {
		log.Fatalf("[Config] %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := otel.Init(ctx, "plug2proxy-in", version)
	if err != nil {
		log.Printf("[OTel] %v", err)
	}
	defer shutdown(context.Background())

	inID, err := loadOrCreateID(*idPath)
	if err != nil {
		log.Fatalf("[Config] %v", err)
	}
	log.Printf("[In] endpoint %s starting", inID)

	broker, err := match.NewRedisBroker(ctx, cfg.Tunneling.MatchServer)
	if err != nil {
		log.Fatalf("[Match] %v", err)
	}
	defer broker.Close()

	prefix := netip.MustParsePrefix(cfg.FakeIPDNS.Prefix)
	pool, err := fakeip.NewPool(prefix)
	if err != nil {
		log.Fatalf("[Config] %v", err)
	}

	interval, err := cfg.Routing.GeoLite2.ParsedUpdateInterval()
	if err != nil {
		log.Fatalf("[Config] %v", err)
	}
	geo := router.NewGeoLite2(cfg.Routing.GeoLite2.URL, cfg.Routing.GeoLite2.Path, interval)
	go geo.Run(ctx)
	defer geo.Close()

	registry := router.NewRegistry()
	provider := tunnel.NewInProvider(match.NewInServer(broker), inID, cfg.Tunneling.StunServer, cfg.Tunneling.Connections)
	go func() {
		if err := provider.Run(ctx,
			func(t *tunnel.InTunnel) { registry.Add(t) },
			func(t *tunnel.InTunnel) { registry.Remove(t.ID()) },
		); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[Tunnel] provider stopped: %v", err)
			stop()
		}
	}()

	interceptor := proxy.NewInterceptor(cfg.TransparentProxy.Listen, cfg.Routing.Rules, registry, pool, geo, cfg.TransparentProxy.TrafficMark)
	interceptor.UseResolver(cfg.DNSResolver.Server)
	if err := interceptor.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("[Proxy] %v", err)
	}

	log.Printf("[In] shutting down")
}

// outCmd runs the OUT endpoint: claim announcements, accept tunnels,
// serve their streams.
func outCmd(args []string) {
	fs := flag.NewFlagSet("out", flag.ExitOnError)
	configPath := fs.String("config", "/etc/plug2proxy/out.json", "Path to OUT config file")
	idPath := fs.String("id", defaultOutIDPath, "Path to the persistent endpoint identity")
	fs.Parse(args)

	cfg, err := config.LoadOut(*configPath)
	if err != nil {
		log.Fatalf("[Config] %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := otel.Init(ctx, "plug2proxy-out", version)
	if err != nil {
		log.Printf("[OTel] %v", err)
	}
	defer shutdown(context.Background())

	outID, err := loadOrCreateID(*idPath)
	if err != nil {
		log.Fatalf("[Config] %v", err)
	}
	log.Printf("[Out] endpoint %s starting (labels=%v priority=%d)", outID, cfg.Tunneling.Label, cfg.Tunneling.Priority)

	broker, err := match.NewRedisBroker(ctx, cfg.Tunneling.MatchServer)
	if err != nil {
		log.Fatalf("[Match] %v", err)
	}
	defer broker.Close()

	matcher, err := match.NewOutServer(ctx, broker, cfg.Tunneling.Label)
	if err != nil {
		log.Fatalf("[Match] %v", err)
	}
	defer matcher.Close()

	provider := tunnel.NewOutProvider(matcher, outID, cfg.Tunneling.Label, cfg.Tunneling.Priority, cfg.Routing.Rules, cfg.Tunneling.StunServer)
	if err := provider.Serve(ctx, func(t *tunnel.OutTunnel) {
		go proxy.ServeOut(ctx, t)
	}); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("[Tunnel] %v", err)
	}

	log.Printf("[Out] shutting down")
}
