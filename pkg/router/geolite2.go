package router

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang"
	"github.com/patrickmn/go-cache"
)

const (
	// geoCacheTTL bounds how long a per-address country decision is reused.
	geoCacheTTL     = 10 * time.Minute
	geoCacheSweep   = 30 * time.Minute
	geoFetchTimeout = 2 * time.Minute
)

// GeoLite2 resolves destination addresses to ISO country codes from a
// MaxMind database that is downloaded on first use and refreshed in the
// background. Lookups before the first successful download return "".
type GeoLite2 struct {
	url      string
	path     string
	interval time.Duration

	mu     sync.RWMutex
	reader *geoip2.Reader

	decisions *cache.Cache
}

// NewGeoLite2 creates a resolver that keeps its database at path and
// refreshes it from url every interval. A zero interval disables refresh
// after the initial download.
func NewGeoLite2(url, path string, interval time.Duration) *GeoLite2 {
	return &GeoLite2{
		url:       url,
		path:      path,
		interval:  interval,
		decisions: cache.New(geoCacheTTL, geoCacheSweep),
	}
}

// Run downloads the database if needed and refreshes it until the context
// is cancelled. An existing on-disk copy is used immediately so startup
// does not block on the network.
func (g *GeoLite2) Run(ctx context.Context) {
	if err := g.openExisting(); err == nil {
		log.Printf("[GeoLite2] using cached database at %s", g.path)
	} else if err := g.fetch(ctx); err != nil {
		log.Printf("[GeoLite2] initial download failed: %v", err)
	}

	if g.interval <= 0 {
		if g.Ready() {
			return
		}
		// No refresh configured but the first download failed; retry once
		// a day so a transient outage does not disable geo rules forever.
		g.refreshLoop(ctx, 24*time.Hour)
		return
	}
	g.refreshLoop(ctx, g.interval)
}

func (g *GeoLite2) refreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.fetch(ctx); err != nil {
				log.Printf("[GeoLite2] refresh failed: %v", err)
			}
		}
	}
}

// Ready reports whether a database is open.
func (g *GeoLite2) Ready() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.reader != nil
}

// Lookup returns the ISO 3166-1 country code for an address, or "" when
// the database is not ready or has no answer.
func (g *GeoLite2) Lookup(addr netip.Addr) string {
	key := addr.String()
	if v, ok := g.decisions.Get(key); ok {
		return v.(string)
	}

	g.mu.RLock()
	reader := g.reader
	g.mu.RUnlock()
	if reader == nil {
		return ""
	}

	country, err := reader.Country(net.IP(addr.Unmap().AsSlice()))
	if err != nil {
		return ""
	}
	iso := country.Country.IsoCode
	g.decisions.Set(key, iso, cache.DefaultExpiration)
	return iso
}

// Close releases the open database.
func (g *GeoLite2) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reader == nil {
		return nil
	}
	err := g.reader.Close()
	g.reader = nil
	return err
}

func (g *GeoLite2) openExisting() error {
	reader, err := geoip2.Open(g.path)
	if err != nil {
		return err
	}
	g.swap(reader)
	return nil
}

// fetch downloads the database to a temp file, validates it by opening
// it, then atomically replaces the on-disk copy and the live reader.
func (g *GeoLite2) fetch(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, geoFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", g.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: unexpected status %s", g.url, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(g.path), 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(g.path), ".geolite2-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("write database: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	reader, err := geoip2.Open(tmp.Name())
	if err != nil {
		return fmt.Errorf("downloaded database is invalid: %w", err)
	}
	if err := os.Rename(tmp.Name(), g.path); err != nil {
		reader.Close()
		return fmt.Errorf("replace database: %w", err)
	}

	g.swap(reader)
	g.decisions.Flush()
	log.Printf("[GeoLite2] database updated from %s", g.url)
	return nil
}

func (g *GeoLite2) swap(reader *geoip2.Reader) {
	g.mu.Lock()
	old := g.reader
	g.reader = reader
	g.mu.Unlock()
	if old != nil {
		old.Close()
	}
}
