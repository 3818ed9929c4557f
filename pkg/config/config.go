// Package config defines the JSON configuration surface for both
// endpoint roles. Parsing is strict about what the tunnel core consumes:
// a bad match server URL or rule fails startup rather than surfacing
// later inside a provider loop.
package config

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/vilic/plug2proxy/pkg/router"
)

// Defaults applied when the config file leaves fields unset.
const (
	DefaultFakeIPDNSListen  = "127.0.0.53:5353"
	DefaultTransparentProxy = "127.0.0.1:12345"
	DefaultTrafficMark      = 0xfe
	DefaultConnections      = 1
	DefaultGeoLite2URL      = "https://github.com/P3TERX/GeoLite.mmdb/raw/download/GeoLite2-Country.mmdb"
	DefaultGeoLite2Path     = "/var/lib/plug2proxy/GeoLite2-Country.mmdb"
	DefaultFakeIPPrefix     = "198.18.0.0/15"
)

// InConfig configures a client-side (IN) endpoint.
type InConfig struct {
	DNSResolver      DNSResolverConfig      `json:"dns_resolver"`
	FakeIPDNS        FakeIPDNSConfig        `json:"fake_ip_dns"`
	TransparentProxy TransparentProxyConfig `json:"transparent_proxy"`
	Tunneling        InTunnelingConfig      `json:"tunneling"`
	Routing          InRoutingConfig        `json:"routing"`
}

// DNSResolverConfig names the upstream resolvers the fake-IP DNS
// forwards through.
type DNSResolverConfig struct {
	Server []string `json:"server,omitempty"`
}

// FakeIPDNSConfig configures the fake-IP DNS listener and pool.
type FakeIPDNSConfig struct {
	Listen string `json:"listen,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

// TransparentProxyConfig configures the redirect listener.
type TransparentProxyConfig struct {
	Listen      string `json:"listen,omitempty"`
	TrafficMark int    `json:"traffic_mark,omitempty"`
}

// InTunnelingConfig configures the IN side of the tunnel core.
type InTunnelingConfig struct {
	StunServer  []string `json:"stun_server,omitempty"`
	MatchServer string   `json:"match_server"`
	Connections int      `json:"connections,omitempty"`
}

// InRoutingConfig carries the IN-side rule set and GeoLite2 source.
type InRoutingConfig struct {
	GeoLite2 GeoLite2Config  `json:"geolite2"`
	Rules    []router.InRule `json:"rules,omitempty"`
}

// GeoLite2Config points at the country database and its refresh cycle.
type GeoLite2Config struct {
	URL            string `json:"url,omitempty"`
	Path           string `json:"path,omitempty"`
	UpdateInterval string `json:"update_interval,omitempty"`
}

// ParsedUpdateInterval returns the refresh interval, or zero when
// refresh is disabled.
func (c GeoLite2Config) ParsedUpdateInterval() (time.Duration, error) {
	if c.UpdateInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.UpdateInterval)
	if err != nil {
		return 0, fmt.Errorf("geolite2 update_interval: %w", err)
	}
	return d, nil
}

// OutConfig configures a server-side (OUT) endpoint.
type OutConfig struct {
	Tunneling OutTunnelingConfig `json:"tunneling"`
	Routing   OutRoutingConfig   `json:"routing"`
}

// OutTunnelingConfig configures the OUT side of the tunnel core.
type OutTunnelingConfig struct {
	Label       []string `json:"label,omitempty"`
	Priority    int64    `json:"priority,omitempty"`
	StunServer  []string `json:"stun_server,omitempty"`
	MatchServer string   `json:"match_server"`
}

// OutRoutingConfig carries the rules this OUT publishes in its Match.
type OutRoutingConfig struct {
	Rules []router.OutRule `json:"rules,omitempty"`
}

// LoadIn reads, defaults and validates an IN config file.
func LoadIn(path string) (*InConfig, error) {
	var cfg InConfig
	if err := loadJSON(path, &cfg); err != nil {
		return nil, err
	}

	if cfg.FakeIPDNS.Listen == "" {
		cfg.FakeIPDNS.Listen = DefaultFakeIPDNSListen
	}
	if cfg.FakeIPDNS.Prefix == "" {
		cfg.FakeIPDNS.Prefix = DefaultFakeIPPrefix
	}
	if cfg.TransparentProxy.Listen == "" {
		cfg.TransparentProxy.Listen = DefaultTransparentProxy
	}
	if cfg.TransparentProxy.TrafficMark == 0 {
		cfg.TransparentProxy.TrafficMark = DefaultTrafficMark
	}
	if cfg.Tunneling.Connections == 0 {
		cfg.Tunneling.Connections = DefaultConnections
	}
	if cfg.Routing.GeoLite2.URL == "" {
		cfg.Routing.GeoLite2.URL = DefaultGeoLite2URL
	}
	if cfg.Routing.GeoLite2.Path == "" {
		cfg.Routing.GeoLite2.Path = DefaultGeoLite2Path
	}

	if cfg.Tunneling.MatchServer == "" {
		return nil, fmt.Errorf("tunneling.match_server is required")
	}
	if cfg.Tunneling.Connections < 1 {
		return nil, fmt.Errorf("tunneling.connections must be at least 1")
	}
	if _, err := netip.ParsePrefix(cfg.FakeIPDNS.Prefix); err != nil {
		return nil, fmt.Errorf("fake_ip_dns.prefix: %w", err)
	}
	if _, err := cfg.Routing.GeoLite2.ParsedUpdateInterval(); err != nil {
		return nil, err
	}
	for i, rule := range cfg.Routing.Rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("routing.rules[%d]: %w", i, err)
		}
	}

	return &cfg, nil
}

// LoadOut reads, defaults and validates an OUT config file.
func LoadOut(path string) (*OutConfig, error) {
	var cfg OutConfig
	if err := loadJSON(path, &cfg); err != nil {
		return nil, err
	}

	if len(cfg.Tunneling.Label) == 0 {
		cfg.Tunneling.Label = []string{"default"}
	}

	if cfg.Tunneling.MatchServer == "" {
		return nil, fmt.Errorf("tunneling.match_server is required")
	}
	for i, rule := range cfg.Routing.Rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("routing.rules[%d]: %w", i, err)
		}
	}

	return &cfg, nil
}

func loadJSON(path string, v any) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
