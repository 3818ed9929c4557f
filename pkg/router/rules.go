// Package router implements routing-rule evaluation and live-tunnel
// selection for the IN side. Rules classify an intercepted destination
// into a set of required tunnel labels (or a direct dial); the registry
// picks the best live tunnel for that label set.
package router

import (
	"fmt"
	"net/netip"
	"strings"
)

// DirectLabel is the reserved label that routes a destination around the
// tunnel layer entirely.
const DirectLabel = "DIRECT"

// Rule match types shared by IN and OUT rules.
const (
	MatchGeoIP   = "geoip"
	MatchDomain  = "domain"
	MatchAddress = "address"
	MatchAll     = "all"
)

// Destination describes one intercepted connection target as seen by the
// rule evaluator. Domain is empty when the destination was not resolved
// through the fake-IP pool; Region is empty when GeoLite2 has no answer.
type Destination struct {
	Address netip.AddrPort
	Domain  string
	Region  string
}

// InRule maps matching destinations to the labels an eligible tunnel must
// carry. The reserved label DIRECT short-circuits tunneling.
type InRule struct {
	Type   string   `json:"type"`
	Match  []string `json:"match,omitempty"`
	Negate bool     `json:"negate,omitempty"`
	Out    []string `json:"out"`
}

// OutRule is published by an OUT inside its Match record and enforced by
// the IN at selection time: a tunnel only admits destinations its rules
// allow.
type OutRule struct {
	Type   string   `json:"type"`
	Match  []string `json:"match,omitempty"`
	Negate bool     `json:"negate,omitempty"`
}

// Validate checks the rule's match type and any CIDR patterns.
func (r InRule) Validate() error {
	if err := validateMatch(r.Type, r.Match); err != nil {
		return err
	}
	if len(r.Out) == 0 {
		return fmt.Errorf("in rule has no out labels")
	}
	return nil
}

// Validate checks the rule's match type and any CIDR patterns.
func (r OutRule) Validate() error {
	return validateMatch(r.Type, r.Match)
}

func validateMatch(typ string, match []string) error {
	switch typ {
	case MatchGeoIP, MatchDomain:
		if len(match) == 0 {
			return fmt.Errorf("%s rule has no match patterns", typ)
		}
	case MatchAddress:
		for _, m := range match {
			if _, err := netip.ParsePrefix(m); err != nil {
				return fmt.Errorf("address rule pattern %q: %w", m, err)
			}
		}
	case MatchAll:
	default:
		return fmt.Errorf("unknown rule type %q", typ)
	}
	return nil
}

// Matches reports whether the destination satisfies this IN rule's
// condition.
func (r InRule) Matches(dst Destination) bool {
	return matches(r.Type, r.Match, r.Negate, dst)
}

// Admits reports whether a tunnel carrying this OUT rule may serve the
// destination. An empty rule list on a tunnel admits everything; a
// non-empty list admits a destination iff at least one rule matches it.
func (r OutRule) Admits(dst Destination) bool {
	return matches(r.Type, r.Match, r.Negate, dst)
}

func matches(typ string, match []string, negate bool, dst Destination) bool {
	var hit bool
	switch typ {
	case MatchAll:
		hit = true
	case MatchGeoIP:
		for _, m := range match {
			if strings.EqualFold(m, dst.Region) {
				hit = true
				break
			}
		}
	case MatchDomain:
		for _, m := range match {
			if domainMatches(m, dst.Domain) {
				hit = true
				break
			}
		}
	case MatchAddress:
		for _, m := range match {
			prefix, err := netip.ParsePrefix(m)
			if err != nil {
				continue
			}
			if prefix.Contains(dst.Address.Addr().Unmap()) {
				hit = true
				break
			}
		}
	}
	if negate {
		return !hit
	}
	return hit
}

// domainMatches implements suffix matching: pattern "example.com" matches
// both "example.com" and "www.example.com". A leading dot is equivalent.
func domainMatches(pattern, domain string) bool {
	if domain == "" {
		return false
	}
	pattern = strings.TrimPrefix(strings.ToLower(pattern), ".")
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if domain == pattern {
		return true
	}
	return strings.HasSuffix(domain, "."+pattern)
}

// Classify evaluates the IN rules in order and returns the label set of
// the first matching rule. The second result is false when no rule
// matched.
func Classify(rules []InRule, dst Destination) ([]string, bool) {
	for _, r := range rules {
		if r.Matches(dst) {
			return r.Out, true
		}
	}
	return nil, false
}

// IsDirect reports whether a label set routes around the tunnel layer.
func IsDirect(labels []string) bool {
	for _, l := range labels {
		if l == DirectLabel {
			return true
		}
	}
	return false
}
