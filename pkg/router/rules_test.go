package router

import (
	"net/netip"
	"testing"
)

func dst(addr, domain, region string) Destination {
	return Destination{
		Address: netip.MustParseAddrPort(addr),
		Domain:  domain,
		Region:  region,
	}
}

func TestInRuleMatches(t *testing.T) {
	tests := []struct {
		name string
		rule InRule
		dst  Destination
		want bool
	}{
		{"all matches anything", InRule{Type: MatchAll, Out: []string{"default"}}, dst("1.2.3.4:80", "", ""), true},
		{"geoip hit", InRule{Type: MatchGeoIP, Match: []string{"CN"}, Out: []string{"cn"}}, dst("1.2.3.4:80", "", "CN"), true},
		{"geoip case-insensitive", InRule{Type: MatchGeoIP, Match: []string{"cn"}, Out: []string{"cn"}}, dst("1.2.3.4:80", "", "CN"), true},
		{"geoip miss", InRule{Type: MatchGeoIP, Match: []string{"CN"}, Out: []string{"cn"}}, dst("1.2.3.4:80", "", "US"), false},
		{"geoip negate", InRule{Type: MatchGeoIP, Match: []string{"CN"}, Negate: true, Out: []string{"out"}}, dst("1.2.3.4:80", "", "US"), true},
		{"domain exact", InRule{Type: MatchDomain, Match: []string{"example.com"}, Out: []string{"x"}}, dst("1.2.3.4:80", "example.com", ""), true},
		{"domain subdomain", InRule{Type: MatchDomain, Match: []string{"example.com"}, Out: []string{"x"}}, dst("1.2.3.4:80", "www.example.com", ""), true},
		{"domain leading dot", InRule{Type: MatchDomain, Match: []string{".example.com"}, Out: []string{"x"}}, dst("1.2.3.4:80", "api.example.com", ""), true},
		{"domain no partial label", InRule{Type: MatchDomain, Match: []string{"example.com"}, Out: []string{"x"}}, dst("1.2.3.4:80", "notexample.com", ""), false},
		{"domain empty dst", InRule{Type: MatchDomain, Match: []string{"example.com"}, Out: []string{"x"}}, dst("1.2.3.4:80", "", ""), false},
		{"address hit", InRule{Type: MatchAddress, Match: []string{"10.0.0.0/8"}, Out: []string{"x"}}, dst("10.1.2.3:443", "", ""), true},
		{"address miss", InRule{Type: MatchAddress, Match: []string{"10.0.0.0/8"}, Out: []string{"x"}}, dst("192.168.1.1:443", "", ""), false},
		{"address v6", InRule{Type: MatchAddress, Match: []string{"2001:db8::/32"}, Out: []string{"x"}}, dst("[2001:db8::9]:443", "", ""), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rule.Matches(tt.dst); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClassifyFirstMatchWins(t *testing.T) {
	rules := []InRule{
		{Type: MatchDomain, Match: []string{"internal.example.com"}, Out: []string{DirectLabel}},
		{Type: MatchGeoIP, Match: []string{"CN"}, Out: []string{"cn"}},
		{Type: MatchAll, Out: []string{"default"}},
	}

	labels, ok := Classify(rules, dst("1.2.3.4:80", "internal.example.com", "CN"))
	if !ok || !IsDirect(labels) {
		t.Errorf("Classify = %v, %v; want DIRECT", labels, ok)
	}

	labels, ok = Classify(rules, dst("1.2.3.4:80", "", "CN"))
	if !ok || len(labels) != 1 || labels[0] != "cn" {
		t.Errorf("Classify = %v, %v; want [cn]", labels, ok)
	}

	labels, ok = Classify(rules, dst("1.2.3.4:80", "", "US"))
	if !ok || labels[0] != "default" {
		t.Errorf("Classify = %v, %v; want [default]", labels, ok)
	}
}

func TestClassifyNoMatch(t *testing.T) {
	rules := []InRule{{Type: MatchGeoIP, Match: []string{"CN"}, Out: []string{"cn"}}}
	if labels, ok := Classify(rules, dst("1.2.3.4:80", "", "US")); ok {
		t.Errorf("Classify = %v, want no match", labels)
	}
}

func TestOutRuleAdmits(t *testing.T) {
	cnOnly := OutRule{Type: MatchGeoIP, Match: []string{"CN"}}
	if !cnOnly.Admits(dst("1.2.3.4:80", "", "CN")) {
		t.Error("CN rule should admit a CN destination")
	}
	if cnOnly.Admits(dst("1.2.3.4:80", "", "US")) {
		t.Error("CN rule should not admit a US destination")
	}

	noPrivate := OutRule{Type: MatchAddress, Match: []string{"10.0.0.0/8", "192.168.0.0/16"}, Negate: true}
	if noPrivate.Admits(dst("10.1.1.1:80", "", "")) {
		t.Error("negated rule should reject a private destination")
	}
	if !noPrivate.Admits(dst("93.184.216.34:80", "", "")) {
		t.Error("negated rule should admit a public destination")
	}
}

func TestRuleValidate(t *testing.T) {
	tests := []struct {
		name    string
		rule    InRule
		wantErr bool
	}{
		{"valid all", InRule{Type: MatchAll, Out: []string{"default"}}, false},
		{"valid address", InRule{Type: MatchAddress, Match: []string{"10.0.0.0/8"}, Out: []string{"x"}}, false},
		{"unknown type", InRule{Type: "regex", Out: []string{"x"}}, true},
		{"bad cidr", InRule{Type: MatchAddress, Match: []string{"10.0.0.0/99"}, Out: []string{"x"}}, true},
		{"geoip without patterns", InRule{Type: MatchGeoIP, Out: []string{"x"}}, true},
		{"no out labels", InRule{Type: MatchAll}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
