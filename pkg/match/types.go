// Package match implements the rendezvous protocol that pairs an IN with
// an OUT through a shared broker. The protocol composes three broker
// primitives: a global pub/sub channel carrying IN announcements, a
// per-IN channel carrying the match reply, and an atomic expiring key
// acting as the match lock.
package match

import (
	"net/netip"

	"github.com/google/uuid"

	"github.com/vilic/plug2proxy/pkg/router"
)

// InAnnouncementChannel is the global channel every IN announces on and
// every OUT subscribes to.
const InAnnouncementChannel = "in_announcement"

// LockTTLSeconds bounds the window during which a winning OUT excludes
// all others from pairing with the same announcement. It also bounds
// ghost-lock damage when the winner crashes before publishing its Match.
const LockTTLSeconds = 30

// InAnnouncement is published by an IN once per second until it is
// matched. Only the latest announcement matters; duplicates are collapsed
// by the match lock.
type InAnnouncement struct {
	ID      uuid.UUID      `json:"id"`
	Address netip.AddrPort `json:"address"`
}

// Match is published by the OUT that won the lock, on the announcing IN's
// match channel.
type Match struct {
	ID             uuid.UUID        `json:"id"`
	TunnelID       uuid.UUID        `json:"tunnel_id"`
	TunnelLabels   []string         `json:"tunnel_labels"`
	TunnelPriority int64            `json:"tunnel_priority"`
	RoutingRules   []router.OutRule `json:"routing_rules"`
	Address        netip.AddrPort   `json:"address"`
}

// MatchOut is the IN side's view of a completed pairing.
type MatchOut struct {
	OutID          uuid.UUID
	TunnelID       uuid.UUID
	TunnelLabels   []string
	TunnelPriority int64
	RoutingRules   []router.OutRule
	Address        netip.AddrPort
}

// MatchIn is the OUT side's view of a completed pairing.
type MatchIn struct {
	InID     uuid.UUID
	TunnelID uuid.UUID
	Address  netip.AddrPort
}

// MatchKeySuffix identifies one announcement window: the announcing IN
// plus its current reflexive address.
func MatchKeySuffix(id uuid.UUID, addr netip.AddrPort) string {
	return id.String() + "/" + addr.String()
}

// MatchChannelName is the per-IN channel the match reply is published on.
func MatchChannelName(id uuid.UUID, addr netip.AddrPort) string {
	return "match/" + MatchKeySuffix(id, addr)
}

// MatchLockKey is the broker key the winning OUT creates with
// SET NX EX 30.
func MatchLockKey(id uuid.UUID, addr netip.AddrPort) string {
	return "match:" + MatchKeySuffix(id, addr)
}
