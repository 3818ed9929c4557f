package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// ErrRendezvousClosed is returned when the match subscription ends before
// any Match arrives. The caller retries with backoff.
var ErrRendezvousClosed = errors.New("rendezvous subscription closed")

// AnnounceInterval is how often an unmatched IN republishes itself.
const AnnounceInterval = time.Second

var inTracer = otel.Tracer("plug2proxy.match")

// InServer is the IN side of the rendezvous protocol.
type InServer struct {
	broker Broker
}

// NewInServer wraps a broker connection.
func NewInServer(broker Broker) *InServer {
	return &InServer{broker: broker}
}

// MatchOut announces the IN until a Match for it arrives and returns the
// paired OUT. The announcement loop stops as soon as the function
// returns, whether with a match, a broker error, or ctx cancellation; a
// Match that arrives after cancellation is abandoned and its OUT resets
// at handshake timeout.
func (s *InServer) MatchOut(ctx context.Context, inID uuid.UUID, inAddr netip.AddrPort) (*MatchOut, error) {
	ctx, span := inTracer.Start(ctx, "match.out")
	defer span.End()
	span.SetAttributes(attribute.String("in.addr", inAddr.String()))

	sub, err := s.broker.Subscribe(ctx, MatchChannelName(inID, inAddr))
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	announcement, err := json.Marshal(InAnnouncement{ID: inID, Address: inAddr})
	if err != nil {
		return nil, fmt.Errorf("encode announcement: %w", err)
	}

	ticker := time.NewTicker(AnnounceInterval)
	defer ticker.Stop()

	// Announce once immediately; the ticker handles republish.
	if err := s.broker.Publish(ctx, InAnnouncementChannel, announcement); err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if err := s.broker.Publish(ctx, InAnnouncementChannel, announcement); err != nil {
				return nil, err
			}
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil, ErrRendezvousClosed
			}
			var m Match
			if err := json.Unmarshal(msg.Payload, &m); err != nil {
				log.Printf("[Match] discarding malformed match payload: %v", err)
				continue
			}
			log.Printf("[Match] matched out %s at %s (tunnel %s)", m.ID, m.Address, m.TunnelID)
			span.SetAttributes(attribute.String("out.addr", m.Address.String()))
			return &MatchOut{
				OutID:          m.ID,
				TunnelID:       m.TunnelID,
				TunnelLabels:   m.TunnelLabels,
				TunnelPriority: m.TunnelPriority,
				RoutingRules:   m.RoutingRules,
				Address:        m.Address,
			}, nil
		}
	}
}
