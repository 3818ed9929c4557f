package match

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/vilic/plug2proxy/pkg/router"
)

var (
	outMeter = otel.Meter("plug2proxy.match")

	metricLocksWon  metric.Int64Counter
	metricLocksLost metric.Int64Counter
)

func init() {
	var err error

	metricLocksWon, err = outMeter.Int64Counter("plug2proxy.match.locks_won",
		metric.WithDescription("Announcement locks this OUT claimed"),
		metric.WithUnit("{locks}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}

	metricLocksLost, err = outMeter.Int64Counter("plug2proxy.match.locks_lost",
		metric.WithDescription("Announcement locks another OUT claimed first"),
		metric.WithUnit("{locks}"),
	)
	if err != nil {
		panic("otel meter: " + err.Error())
	}
}

// OutServer is the OUT side of the rendezvous protocol. It consumes the
// global announcement stream and claims one announcement at a time.
//
// The announcement subscription is serialized by recvMu: only one MatchIn
// call reads it at a time.
type OutServer struct {
	broker Broker
	labels []string

	recvMu sync.Mutex
	sub    Subscription

	idMu  sync.Mutex
	inIDs map[uuid.UUID]struct{}
}

// NewOutServer wraps a broker connection and subscribes to the global
// announcement channel.
func NewOutServer(ctx context.Context, broker Broker, labels []string) (*OutServer, error) {
	sub, err := broker.Subscribe(ctx, InAnnouncementChannel)
	if err != nil {
		return nil, err
	}
	return &OutServer{
		broker: broker,
		labels: labels,
		sub:    sub,
		inIDs:  make(map[uuid.UUID]struct{}),
	}, nil
}

// Close drops the announcement subscription.
func (s *OutServer) Close() error {
	return s.sub.Close()
}

// MatchIn blocks until this OUT wins an announcement: it skips INs it is
// already paired with, races other OUTs for the match lock, and on
// success publishes the Match record with a fresh tunnel id.
func (s *OutServer) MatchIn(ctx context.Context, outID uuid.UUID, outAddr netip.AddrPort, priority int64, rules []router.OutRule) (*MatchIn, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	for {
		ann, err := s.nextAnnouncement(ctx)
		if err != nil {
			return nil, err
		}

		if s.registered(ann.ID) {
			continue
		}

		won, err := s.broker.SetNXEx(ctx, MatchLockKey(ann.ID, ann.Address), outAddr.String(), LockTTLSeconds*time.Second)
		if err != nil {
			return nil, err
		}
		if !won {
			metricLocksLost.Add(ctx, 1)
			continue
		}
		metricLocksWon.Add(ctx, 1)

		tunnelID := uuid.New()
		payload, err := json.Marshal(Match{
			ID:             outID,
			TunnelID:       tunnelID,
			TunnelLabels:   s.labels,
			TunnelPriority: priority,
			RoutingRules:   rules,
			Address:        outAddr,
		})
		if err != nil {
			return nil, fmt.Errorf("encode match: %w", err)
		}
		if err := s.broker.Publish(ctx, MatchChannelName(ann.ID, ann.Address), payload); err != nil {
			return nil, err
		}

		log.Printf("[Match] matched in %s at %s (tunnel %s)", ann.ID, ann.Address, tunnelID)
		return &MatchIn{InID: ann.ID, TunnelID: tunnelID, Address: ann.Address}, nil
	}
}

func (s *OutServer) nextAnnouncement(ctx context.Context) (*InAnnouncement, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-s.sub.Messages():
			if !ok {
				return nil, ErrRendezvousClosed
			}
			if msg.Channel != InAnnouncementChannel {
				continue
			}
			var ann InAnnouncement
			if err := json.Unmarshal(msg.Payload, &ann); err != nil {
				continue
			}
			return &ann, nil
		}
	}
}

// RegisterIn marks an IN as paired so MatchIn skips its announcements.
func (s *OutServer) RegisterIn(inID uuid.UUID) {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	s.inIDs[inID] = struct{}{}
}

// UnregisterIn lifts the filter after the tunnel to that IN is lost.
func (s *OutServer) UnregisterIn(inID uuid.UUID) {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	delete(s.inIDs, inID)
}

func (s *OutServer) registered(inID uuid.UUID) bool {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	_, ok := s.inIDs[inID]
	return ok
}
