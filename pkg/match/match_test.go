package match

import (
	"context"
	"encoding/json"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vilic/plug2proxy/pkg/router"
)

// fakeBroker is an in-process Broker with the same semantics the
// protocol relies on: fan-out publish, per-channel subscriptions, and a
// create-only key set. Lock TTLs are driven manually via expire().
type fakeBroker struct {
	mu   sync.Mutex
	subs map[string][]*fakeSub
	keys map[string]string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		subs: make(map[string][]*fakeSub),
		keys: make(map[string]string),
	}
}

type fakeSub struct {
	broker  *fakeBroker
	channel string
	msgs    chan Message
	once    sync.Once
}

func (s *fakeSub) Messages() <-chan Message { return s.msgs }

func (s *fakeSub) Close() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	subs := s.broker.subs[s.channel]
	for i, sub := range subs {
		if sub == s {
			s.broker.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.once.Do(func() { close(s.msgs) })
	return nil
}

func (b *fakeBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	subs := append([]*fakeSub(nil), b.subs[channel]...)
	b.mu.Unlock()
	for _, sub := range subs {
		select {
		case sub.msgs <- Message{Channel: channel, Payload: payload}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *fakeBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &fakeSub{broker: b, channel: channel, msgs: make(chan Message, 64)}
	b.subs[channel] = append(b.subs[channel], sub)
	return sub, nil
}

func (b *fakeBroker) SetNXEx(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.keys[key]; exists {
		return false, nil
	}
	b.keys[key] = value
	return true, nil
}

func (b *fakeBroker) Close() error { return nil }

// expire simulates the broker-side TTL firing.
func (b *fakeBroker) expire(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.keys, key)
}

func (b *fakeBroker) hasKey(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.keys[key]
	return ok
}

var (
	testInAddr  = netip.MustParseAddrPort("10.0.0.1:5001")
	testOutAddr = netip.MustParseAddrPort("10.0.0.2:7001")
)

func TestMatchOutReceivesMatch(t *testing.T) {
	broker := newFakeBroker()
	inID := uuid.New()
	outID := uuid.New()
	tunnelID := uuid.New()

	// Answer the first announcement like a winning OUT would.
	announcements, _ := broker.Subscribe(context.Background(), InAnnouncementChannel)
	go func() {
		<-announcements.Messages()
		broker.Publish(context.Background(), MatchChannelName(inID, testInAddr), mustJSON(t, Match{
			ID:             outID,
			TunnelID:       tunnelID,
			TunnelLabels:   []string{"default"},
			TunnelPriority: 3,
			Address:        testOutAddr,
		}))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := NewInServer(broker).MatchOut(ctx, inID, testInAddr)
	if err != nil {
		t.Fatalf("MatchOut: %v", err)
	}
	if got.OutID != outID || got.TunnelID != tunnelID || got.Address != testOutAddr {
		t.Errorf("MatchOut = %+v", got)
	}
	if got.TunnelPriority != 3 || len(got.TunnelLabels) != 1 || got.TunnelLabels[0] != "default" {
		t.Errorf("match attributes = %+v", got)
	}
}

func TestMatchOutSubscriptionClosed(t *testing.T) {
	broker := newFakeBroker()
	inID := uuid.New()

	// Kill the match subscription after the first announcement lands.
	announcements, _ := broker.Subscribe(context.Background(), InAnnouncementChannel)
	go func() {
		<-announcements.Messages()
		broker.mu.Lock()
		subs := append([]*fakeSub(nil), broker.subs[MatchChannelName(inID, testInAddr)]...)
		broker.mu.Unlock()
		for _, s := range subs {
			s.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := NewInServer(broker).MatchOut(ctx, inID, testInAddr)
	if !errors.Is(err, ErrRendezvousClosed) {
		t.Fatalf("err = %v, want ErrRendezvousClosed", err)
	}
}

func TestMatchOutCancelled(t *testing.T) {
	broker := newFakeBroker()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := NewInServer(broker).MatchOut(ctx, uuid.New(), testInAddr)
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("MatchOut did not return after cancellation")
	}

	// Cancellation must drop the match subscription.
	broker.mu.Lock()
	defer broker.mu.Unlock()
	for ch, subs := range broker.subs {
		if len(subs) != 0 {
			t.Errorf("channel %s still has %d subscribers after cancel", ch, len(subs))
		}
	}
}

func TestMatchInPairsWithAnnouncement(t *testing.T) {
	broker := newFakeBroker()
	inID := uuid.New()
	outID := uuid.New()
	rules := []router.OutRule{{Type: router.MatchGeoIP, Match: []string{"US"}}}

	server, err := NewOutServer(context.Background(), broker, []string{"us"})
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	// The IN's match channel, observed like the IN would.
	matchSub, _ := broker.Subscribe(context.Background(), MatchChannelName(inID, testInAddr))

	publishAnnouncement(t, broker, inID, testInAddr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mi, err := server.MatchIn(ctx, outID, testOutAddr, 7, rules)
	if err != nil {
		t.Fatalf("MatchIn: %v", err)
	}
	if mi.InID != inID || mi.Address != testInAddr {
		t.Errorf("MatchIn = %+v", mi)
	}
	if mi.TunnelID == uuid.Nil {
		t.Error("MatchIn minted no tunnel id")
	}

	if !broker.hasKey(MatchLockKey(inID, testInAddr)) {
		t.Error("match lock was not taken")
	}

	select {
	case msg := <-matchSub.Messages():
		var m Match
		if err := jsonUnmarshal(msg.Payload, &m); err != nil {
			t.Fatalf("bad match payload: %v", err)
		}
		if m.ID != outID || m.TunnelID != mi.TunnelID || m.TunnelPriority != 7 {
			t.Errorf("published match = %+v", m)
		}
		if len(m.TunnelLabels) != 1 || m.TunnelLabels[0] != "us" {
			t.Errorf("published labels = %v", m.TunnelLabels)
		}
		if len(m.RoutingRules) != 1 || m.RoutingRules[0].Type != router.MatchGeoIP {
			t.Errorf("published rules = %+v", m.RoutingRules)
		}
	case <-time.After(time.Second):
		t.Fatal("no Match published on the match channel")
	}
}

func TestMatchInSkipsRegistered(t *testing.T) {
	broker := newFakeBroker()
	registeredIn := uuid.New()
	otherIn := uuid.New()
	otherAddr := netip.MustParseAddrPort("10.0.0.9:5009")

	server, err := NewOutServer(context.Background(), broker, []string{"default"})
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	server.RegisterIn(registeredIn)

	publishAnnouncement(t, broker, registeredIn, testInAddr)
	publishAnnouncement(t, broker, otherIn, otherAddr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mi, err := server.MatchIn(ctx, uuid.New(), testOutAddr, 0, nil)
	if err != nil {
		t.Fatalf("MatchIn: %v", err)
	}
	if mi.InID != otherIn {
		t.Errorf("paired with %s, want the unregistered IN %s", mi.InID, otherIn)
	}
	if broker.hasKey(MatchLockKey(registeredIn, testInAddr)) {
		t.Error("lock taken for a registered IN")
	}

	// After unregistering, the IN is matchable again.
	server.UnregisterIn(registeredIn)
	publishAnnouncement(t, broker, registeredIn, testInAddr)

	mi, err = server.MatchIn(ctx, uuid.New(), testOutAddr, 0, nil)
	if err != nil {
		t.Fatalf("MatchIn after unregister: %v", err)
	}
	if mi.InID != registeredIn {
		t.Errorf("paired with %s, want %s", mi.InID, registeredIn)
	}
}

// Two OUTs race one announcement: exactly one wins the lock, and the
// loser pairs with the next announcement instead.
func TestMatchInLockRace(t *testing.T) {
	broker := newFakeBroker()
	inID := uuid.New()

	serverA, err := NewOutServer(context.Background(), broker, []string{"a"})
	if err != nil {
		t.Fatal(err)
	}
	defer serverA.Close()
	serverB, err := NewOutServer(context.Background(), broker, []string{"b"})
	if err != nil {
		t.Fatal(err)
	}
	defer serverB.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		mi  *MatchIn
		err error
	}
	results := make(chan result, 2)
	for _, s := range []*OutServer{serverA, serverB} {
		go func(s *OutServer) {
			mi, err := s.MatchIn(ctx, uuid.New(), testOutAddr, 0, nil)
			results <- result{mi, err}
		}(s)
	}

	publishAnnouncement(t, broker, inID, testInAddr)

	// Exactly one OUT wins the first announcement.
	first := <-results
	if first.err != nil {
		t.Fatalf("winner: %v", first.err)
	}
	if first.mi.InID != inID {
		t.Errorf("winner paired with %s, want %s", first.mi.InID, inID)
	}

	select {
	case r := <-results:
		t.Fatalf("both OUTs returned for one announcement: %+v", r)
	case <-time.After(200 * time.Millisecond):
	}

	// A second IN's announcement unblocks the loser.
	secondIn := uuid.New()
	secondAddr := netip.MustParseAddrPort("10.0.0.3:5003")
	publishAnnouncement(t, broker, secondIn, secondAddr)

	second := <-results
	if second.err != nil {
		t.Fatalf("loser: %v", second.err)
	}
	if second.mi.InID != secondIn {
		t.Errorf("loser paired with %s, want %s", second.mi.InID, secondIn)
	}
	if first.mi.TunnelID == second.mi.TunnelID {
		t.Error("tunnel ids are not unique across pairings")
	}
}

// A ghost lock (winner crashed between SET and PUBLISH) blocks pairing
// only until its TTL fires.
func TestMatchInGhostLockExpiry(t *testing.T) {
	broker := newFakeBroker()
	inID := uuid.New()
	lockKey := MatchLockKey(inID, testInAddr)

	// Simulate a crashed OUT holding the lock.
	if won, _ := broker.SetNXEx(context.Background(), lockKey, "10.9.9.9:1", LockTTLSeconds*time.Second); !won {
		t.Fatal("setup: lock not taken")
	}

	server, err := NewOutServer(context.Background(), broker, []string{"default"})
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := make(chan *MatchIn, 1)
	go func() {
		mi, err := server.MatchIn(ctx, uuid.New(), testOutAddr, 0, nil)
		if err == nil {
			results <- mi
		}
	}()

	publishAnnouncement(t, broker, inID, testInAddr)
	select {
	case mi := <-results:
		t.Fatalf("paired %+v while ghost lock held", mi)
	case <-time.After(200 * time.Millisecond):
	}

	// TTL fires; the next announcement is matchable.
	broker.expire(lockKey)
	publishAnnouncement(t, broker, inID, testInAddr)

	select {
	case mi := <-results:
		if mi.InID != inID {
			t.Errorf("paired with %s, want %s", mi.InID, inID)
		}
	case <-time.After(time.Second):
		t.Fatal("no pairing after lock expiry")
	}
}

func TestMatchInSubscriptionClosed(t *testing.T) {
	broker := newFakeBroker()

	server, err := NewOutServer(context.Background(), broker, nil)
	if err != nil {
		t.Fatal(err)
	}
	server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err = server.MatchIn(ctx, uuid.New(), testOutAddr, 0, nil)
	if !errors.Is(err, ErrRendezvousClosed) {
		t.Fatalf("err = %v, want ErrRendezvousClosed", err)
	}
}

// Full rendezvous between one IN and one OUT: both sides return the
// same tunnel id and each other's reflexive address.
func TestEndToEndPairing(t *testing.T) {
	broker := newFakeBroker()
	inID := uuid.New()
	outID := uuid.New()

	outServer, err := NewOutServer(context.Background(), broker, []string{"default"})
	if err != nil {
		t.Fatal(err)
	}
	defer outServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	outDone := make(chan *MatchIn, 1)
	go func() {
		mi, err := outServer.MatchIn(ctx, outID, testOutAddr, 0, nil)
		if err == nil {
			outDone <- mi
		}
	}()

	mo, err := NewInServer(broker).MatchOut(ctx, inID, testInAddr)
	if err != nil {
		t.Fatalf("MatchOut: %v", err)
	}

	var mi *MatchIn
	select {
	case mi = <-outDone:
	case <-time.After(time.Second):
		t.Fatal("OUT never completed the pairing")
	}

	if mo.TunnelID != mi.TunnelID {
		t.Errorf("tunnel ids differ: in=%s out=%s", mo.TunnelID, mi.TunnelID)
	}
	if mo.OutID != outID || mi.InID != inID {
		t.Errorf("identities crossed wrong: %+v / %+v", mo, mi)
	}
	if mo.Address != testOutAddr || mi.Address != testInAddr {
		t.Errorf("addresses crossed wrong: %+v / %+v", mo, mi)
	}
}

// One IN, two OUTs: each OUT pairs once (and registers the IN it won),
// so the winner stops reading and a second announcement from the same
// IN pairs with the other OUT.
func TestEndToEndTwoOuts(t *testing.T) {
	broker := newFakeBroker()
	inID := uuid.New()

	serverA, err := NewOutServer(context.Background(), broker, []string{"a"})
	if err != nil {
		t.Fatal(err)
	}
	defer serverA.Close()
	serverB, err := NewOutServer(context.Background(), broker, []string{"b"})
	if err != nil {
		t.Fatal(err)
	}
	defer serverB.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	inServer := NewInServer(broker)

	winners := make(chan string, 2)
	for name, s := range map[string]*OutServer{"a": serverA, "b": serverB} {
		go func(name string, s *OutServer) {
			mi, err := s.MatchIn(ctx, uuid.New(), testOutAddr, 0, nil)
			if err != nil {
				return
			}
			s.RegisterIn(mi.InID)
			winners <- name
		}(name, s)
	}

	// First slot pairs with one OUT.
	first, err := inServer.MatchOut(ctx, inID, testInAddr)
	if err != nil {
		t.Fatalf("first MatchOut: %v", err)
	}
	firstWinner := <-winners

	// Second slot announces from a new reflexive address; only the
	// other OUT may claim it.
	secondAddr := netip.MustParseAddrPort("10.0.0.1:5002")
	second, err := inServer.MatchOut(ctx, inID, secondAddr)
	if err != nil {
		t.Fatalf("second MatchOut: %v", err)
	}
	secondWinner := <-winners

	if firstWinner == secondWinner {
		t.Errorf("both slots paired with OUT %q", firstWinner)
	}
	if first.TunnelLabels[0] == second.TunnelLabels[0] {
		t.Errorf("both matches carry labels %v", first.TunnelLabels)
	}
	if first.TunnelID == second.TunnelID {
		t.Error("tunnel ids not unique across pairings")
	}
}

func publishAnnouncement(t *testing.T, broker *fakeBroker, id uuid.UUID, addr netip.AddrPort) {
	t.Helper()
	payload := mustJSON(t, InAnnouncement{ID: id, Address: addr})
	if err := broker.Publish(context.Background(), InAnnouncementChannel, payload); err != nil {
		t.Fatalf("publish announcement: %v", err)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	buf, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return buf
}

func jsonUnmarshal(buf []byte, v any) error {
	return json.Unmarshal(buf, v)
}
