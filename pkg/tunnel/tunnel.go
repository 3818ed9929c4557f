package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/vilic/plug2proxy/pkg/router"
)

// closeTunnelGone signals a deliberate local teardown to the peer.
const closeTunnelGone = quic.ApplicationErrorCode(0)

// Stream is one bidirectional byte stream inside a tunnel. Close aborts
// the read side too, so half-open streams do not linger after either
// relay direction finishes.
type Stream struct {
	*quic.Stream
}

// Close shuts down both directions of the stream.
func (s Stream) Close() error {
	s.CancelRead(quic.StreamErrorCode(0))
	return s.Stream.Close()
}

// tunnelBase holds what both tunnel variants share: the QUIC connection,
// the socket under it, and the immutable attributes fixed at match time.
type tunnelBase struct {
	conn      *quic.Conn
	transport *quic.Transport
	socket    *net.UDPConn
	listener  *quic.Listener // OUT side only

	id       uuid.UUID
	labels   []string
	priority int64
	rules    []router.OutRule
	peer     netip.AddrPort
}

// ID returns the pairing-scoped tunnel identifier.
func (t *tunnelBase) ID() uuid.UUID { return t.id }

// Labels returns the OUT's labels, fixed at match time.
func (t *tunnelBase) Labels() []string { return t.labels }

// Priority returns the OUT's priority, fixed at match time.
func (t *tunnelBase) Priority() int64 { return t.priority }

// RoutingRules returns the OUT's per-tunnel rules, fixed at match time.
func (t *tunnelBase) RoutingRules() []router.OutRule { return t.rules }

// Peer returns the remote reflexive address.
func (t *tunnelBase) Peer() netip.AddrPort { return t.peer }

// Closed returns a channel that is closed once the underlying transport
// is lost, whether by keepalive timeout, peer close, or local Close.
func (t *tunnelBase) Closed() <-chan struct{} { return t.conn.Context().Done() }

// Close tears the tunnel down and releases its socket. Open streams are
// aborted.
func (t *tunnelBase) Close() error {
	err := t.conn.CloseWithError(closeTunnelGone, "tunnel closed")
	if t.listener != nil {
		t.listener.Close()
	}
	t.transport.Close()
	t.socket.Close()
	return err
}

// InTunnel is the initiator side: the IN opens one stream per
// intercepted connection.
type InTunnel struct {
	tunnelBase
}

// NewInTunnel binds a dialed QUIC connection to its match attributes.
// The tunnel takes ownership of the transport and socket.
func NewInTunnel(conn *quic.Conn, transport *quic.Transport, socket *net.UDPConn,
	id uuid.UUID, labels []string, priority int64, rules []router.OutRule, peer netip.AddrPort) *InTunnel {
	return &InTunnel{tunnelBase{
		conn:      conn,
		transport: transport,
		socket:    socket,
		id:        id,
		labels:    labels,
		priority:  priority,
		rules:     rules,
		peer:      peer,
	}}
}

// OpenStream opens a stream to the given destination through the tunnel.
// network is "tcp" or "udp".
func (t *InTunnel) OpenStream(ctx context.Context, dst netip.AddrPort, network string) (io.ReadWriteCloser, error) {
	var proto byte
	switch network {
	case "tcp":
		proto = ProtoTCP
	case "udp":
		proto = ProtoUDP
	default:
		return nil, fmt.Errorf("open stream: unsupported network %q", network)
	}

	qs, err := t.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream on tunnel %s: %w", t.id, err)
	}
	if err := writeStreamHead(qs, dst, proto); err != nil {
		qs.CancelWrite(quic.StreamErrorCode(0))
		qs.CancelRead(quic.StreamErrorCode(0))
		return nil, err
	}
	return Stream{qs}, nil
}

// OutTunnel is the acceptor side: the OUT accepts streams and dials the
// destinations they name.
type OutTunnel struct {
	tunnelBase
	inID uuid.UUID
}

// NewOutTunnel binds an accepted QUIC connection to its match
// attributes. The tunnel takes ownership of the listener, transport and
// socket.
func NewOutTunnel(conn *quic.Conn, transport *quic.Transport, socket *net.UDPConn, listener *quic.Listener,
	id, inID uuid.UUID, labels []string, priority int64, rules []router.OutRule, peer netip.AddrPort) *OutTunnel {
	return &OutTunnel{
		tunnelBase: tunnelBase{
			conn:      conn,
			transport: transport,
			socket:    socket,
			listener:  listener,
			id:        id,
			labels:    labels,
			priority:  priority,
			rules:     rules,
			peer:      peer,
		},
		inID: inID,
	}
}

// InID returns the identity of the paired IN.
func (t *OutTunnel) InID() uuid.UUID { return t.inID }

// AcceptStream blocks for the next stream and decodes its destination.
// network is "tcp" or "udp".
func (t *OutTunnel) AcceptStream(ctx context.Context) (dst netip.AddrPort, network string, rwc io.ReadWriteCloser, err error) {
	qs, err := t.conn.AcceptStream(ctx)
	if err != nil {
		return netip.AddrPort{}, "", nil, fmt.Errorf("accept stream on tunnel %s: %w", t.id, err)
	}

	dst, proto, err := readStreamHead(qs)
	if err != nil {
		qs.CancelWrite(quic.StreamErrorCode(0))
		qs.CancelRead(quic.StreamErrorCode(0))
		return netip.AddrPort{}, "", nil, err
	}

	network = "tcp"
	if proto == ProtoUDP {
		network = "udp"
	}
	return dst, network, Stream{qs}, nil
}
