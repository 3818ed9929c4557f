package tunnel

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"
)

const (
	punchPackets  = 3
	punchInterval = 100 * time.Millisecond
)

// punchPayload is what lands in the peer's socket buffer before QUIC
// starts; any content works since both sides discard pre-handshake
// datagrams, but a recognizable tag helps packet captures.
var punchPayload = []byte("p2p-punch")

// Punch primes the NAT mapping toward the peer's reflexive address by
// sending a short burst of UDP datagrams from the tunnel socket. Both
// sides burst after the rendezvous exchange; whichever side's packets
// arrive second pass a mapping that already exists.
func Punch(ctx context.Context, socket *net.UDPConn, peer netip.AddrPort) error {
	raddr := net.UDPAddrFromAddrPort(peer)
	for i := 0; i < punchPackets; i++ {
		if _, err := socket.WriteToUDP(punchPayload, raddr); err != nil {
			return fmt.Errorf("punch %s: %w", peer, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(punchInterval):
		}
	}
	return nil
}
