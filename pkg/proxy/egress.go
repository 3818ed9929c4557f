package proxy

import (
	"context"
	"encoding/binary"
	"io"
	"log"
	"net"
	"time"

	"github.com/vilic/plug2proxy/pkg/tunnel"
)

// ServeOut drains one OUT-side tunnel: every accepted stream is dialed
// to its destination and relayed until either side finishes. Returns
// when the tunnel is lost or the context is cancelled.
func ServeOut(ctx context.Context, t *tunnel.OutTunnel) {
	for {
		dst, network, stream, err := t.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[Proxy] tunnel %s: %v", t.ID(), err)
			}
			return
		}

		go func() {
			defer stream.Close()

			dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
			defer cancel()

			dialer := &net.Dialer{}
			target, err := dialer.DialContext(dialCtx, network, dst.String())
			if err != nil {
				log.Printf("[Proxy] tunnel %s: dial %s %s: %v", t.ID(), network, dst, err)
				return
			}
			defer target.Close()

			if network == "udp" {
				relayDatagrams(stream, target)
				return
			}
			relay(stream, target)
		}()
	}
}

// udpIdleTimeout closes a datagram relay with no traffic in either
// direction.
const udpIdleTimeout = 2 * time.Minute

// relayDatagrams bridges a length-prefixed datagram stream and a UDP
// socket. Each stream record is `len(2, BE) | payload`; each UDP
// read becomes one record.
func relayDatagrams(stream io.ReadWriteCloser, target net.Conn) {
	done := make(chan struct{}, 2)

	// stream -> target
	go func() {
		defer func() { done <- struct{}{} }()
		var lenBuf [2]byte
		buf := make([]byte, 64*1024)
		for {
			if _, err := io.ReadFull(stream, lenBuf[:]); err != nil {
				return
			}
			n := int(binary.BigEndian.Uint16(lenBuf[:]))
			if _, err := io.ReadFull(stream, buf[:n]); err != nil {
				return
			}
			if _, err := target.Write(buf[:n]); err != nil {
				return
			}
		}
	}()

	// target -> stream
	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 64*1024)
		for {
			target.SetReadDeadline(time.Now().Add(udpIdleTimeout))
			n, err := target.Read(buf[2:])
			if err != nil {
				return
			}
			binary.BigEndian.PutUint16(buf[:2], uint16(n))
			if _, err := stream.Write(buf[:2+n]); err != nil {
				return
			}
		}
	}()

	<-done
	stream.Close()
	target.Close()
	<-done
}
