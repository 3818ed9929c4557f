// Package discovery determines a UDP socket's server-reflexive address
// via STUN (RFC 5389). Queries run over the socket that will later carry
// the tunnel, so the NAT mapping discovered here is the one the peer
// dials.
package discovery

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// STUN constants per RFC 5389
const (
	stunBindingRequest  = 0x0001
	stunBindingResponse = 0x0101
	stunMagicCookie     = 0x2112A442
	stunHeaderSize      = 20

	stunAttrMappedAddress    = 0x0001
	stunAttrXORMappedAddress = 0x0020
)

// ErrStunFailed is returned when no configured STUN server answered.
var ErrStunFailed = errors.New("all STUN servers failed")

var stunTracer = otel.Tracer("plug2proxy.stun")

// DefaultServers are used when the config names no STUN servers.
var DefaultServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

// QueryTimeout is the per-server response timeout.
const QueryTimeout = 3 * time.Second

// buildBindingRequest creates a minimal STUN Binding Request (RFC 5389
// Section 6): type(2) + length(2) + magic cookie(4) + transaction ID(12).
func buildBindingRequest() []byte {
	req := make([]byte, stunHeaderSize)
	binary.BigEndian.PutUint16(req[0:2], stunBindingRequest)
	binary.BigEndian.PutUint16(req[2:4], 0) // no attributes
	binary.BigEndian.PutUint32(req[4:8], stunMagicCookie)
	rand.Read(req[8:20])
	return req
}

// parseBindingResponse extracts the reflexive address from a STUN Binding
// Response. Validates the transaction ID matches the request, then
// prefers XOR-MAPPED-ADDRESS, falls back to MAPPED-ADDRESS.
func parseBindingResponse(data []byte, txnID [12]byte) (netip.AddrPort, error) {
	if len(data) < stunHeaderSize {
		return netip.AddrPort{}, fmt.Errorf("response too short: %d bytes", len(data))
	}

	msgType := binary.BigEndian.Uint16(data[0:2])
	if msgType != stunBindingResponse {
		return netip.AddrPort{}, fmt.Errorf("unexpected message type: 0x%04x", msgType)
	}

	cookie := binary.BigEndian.Uint32(data[4:8])
	if cookie != stunMagicCookie {
		return netip.AddrPort{}, fmt.Errorf("invalid magic cookie: 0x%08x", cookie)
	}

	// Transaction ID must match our request; rejects spoofed responses.
	var respTxnID [12]byte
	copy(respTxnID[:], data[8:20])
	if respTxnID != txnID {
		return netip.AddrPort{}, fmt.Errorf("transaction ID mismatch")
	}

	attrLen := binary.BigEndian.Uint16(data[2:4])
	if int(attrLen) > len(data)-stunHeaderSize {
		return netip.AddrPort{}, fmt.Errorf("attribute length %d exceeds data", attrLen)
	}

	attrs := data[stunHeaderSize : stunHeaderSize+int(attrLen)]

	var mapped netip.AddrPort
	for len(attrs) >= 4 {
		attrType := binary.BigEndian.Uint16(attrs[0:2])
		valLen := binary.BigEndian.Uint16(attrs[2:4])

		// Pad to 4-byte boundary
		padLen := valLen
		if padLen%4 != 0 {
			padLen += 4 - padLen%4
		}

		if int(4+valLen) > len(attrs) {
			break
		}

		val := attrs[4 : 4+valLen]

		switch attrType {
		case stunAttrXORMappedAddress:
			addr, err := parseXORMappedAddress(val, txnID)
			if err == nil {
				return addr, nil // preferred, return immediately
			}
		case stunAttrMappedAddress:
			addr, err := parseMappedAddress(val)
			if err == nil {
				mapped = addr
			}
		}

		attrs = attrs[4+padLen:]
	}

	if mapped.IsValid() {
		return mapped, nil
	}
	return netip.AddrPort{}, fmt.Errorf("no mapped address in response")
}

// parseXORMappedAddress decodes a XOR-MAPPED-ADDRESS attribute (RFC 5389
// Section 15.2).
func parseXORMappedAddress(val []byte, txnID [12]byte) (netip.AddrPort, error) {
	if len(val) < 4 {
		return netip.AddrPort{}, fmt.Errorf("XOR-MAPPED-ADDRESS too short")
	}

	family := val[1]
	xorPort := binary.BigEndian.Uint16(val[2:4])
	port := xorPort ^ uint16(stunMagicCookie>>16)

	switch family {
	case 0x01: // IPv4
		if len(val) < 8 {
			return netip.AddrPort{}, fmt.Errorf("XOR-MAPPED-ADDRESS IPv4 too short")
		}
		var cookieBytes [4]byte
		binary.BigEndian.PutUint32(cookieBytes[:], stunMagicCookie)
		var ip [4]byte
		for i := 0; i < 4; i++ {
			ip[i] = val[4+i] ^ cookieBytes[i]
		}
		return netip.AddrPortFrom(netip.AddrFrom4(ip), port), nil

	case 0x02: // IPv6
		if len(val) < 20 {
			return netip.AddrPort{}, fmt.Errorf("XOR-MAPPED-ADDRESS IPv6 too short")
		}
		var xorKey [16]byte
		binary.BigEndian.PutUint32(xorKey[0:4], stunMagicCookie)
		copy(xorKey[4:16], txnID[:])
		var ip [16]byte
		for i := 0; i < 16; i++ {
			ip[i] = val[4+i] ^ xorKey[i]
		}
		return netip.AddrPortFrom(netip.AddrFrom16(ip), port), nil

	default:
		return netip.AddrPort{}, fmt.Errorf("unknown address family: 0x%02x", family)
	}
}

// parseMappedAddress decodes a MAPPED-ADDRESS attribute (RFC 5389
// Section 15.1).
func parseMappedAddress(val []byte) (netip.AddrPort, error) {
	if len(val) < 4 {
		return netip.AddrPort{}, fmt.Errorf("MAPPED-ADDRESS too short")
	}

	family := val[1]
	port := binary.BigEndian.Uint16(val[2:4])

	switch family {
	case 0x01: // IPv4
		if len(val) < 8 {
			return netip.AddrPort{}, fmt.Errorf("MAPPED-ADDRESS IPv4 too short")
		}
		var ip [4]byte
		copy(ip[:], val[4:8])
		return netip.AddrPortFrom(netip.AddrFrom4(ip), port), nil

	case 0x02: // IPv6
		if len(val) < 20 {
			return netip.AddrPort{}, fmt.Errorf("MAPPED-ADDRESS IPv6 too short")
		}
		var ip [16]byte
		copy(ip[:], val[4:20])
		return netip.AddrPortFrom(netip.AddrFrom16(ip), port), nil

	default:
		return netip.AddrPort{}, fmt.Errorf("unknown address family: 0x%02x", family)
	}
}

// QueryConn sends a STUN Binding Request from an existing UDP socket and
// returns the server-reflexive address. The socket is the one the tunnel
// will use, so queries must finish before QUIC takes it over.
func QueryConn(conn *net.UDPConn, server string) (netip.AddrPort, error) {
	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %q: %w", server, err)
	}

	req := buildBindingRequest()
	var txnID [12]byte
	copy(txnID[:], req[8:20])

	if _, err := conn.WriteToUDP(req, raddr); err != nil {
		return netip.AddrPort{}, fmt.Errorf("send to %s: %w", server, err)
	}

	conn.SetReadDeadline(time.Now().Add(QueryTimeout))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 512)
	for {
		n, sender, err := conn.ReadFromUDP(buf)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("read from %s: %w", server, err)
		}
		// Datagrams from other senders are stray hole-punch traffic, not
		// the STUN answer; keep reading until the deadline.
		if sender == nil || !sender.IP.Equal(raddr.IP) {
			continue
		}
		return parseBindingResponse(buf[:n], txnID)
	}
}

// DiscoverReflexive queries the configured servers in order from the
// given socket and returns the first successful reflexive address.
func DiscoverReflexive(conn *net.UDPConn, servers []string) (netip.AddrPort, error) {
	_, span := stunTracer.Start(context.Background(), "stun.discover")
	defer span.End()

	if len(servers) == 0 {
		servers = DefaultServers
	}

	var lastErr error
	for _, server := range servers {
		addr, err := QueryConn(conn, server)
		if err != nil {
			lastErr = err
			continue
		}
		span.SetAttributes(attribute.String("reflexive.addr", addr.String()))
		return addr, nil
	}
	if lastErr != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %v", ErrStunFailed, lastErr)
	}
	return netip.AddrPort{}, ErrStunFailed
}
