package tunnel

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
)

// Stream head frame. The first bytes of every tunnel stream name the
// destination; everything after is the raw byte stream.
//
//	family(1) | address(4 or 16) | port(2, BE) | proto(1)
const (
	familyIPv4 = 4
	familyIPv6 = 6

	// ProtoTCP carries one TCP connection per stream.
	ProtoTCP = 0
	// ProtoUDP multiplexes length-prefixed datagrams on the stream.
	ProtoUDP = 1
)

// writeStreamHead frames the destination onto a freshly opened stream.
func writeStreamHead(w io.Writer, dst netip.AddrPort, proto byte) error {
	addr := dst.Addr().Unmap()

	var buf []byte
	if addr.Is4() {
		buf = make([]byte, 1+4+2+1)
		buf[0] = familyIPv4
		a := addr.As4()
		copy(buf[1:5], a[:])
		binary.BigEndian.PutUint16(buf[5:7], dst.Port())
		buf[7] = proto
	} else {
		buf = make([]byte, 1+16+2+1)
		buf[0] = familyIPv6
		a := addr.As16()
		copy(buf[1:17], a[:])
		binary.BigEndian.PutUint16(buf[17:19], dst.Port())
		buf[19] = proto
	}

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write stream head: %w", err)
	}
	return nil
}

// readStreamHead decodes the destination from a freshly accepted stream.
func readStreamHead(r io.Reader) (netip.AddrPort, byte, error) {
	var family [1]byte
	if _, err := io.ReadFull(r, family[:]); err != nil {
		return netip.AddrPort{}, 0, fmt.Errorf("read stream head: %w", err)
	}

	var addrLen int
	switch family[0] {
	case familyIPv4:
		addrLen = 4
	case familyIPv6:
		addrLen = 16
	default:
		return netip.AddrPort{}, 0, fmt.Errorf("stream head: unknown address family 0x%02x", family[0])
	}

	rest := make([]byte, addrLen+2+1)
	if _, err := io.ReadFull(r, rest); err != nil {
		return netip.AddrPort{}, 0, fmt.Errorf("read stream head: %w", err)
	}

	var addr netip.Addr
	if addrLen == 4 {
		addr = netip.AddrFrom4([4]byte(rest[:4]))
	} else {
		addr = netip.AddrFrom16([16]byte(rest[:16]))
	}
	port := binary.BigEndian.Uint16(rest[addrLen : addrLen+2])
	proto := rest[addrLen+2]

	if proto != ProtoTCP && proto != ProtoUDP {
		return netip.AddrPort{}, 0, fmt.Errorf("stream head: unknown protocol 0x%02x", proto)
	}

	return netip.AddrPortFrom(addr, port), proto, nil
}
