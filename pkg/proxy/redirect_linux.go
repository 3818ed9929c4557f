//go:build linux

package proxy

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"syscall"
)

// SO_ORIGINAL_DST from linux/netfilter_ipv4.h; reads the pre-REDIRECT
// destination out of the kernel's NAT table.
const soOriginalDst = 80

// originalDst recovers the original destination of an intercepted TCP
// connection. Only IPv4 REDIRECT is supported.
func originalDst(conn *net.TCPConn) (netip.AddrPort, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("raw conn: %w", err)
	}

	var (
		dst    netip.AddrPort
		optErr error
	)
	ctrlErr := raw.Control(func(fd uintptr) {
		// sockaddr_in fits inside the 20-byte IPv6Mreq buffer; this is
		// the portable stdlib way to issue the getsockopt.
		mreq, err := syscall.GetsockoptIPv6Mreq(int(fd), syscall.IPPROTO_IP, soOriginalDst)
		if err != nil {
			optErr = err
			return
		}
		port := binary.BigEndian.Uint16(mreq.Multiaddr[2:4])
		dst = netip.AddrPortFrom(netip.AddrFrom4([4]byte(mreq.Multiaddr[4:8])), port)
	})
	if ctrlErr != nil {
		return netip.AddrPort{}, fmt.Errorf("raw control: %w", ctrlErr)
	}
	if optErr != nil {
		return netip.AddrPort{}, fmt.Errorf("SO_ORIGINAL_DST: %w", optErr)
	}
	return dst, nil
}

// markedDialer returns a dialer whose sockets carry the configured
// fwmark, so the redirect rules skip traffic the proxy originates
// itself.
func markedDialer(mark int) *net.Dialer {
	d := &net.Dialer{Timeout: dialTimeout}
	if mark == 0 {
		return d
	}
	d.Control = func(network, address string, c syscall.RawConn) error {
		var optErr error
		err := c.Control(func(fd uintptr) {
			optErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_MARK, mark)
		})
		if err != nil {
			return err
		}
		return optErr
	}
	return d
}
