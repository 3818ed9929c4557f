//go:build !linux

package proxy

import (
	"fmt"
	"net"
	"net/netip"
)

// Transparent redirection is a Linux netfilter feature; elsewhere the
// interceptor can only serve explicitly dialed connections.
func originalDst(conn *net.TCPConn) (netip.AddrPort, error) {
	return netip.AddrPort{}, fmt.Errorf("transparent redirect is only supported on linux")
}

func markedDialer(mark int) *net.Dialer {
	return &net.Dialer{Timeout: dialTimeout}
}
