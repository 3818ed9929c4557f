// Package tunnel carries intercepted traffic between an IN and an OUT
// over a multiplexed QUIC connection established through a hole-punched
// UDP mapping. One UDP socket per tunnel serves STUN discovery, the
// punch burst, and the QUIC transport in turn, so the NAT mapping the
// peer dials is the one QUIC answers on.
package tunnel

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// alpn is required by quic-go; peers never verify it against
	// anything else.
	alpn = "plug2proxy"

	// HandshakeTimeout bounds the QUIC handshake after the punch burst.
	HandshakeTimeout = 15 * time.Second

	keepAlivePeriod = 15 * time.Second
	maxIdleTimeout  = 30 * time.Second
)

// NewTransport wraps an already-bound UDP socket in a QUIC transport
// that can both dial and listen on the same 4-tuple. The transport does
// not take ownership of the socket; the caller closes both.
func NewTransport(socket *net.UDPConn) *quic.Transport {
	return &quic.Transport{Conn: socket}
}

// Config returns the QUIC configuration shared by both roles. The
// keepalive detects dead peers; idle timeout tears the tunnel down when
// the path is gone.
func Config() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: HandshakeTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		MaxIdleTimeout:       maxIdleTimeout,
	}
}

// ServerTLSConfig generates a throwaway self-signed certificate for
// localhost. Identity is established by the rendezvous exchange, not by
// TLS: only the matched peer learns this endpoint's reflexive address
// within the lock window. TLS here provides key agreement and transport
// obfuscation.
func ServerTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
		}},
		NextProtos: []string{alpn},
	}, nil
}

// ClientTLSConfig accepts any server certificate. Do not tighten this
// without introducing a secret shared through the rendezvous exchange;
// the peer's cert is freshly generated per tunnel and pins nothing.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
	}
}
