package quictransport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sheerbytes/quicdrop/internal/identity"
)

const (
	// ALPNProtocol is the Application-Layer Protocol Negotiation identifier for quicdrop.
	ALPNProtocol = "quicdrop/1"

	// DefaultMaxIncomingUniStreams bounds concurrent unidirectional streams per connection.
	DefaultMaxIncomingUniStreams = 255
)

// ServerConfig returns a TLS configuration presenting the given identity.
func ServerConfig(id identity.Identity) (*tls.Config, error) {
	cert, err := id.TLSCertificate()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientConfig returns a TLS configuration that only trusts the given roots.
func ClientConfig(roots *x509.CertPool, serverName string) *tls.Config {
	return &tls.Config{
		RootCAs:    roots,
		ServerName: serverName,
		NextProtos: []string{ALPNProtocol},
		MinVersion: tls.VersionTLS13,
	}
}

// DefaultServerQUICConfig returns the default QUIC server config.
// Bidirectional streams are refused; maxUniStreams <= 0 selects the default.
func DefaultServerQUICConfig(maxUniStreams int) *quic.Config {
	if maxUniStreams <= 0 {
		maxUniStreams = DefaultMaxIncomingUniStreams
	}
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		HandshakeIdleTimeout:           10 * time.Second,
		MaxIncomingStreams:             -1,
		MaxIncomingUniStreams:          int64(maxUniStreams),
		InitialConnectionReceiveWindow: 2 * 1024 * 1024,
		MaxConnectionReceiveWindow:     64 * 1024 * 1024,
		InitialStreamReceiveWindow:     1 * 1024 * 1024,
		MaxStreamReceiveWindow:         16 * 1024 * 1024,
	}
}

// DefaultClientQUICConfig returns the default QUIC client config.
// The client accepts a single unidirectional stream, the receipt stream.
func DefaultClientQUICConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:       10 * time.Second,
		MaxIdleTimeout:        30 * time.Second,
		HandshakeIdleTimeout:  10 * time.Second,
		MaxIncomingStreams:    -1,
		MaxIncomingUniStreams: 1,
	}
}

// Listen creates a QUIC listener on the given PacketConn.
func Listen(udpConn net.PacketConn, tlsConfig *tls.Config, config *quic.Config, logger *slog.Logger) (*quic.Listener, error) {
	if config == nil {
		config = DefaultServerQUICConfig(0)
	}

	listener, err := quic.Listen(udpConn, tlsConfig, config)
	if err != nil {
		logger.Error("QUIC listen failed", "error", err, "local_addr", udpConn.LocalAddr())
		return nil, err
	}

	logger.Debug("QUIC listener created", "local_addr", udpConn.LocalAddr(), "max_uni_streams", config.MaxIncomingUniStreams)
	return listener, nil
}

// Dial creates a QUIC connection to the remote address using the given PacketConn.
func Dial(ctx context.Context, udpConn net.PacketConn, remoteAddr net.Addr, tlsConfig *tls.Config, config *quic.Config, logger *slog.Logger) (*quic.Conn, error) {
	if config == nil {
		config = DefaultClientQUICConfig()
	}

	logger.Debug("QUIC dial starting", "remote_addr", remoteAddr, "local_addr", udpConn.LocalAddr())

	conn, err := quic.Dial(ctx, udpConn, remoteAddr, tlsConfig, config)
	if err != nil {
		logger.Error("QUIC dial failed", "error", err, "remote_addr", remoteAddr)
		return nil, fmt.Errorf("dial %s: %w", remoteAddr, err)
	}

	logger.Debug("QUIC connection established", "remote_addr", remoteAddr)
	return conn, nil
}
