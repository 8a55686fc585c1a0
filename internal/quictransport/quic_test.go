package quictransport

import (
	"testing"

	"github.com/sheerbytes/quicdrop/internal/identity"
)

func TestServerConfig(t *testing.T) {
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	config, err := ServerConfig(id)
	if err != nil {
		t.Fatalf("ServerConfig: %v", err)
	}

	if len(config.Certificates) == 0 {
		t.Fatal("ServerConfig has no certificates")
	}
	if config.Certificates[0].PrivateKey == nil {
		t.Error("Certificate has no private key")
	}

	found := false
	for _, proto := range config.NextProtos {
		if proto == ALPNProtocol {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("ServerConfig NextProtos does not contain %s", ALPNProtocol)
	}
}

func TestServerConfigRejectsEmptyIdentity(t *testing.T) {
	if _, err := ServerConfig(identity.Identity{}); err == nil {
		t.Fatal("expected error for empty identity")
	}
}

func TestClientConfig(t *testing.T) {
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	pool, err := identity.TrustAnchorFromDER(id.CertificateDER)
	if err != nil {
		t.Fatalf("TrustAnchorFromDER: %v", err)
	}

	config := ClientConfig(pool, "localhost")
	if config.InsecureSkipVerify {
		t.Error("ClientConfig must verify the server certificate")
	}
	if config.RootCAs != pool {
		t.Error("ClientConfig does not use the trust anchor")
	}
	if config.ServerName != "localhost" {
		t.Errorf("unexpected ServerName %q", config.ServerName)
	}
	if len(config.NextProtos) != 1 || config.NextProtos[0] != ALPNProtocol {
		t.Errorf("unexpected NextProtos %v", config.NextProtos)
	}
}

func TestDefaultServerQUICConfig(t *testing.T) {
	cfg := DefaultServerQUICConfig(0)
	if cfg.MaxIncomingUniStreams != DefaultMaxIncomingUniStreams {
		t.Fatalf("expected default uni stream limit, got %d", cfg.MaxIncomingUniStreams)
	}
	if cfg.MaxIncomingStreams >= 0 {
		t.Fatalf("expected bidirectional streams to be refused, got %d", cfg.MaxIncomingStreams)
	}

	cfg = DefaultServerQUICConfig(1)
	if cfg.MaxIncomingUniStreams != 1 {
		t.Fatalf("expected uni stream limit 1, got %d", cfg.MaxIncomingUniStreams)
	}
}

func TestDefaultClientQUICConfig(t *testing.T) {
	cfg := DefaultClientQUICConfig()
	if cfg.MaxIncomingUniStreams < 1 {
		t.Fatal("client must accept the receipt stream")
	}
}
