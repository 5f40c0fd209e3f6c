package kernel

import (
	"crypto/tls"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/pkcs12"

	"github.com/shurlinet/profileserver/internal/identity"
)

// TLSBundle locates the PKCS#12 bundle that terminates the two TLS roles.
type TLSBundle struct {
	Path     string
	Password string
}

// build loads and parses the bundle into a tls.Config.
func (b *TLSBundle) build() (*tls.Config, error) {
	if b == nil || b.Path == "" {
		return nil, fmt.Errorf("tls_server_certificate is required")
	}
	if err := identity.CheckKeyFilePermissions(b.Path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		return nil, fmt.Errorf("read TLS bundle %s: %w", b.Path, err)
	}

	blocks, err := pkcs12.ToPEM(data, b.Password)
	if err != nil {
		return nil, fmt.Errorf("decode TLS bundle %s: %w", b.Path, err)
	}
	var certPEM, keyPEM []byte
	for _, block := range blocks {
		encoded := pem.EncodeToMemory(block)
		if block.Type == "CERTIFICATE" {
			certPEM = append(certPEM, encoded...)
		} else {
			keyPEM = append(keyPEM, encoded...)
		}
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("assemble TLS keypair from %s: %w", b.Path, err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
