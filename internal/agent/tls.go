package agent

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfig holds the agent's TLS settings for its connection to the
// scheduler.
type TLSConfig struct {
	// CACertPath is the path to a PEM-encoded CA certificate file. When set,
	// the scheduler's certificate must chain to it.
	CACertPath string

	// InsecureSkipVerify disables certificate verification.
	// WARNING: Only use for testing. Never enable in production.
	InsecureSkipVerify bool
}

// Build creates a *tls.Config from the settings. Returns nil when the
// system CA pool is sufficient.
func (c TLSConfig) Build() (*tls.Config, error) {
	if c.InsecureSkipVerify {
		return &tls.Config{InsecureSkipVerify: true}, nil
	}
	if c.CACertPath == "" {
		return nil, nil
	}

	pem, err := os.ReadFile(c.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", c.CACertPath, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("failed to parse CA cert %s", c.CACertPath)
	}
	return &tls.Config{RootCAs: pool}, nil
}
