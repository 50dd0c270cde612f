package tls

import (
	stdtls "crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ClientConfig builds the configuration a relay agent dials a TLS server
// with. An empty caFile trusts the system roots; otherwise only the given
// CA is trusted, which is how agents pin a server's generated CA.
func ClientConfig(caFile, serverName string, insecure bool) (*stdtls.Config, error) {
	cfg := &stdtls.Config{
		ServerName:         serverName,
		MinVersion:         stdtls.VersionTLS12,
		InsecureSkipVerify: insecure,
	}
	if caFile == "" {
		return cfg, nil
	}

	pemBytes, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("tls: read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("tls: %s: %w", caFile, errNoPEM)
	}
	cfg.RootCAs = pool
	return cfg, nil
}
