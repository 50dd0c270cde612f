package tls

import (
	"bufio"
	"crypto/sha256"
	stdtls "crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jittering/truststore"
	"github.com/rs/zerolog"
)

var errNoPEM = errors.New("tls: no PEM block found")

// Manager generates a local CA and a server certificate for the LAN
// addresses of this host, regenerating the certificate when they change.
type Manager struct {
	tlsDir     string
	caDir      string
	caCertFile string
	certFile   string
	keyFile    string
	hostsFile  string

	// Install adds the CA to the system trust store. Agents dialing the
	// server can instead be given the CA file directly.
	Install bool

	hosts func() ([]string, error)
	log   zerolog.Logger
}

// NewManager keeps certificate material under dir. extraHosts are added to
// the certificate's names alongside the detected LAN addresses.
func NewManager(dir string, log zerolog.Logger, extraHosts ...string) *Manager {
	tlsDir := filepath.Join(dir, "tls")
	caDir := filepath.Join(dir, "ca")
	return &Manager{
		tlsDir:     tlsDir,
		caDir:      caDir,
		caCertFile: filepath.Join(caDir, "rootCA.pem"),
		certFile:   filepath.Join(tlsDir, "server.crt"),
		keyFile:    filepath.Join(tlsDir, "server.key"),
		hostsFile:  filepath.Join(tlsDir, "hosts.txt"),
		hosts:      func() ([]string, error) { return CertHosts(extraHosts...) },
		log:        log.With().Str("component", "tls").Logger(),
	}
}

func (m *Manager) CertFile() string   { return m.certFile }
func (m *Manager) KeyFile() string    { return m.keyFile }
func (m *Manager) CACertFile() string { return m.caCertFile }

// Ensure makes sure a certificate covering the current hosts exists.
func (m *Manager) Ensure() error {
	if err := os.MkdirAll(m.tlsDir, 0o700); err != nil {
		return fmt.Errorf("tls: create %s: %w", m.tlsDir, err)
	}

	hosts, err := m.hosts()
	if err != nil {
		m.log.Warn().Err(err).Msg("LAN address lookup failed, certificate covers loopback only")
	}

	switch {
	case !m.certsExist():
		m.log.Info().Strs("hosts", hosts).Msg("generating server certificate")
	case m.hostsChanged(hosts):
		m.log.Info().Strs("hosts", hosts).Msg("network changed, regenerating server certificate")
	default:
		m.log.Debug().Str("cert", m.certFile).Msg("using existing server certificate")
		return nil
	}
	return m.generate(hosts)
}

// ServerConfig ensures the certificate and loads it for a listener.
func (m *Manager) ServerConfig() (*stdtls.Config, error) {
	if err := m.Ensure(); err != nil {
		return nil, err
	}
	cert, err := stdtls.LoadX509KeyPair(m.certFile, m.keyFile)
	if err != nil {
		return nil, fmt.Errorf("tls: load key pair: %w", err)
	}
	return &stdtls.Config{
		Certificates: []stdtls.Certificate{cert},
		MinVersion:   stdtls.VersionTLS12,
	}, nil
}

func (m *Manager) certsExist() bool {
	_, certErr := os.Stat(m.certFile)
	_, keyErr := os.Stat(m.keyFile)
	return certErr == nil && keyErr == nil
}

func (m *Manager) hostsChanged(hosts []string) bool {
	cached, err := m.readCachedHosts()
	if err != nil {
		return true
	}
	return !sameHosts(cached, hosts)
}

func (m *Manager) readCachedHosts() ([]string, error) {
	f, err := os.Open(m.hostsFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var hosts []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if h := strings.TrimSpace(sc.Text()); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts, sc.Err()
}

func (m *Manager) writeCachedHosts(hosts []string) error {
	return os.WriteFile(m.hostsFile, []byte(strings.Join(hosts, "\n")+"\n"), 0o600)
}

func (m *Manager) generate(hosts []string) error {
	if err := os.MkdirAll(m.caDir, 0o700); err != nil {
		return fmt.Errorf("tls: create %s: %w", m.caDir, err)
	}
	// truststore keeps its CA under CAROOT.
	os.Setenv("CAROOT", m.caDir)

	lib, err := truststore.NewLib()
	if err != nil {
		return fmt.Errorf("tls: init truststore: %w", err)
	}
	if m.Install {
		m.log.Info().Msg("installing CA into the system trust store, a password prompt may follow")
		if err := lib.Install(); err != nil {
			return fmt.Errorf("tls: install CA: %w", err)
		}
	}

	cert, err := lib.MakeCert(hosts, m.tlsDir)
	if err != nil {
		return fmt.Errorf("tls: generate certificate: %w", err)
	}
	if cert.CertFile != m.certFile {
		if err := os.Rename(cert.CertFile, m.certFile); err != nil {
			return fmt.Errorf("tls: rename certificate: %w", err)
		}
	}
	if cert.KeyFile != m.keyFile {
		if err := os.Rename(cert.KeyFile, m.keyFile); err != nil {
			return fmt.Errorf("tls: rename key: %w", err)
		}
	}

	if err := m.writeCachedHosts(hosts); err != nil {
		m.log.Warn().Err(err).Msg("failed to cache certificate hosts")
	}

	ev := m.log.Info().Str("cert", m.certFile)
	if fp, err := m.CAFingerprint(); err == nil {
		ev = ev.Str("ca_sha256", fp)
	}
	ev.Msg("server certificate generated")
	return nil
}

// CAFingerprint is the colon-separated SHA-256 of the CA certificate, for
// out-of-band verification.
func (m *Manager) CAFingerprint() (string, error) {
	pemBytes, err := m.CACert()
	if err != nil {
		return "", err
	}
	return fingerprint(pemBytes)
}

// CACert returns the CA certificate in PEM form.
func (m *Manager) CACert() ([]byte, error) {
	b, err := os.ReadFile(m.caCertFile)
	if err != nil {
		return nil, fmt.Errorf("tls: read CA certificate: %w", err)
	}
	return b, nil
}

func fingerprint(pemBytes []byte) (string, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return "", errNoPEM
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("tls: parse certificate: %w", err)
	}

	sum := sha256.Sum256(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":"), nil
}
