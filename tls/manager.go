// Package tls provisions a local certificate authority and a host
// certificate shared by the device listener and the app API.
package tls

import (
	"bufio"
	"crypto/sha256"
	cryptotls "crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/jittering/truststore"
)

// Config configures certificate provisioning.
type Config struct {
	// Dir holds the ca/ and tls/ subdirectories.
	Dir string
	// InstallCA adds the CA to the system trust store. This may prompt for
	// a password.
	InstallCA bool
	// ExtraHosts are added to the certificate besides localhost and the
	// LAN addresses, e.g. the advertised service name.
	ExtraHosts []string
	Logger     *slog.Logger
}

// Manager generates and caches the host certificate.
type Manager struct {
	caDir      string
	tlsDir     string
	caCertFile string
	certFile   string
	keyFile    string
	hostsFile  string
	installCA  bool
	extraHosts []string
	logger     *slog.Logger

	mu sync.Mutex
}

// NewManager creates a manager rooted at cfg.Dir.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	tlsDir := filepath.Join(cfg.Dir, "tls")
	caDir := filepath.Join(cfg.Dir, "ca")
	return &Manager{
		caDir:      caDir,
		tlsDir:     tlsDir,
		caCertFile: filepath.Join(caDir, "rootCA.pem"),
		certFile:   filepath.Join(tlsDir, "server.crt"),
		keyFile:    filepath.Join(tlsDir, "server.key"),
		hostsFile:  filepath.Join(tlsDir, "hosts.txt"),
		installCA:  cfg.InstallCA,
		extraHosts: cfg.ExtraHosts,
		logger:     cfg.Logger.With("component", "tls"),
	}
}

// EnsureCertificates returns the certificate and key paths, generating them
// when missing or when the host's addresses changed since the last run.
func (m *Manager) EnsureCertificates() (certFile, keyFile string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.tlsDir, 0700); err != nil {
		return "", "", fmt.Errorf("failed to create TLS directory: %w", err)
	}

	hosts, err := GetAllHosts(m.extraHosts...)
	if err != nil {
		m.logger.Warn("Failed to get LAN addresses", "error", err)
	}

	switch {
	case !m.certsExist():
		m.logger.Info("Certificates not found, generating", "hosts", hosts)
	case m.hostsChanged(hosts):
		m.logger.Info("Network configuration changed, regenerating certificates", "hosts", hosts)
	default:
		m.logger.Debug("Using existing certificates", "cert", m.certFile)
		return m.certFile, m.keyFile, nil
	}

	if err := m.generateCertificates(hosts); err != nil {
		return "", "", err
	}
	return m.certFile, m.keyFile, nil
}

// ServerConfig returns a TLS configuration carrying the host certificate.
func (m *Manager) ServerConfig() (*cryptotls.Config, error) {
	certFile, keyFile, err := m.EnsureCertificates()
	if err != nil {
		return nil, err
	}
	cert, err := cryptotls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	return &cryptotls.Config{
		Certificates: []cryptotls.Certificate{cert},
		MinVersion:   cryptotls.VersionTLS12,
	}, nil
}

// CACertPEM returns the CA certificate so clients can trust the host.
func (m *Manager) CACertPEM() ([]byte, error) {
	return os.ReadFile(m.caCertFile)
}

// CAFingerprint returns the colon-separated SHA-256 fingerprint of the CA.
func (m *Manager) CAFingerprint() (string, error) {
	certPEM, err := m.CACertPEM()
	if err != nil {
		return "", fmt.Errorf("failed to read CA certificate: %w", err)
	}
	return fingerprint(certPEM)
}

func (m *Manager) certsExist() bool {
	_, certErr := os.Stat(m.certFile)
	_, keyErr := os.Stat(m.keyFile)
	return certErr == nil && keyErr == nil
}

// hostsChanged compares hosts with the cached list, ignoring order.
func (m *Manager) hostsChanged(hosts []string) bool {
	cached, err := m.readCachedHosts()
	if err != nil {
		return true
	}
	a := slices.Clone(cached)
	b := slices.Clone(hosts)
	slices.Sort(a)
	slices.Sort(b)
	return !slices.Equal(a, b)
}

func (m *Manager) readCachedHosts() ([]string, error) {
	file, err := os.Open(m.hostsFile)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var hosts []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if host := strings.TrimSpace(scanner.Text()); host != "" {
			hosts = append(hosts, host)
		}
	}
	return hosts, scanner.Err()
}

func (m *Manager) writeCachedHosts(hosts []string) error {
	return os.WriteFile(m.hostsFile, []byte(strings.Join(hosts, "\n")+"\n"), 0600)
}

func (m *Manager) generateCertificates(hosts []string) error {
	if err := os.MkdirAll(m.caDir, 0700); err != nil {
		return fmt.Errorf("failed to create CA directory: %w", err)
	}
	// truststore locates the CA through CAROOT.
	os.Setenv("CAROOT", m.caDir)

	ml, err := truststore.NewLib()
	if err != nil {
		return fmt.Errorf("failed to initialize truststore: %w", err)
	}

	if m.installCA {
		m.logger.Info("Ensuring CA is installed in system trust store (you may be prompted for your password)")
		if err := ml.Install(); err != nil {
			return fmt.Errorf("failed to install CA: %w", err)
		}
	}

	cert, err := ml.MakeCert(hosts, m.tlsDir)
	if err != nil {
		return fmt.Errorf("failed to generate certificate: %w", err)
	}
	if cert.CertFile != m.certFile {
		if err := os.Rename(cert.CertFile, m.certFile); err != nil {
			return fmt.Errorf("failed to rename cert file: %w", err)
		}
	}
	if cert.KeyFile != m.keyFile {
		if err := os.Rename(cert.KeyFile, m.keyFile); err != nil {
			return fmt.Errorf("failed to rename key file: %w", err)
		}
	}

	if err := m.writeCachedHosts(hosts); err != nil {
		m.logger.Warn("Failed to cache hosts", "error", err)
	}

	attrs := []any{"cert", m.certFile}
	if fp, err := m.CAFingerprint(); err == nil {
		attrs = append(attrs, "ca_sha256", fp)
	}
	m.logger.Info("Certificate generated", attrs...)
	return nil
}

func fingerprint(certPEM []byte) (string, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", errors.New("failed to decode PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse certificate: %w", err)
	}
	sum := sha256.Sum256(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":"), nil
}
