package server

import (
	"context"
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/nedpals/davi-cma-agent/cma"
)

// Controller is the connection manager surface exposed to app clients.
type Controller interface {
	StartDiscovery(kind cma.TransportKind) error
	StopDiscovery() error
	Status() cma.Status
}

// CAProvider serves the local CA certificate to clients that must trust it.
type CAProvider interface {
	CACertPEM() ([]byte, error)
}

// PairingHistory lists past registrations, newest first.
type PairingHistory interface {
	Pairings(ctx context.Context, limit int) ([]cma.PairingRecord, error)
}

// Config holds configuration for the app server.
type Config struct {
	Host string
	Port int

	// APISecret is required by the handshake and the websocket when set.
	APISecret string

	// CertFile and KeyFile enable TLS. TLSConfig takes precedence.
	CertFile  string
	KeyFile   string
	TLSConfig *tls.Config

	Controller Controller
	CA         CAProvider
	History    PairingHistory

	SessionTimeout time.Duration
	StatusInterval time.Duration

	Logger *slog.Logger
}

// TLSEnabled returns true if TLS is configured.
func (c Config) TLSEnabled() bool {
	return c.TLSConfig != nil || (c.CertFile != "" && c.KeyFile != "")
}
