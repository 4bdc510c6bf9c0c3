package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// SessionManager hands out a single control token at a time. The token is
// bound to the origin and host that acquired it and expires when idle.
type SessionManager struct {
	token     string
	origin    string
	host      string
	apiSecret string
	timeout   time.Duration
	timer     *time.Timer
	logger    *slog.Logger
	mu        sync.RWMutex
}

// NewSessionManager creates a new session manager
func NewSessionManager(apiSecret string, timeout time.Duration, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		apiSecret: apiSecret,
		timeout:   timeout,
		logger:    logger,
	}
}

func generateSessionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// CheckSecret reports whether secret satisfies the configured API secret.
func (m *SessionManager) CheckSecret(secret string) bool {
	return m.apiSecret == "" || secret == m.apiSecret
}

// Acquire returns a new token, or "" if the secret is wrong or a session is
// already held.
func (m *SessionManager) Acquire(secret, origin, remoteAddr string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.CheckSecret(secret) || m.token != "" {
		return ""
	}

	token, err := generateSessionToken()
	if err != nil {
		m.logger.Error("Session acquire failed", "error", err)
		return ""
	}
	m.token = token
	m.origin = origin
	m.host = hostOf(remoteAddr)

	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.timeout, func() {
		m.Release()
		m.logger.Info("Session timeout - token released")
	})

	m.logger.Info("Session acquired", "token", token[:8]+"...", "origin", origin, "host", m.host)
	return token
}

// Validate checks token against the current session and its binding.
func (m *SessionManager) Validate(token, origin, remoteAddr string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.token == "" || m.token != token {
		return false
	}
	if m.origin != "" && origin != m.origin {
		m.logger.Warn("Session validation failed: origin mismatch", "expected", m.origin, "got", origin)
		return false
	}
	if host := hostOf(remoteAddr); m.host != "" && host != m.host {
		m.logger.Warn("Session validation failed: host mismatch", "expected", m.host, "got", host)
		return false
	}
	return true
}

// Release releases the current session token
func (m *SessionManager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token == "" {
		return
	}
	m.logger.Info("Session released", "token", m.token[:8]+"...")
	m.token, m.origin, m.host = "", "", ""
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// RefreshTimeout resets the session timeout timer
func (m *SessionManager) RefreshTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Reset(m.timeout)
	}
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
