package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/nedpals/davi-cma-agent/cma"
)

const (
	defaultBusyTimeout = 5
	msPerSecond        = 1000
	queryTimeout       = 5 * time.Second

	keyLastOnlineID = "last_online_id"
)

const schema = `
CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS pairings (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	online_id   TEXT NOT NULL,
	device_name TEXT NOT NULL DEFAULT '',
	mac_address TEXT NOT NULL DEFAULT '',
	paired_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pairings_paired_at ON pairings(paired_at);
`

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	Path string
	// BusyTimeout is the lock wait in seconds.
	BusyTimeout int
}

// SQLiteStore keeps settings and the pairing history in SQLite.
type SQLiteStore struct {
	mu sync.RWMutex
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database and applies the schema.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("settings: sqlite path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = defaultBusyTimeout
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", cfg.Path, cfg.BusyTimeout*msPerSecond)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) LastOnlineID() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return "", ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, keyLastOnlineID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading last online id: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) SetLastOnlineID(id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		keyLastOnlineID, id, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("writing last online id: %w", err)
	}
	return nil
}

// RecordPairing appends rec to the pairing history.
func (s *SQLiteStore) RecordPairing(rec cma.PairingRecord) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrClosed
	}
	if rec.PairedAt.IsZero() {
		rec.PairedAt = time.Now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pairings (online_id, device_name, mac_address, paired_at) VALUES (?, ?, ?, ?)`,
		rec.OnlineID, rec.DeviceName, rec.MACAddress, rec.PairedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("recording pairing: %w", err)
	}
	return nil
}

// Pairings returns up to limit history rows, newest first.
func (s *SQLiteStore) Pairings(ctx context.Context, limit int) ([]cma.PairingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT online_id, device_name, mac_address, paired_at FROM pairings ORDER BY paired_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pairings: %w", err)
	}
	defer rows.Close()

	var out []cma.PairingRecord
	for rows.Next() {
		var rec cma.PairingRecord
		var ms int64
		if err := rows.Scan(&rec.OnlineID, &rec.DeviceName, &rec.MACAddress, &ms); err != nil {
			return nil, fmt.Errorf("scanning pairing: %w", err)
		}
		rec.PairedAt = time.UnixMilli(ms)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}
