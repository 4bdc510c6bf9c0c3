// Package settings persists the last known online identifier of the paired
// handheld.
package settings

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/nedpals/davi-cma-agent/cma"
)

// Backends
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("settings: store closed")

// Store is a closable identity store.
type Store interface {
	cma.IdentityStore
	io.Closer
}

// Open opens the store for backend at path.
func Open(backend, path string) (Store, error) {
	switch strings.ToLower(backend) {
	case "", BackendFile:
		return NewFileStore(path), nil
	case BackendSQLite:
		return OpenSQLite(SQLiteConfig{Path: path, BusyTimeout: defaultBusyTimeout})
	default:
		return nil, fmt.Errorf("settings: unknown backend %q", backend)
	}
}
