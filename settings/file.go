package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	dirPermissions  = 0750
	filePermissions = 0600
)

type fileContents struct {
	LastOnlineID string `yaml:"last_online_id"`
}

// FileStore keeps settings in a small YAML document.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// LastOnlineID returns "" when nothing has been stored yet.
func (s *FileStore) LastOnlineID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.read()
	if err != nil {
		return "", err
	}
	return c.LastOnlineID, nil
}

func (s *FileStore) SetLastOnlineID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.read()
	if err != nil {
		return err
	}
	c.LastOnlineID = id
	return s.write(c)
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) read() (fileContents, error) {
	var c fileContents
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("reading settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parsing settings: %w", err)
	}
	return c, nil
}

// write replaces the file atomically.
func (s *FileStore) write(c fileContents) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), dirPermissions); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, filePermissions); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	return nil
}
