package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const storeFile = "walletwire.json"

// FileStore persists the whole key space as one JSON document, written
// via a temp file then rename so a crash mid-write never corrupts prior
// state.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path() string {
	return filepath.Join(s.dir, storeFile)
}

func (s *FileStore) load() (map[string]json.RawMessage, error) {
	data := make(map[string]json.RawMessage)
	b, err := os.ReadFile(s.path())
	if errors.Is(err, os.ErrNotExist) {
		return data, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *FileStore) save(data map[string]json.RawMessage) error {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path())
}

func (s *FileStore) Has(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.load()
	if err != nil {
		return false, err
	}
	_, ok := data[key]
	return ok, nil
}

func (s *FileStore) Get(key string, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.load()
	if err != nil {
		return err
	}
	raw, ok := data[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return json.Unmarshal(raw, out)
}

func (s *FileStore) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.load()
	if err != nil {
		return err
	}
	data[key] = raw
	return s.save(data)
}

func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.load()
	if err != nil {
		return err
	}
	delete(data, key)
	return s.save(data)
}
