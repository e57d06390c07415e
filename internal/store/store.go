// Package store owns the persisted key-value contract the core modules
// rehydrate from on init and write through to after every mutation.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var ErrNotFound = errors.New("store: key not found")

// Store is the persistence collaborator. Values are JSON documents; Get
// decodes into out and returns ErrNotFound for absent keys.
type Store interface {
	Has(key string) (bool, error)
	Get(key string, out any) error
	Set(key string, value any) error
	Delete(key string) error
}

// Protocol version prefix for module storage keys.
const (
	protocol = "wc"
	version  = 2
)

// ModuleKey returns the versioned storage key for a core module,
// `wc@2:core:<name>`.
func ModuleKey(name string) string {
	return fmt.Sprintf("%s@%d:core:%s", protocol, version, name)
}

// MemoryStore keeps documents in process memory. Values are copied
// through JSON so callers never share references with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]json.RawMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]json.RawMessage)}
}

func (s *MemoryStore) Has(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok, nil
}

func (s *MemoryStore) Get(key string, out any) error {
	s.mu.RLock()
	raw, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return json.Unmarshal(raw, out)
}

func (s *MemoryStore) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = raw
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}
