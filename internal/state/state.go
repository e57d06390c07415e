// Package state owns generic persisted collections keyed by topic or id.
// Sessions, proposals, pairings and pending requests are all instances
// of the same store shape.
package state

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"walletwire/internal/store"
)

var (
	ErrNotInitialized = errors.New("state: not initialized")
	ErrNotFound       = errors.New("state: value not found")
)

// Store is a persisted map of K to V. Values survive restarts through
// the backing storage under one module key per store name.
type Store[K comparable, V any] struct {
	name    string
	log     zerolog.Logger
	storage store.Store

	mu          sync.Mutex
	values      map[K]V
	initialized bool
}

func NewStore[K comparable, V any](name string, storage store.Store, log zerolog.Logger) *Store[K, V] {
	return &Store[K, V]{
		name:    name,
		log:     log.With().Str("module", "state").Str("store", name).Logger(),
		storage: storage,
		values:  make(map[K]V),
	}
}

func (s *Store[K, V]) storageKey() string {
	return store.ModuleKey(s.name)
}

type entry[K comparable, V any] struct {
	Key   K `json:"key"`
	Value V `json:"value"`
}

// Init rehydrates the collection from storage. Idempotent.
func (s *Store[K, V]) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	var persisted []entry[K, V]
	if err := s.storage.Get(s.storageKey(), &persisted); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	for _, e := range persisted {
		s.values[e.Key] = e.Value
	}
	s.initialized = true
	return nil
}

// Set stores value under key, replacing any previous value.
func (s *Store[K, V]) Set(key K, value V) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	s.values[key] = value
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.persist(snapshot)
	return nil
}

func (s *Store[K, V]) Get(key K) (V, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero V
	if !s.initialized {
		return zero, ErrNotInitialized
	}
	v, ok := s.values[key]
	if !ok {
		return zero, fmt.Errorf("%w: %s/%v", ErrNotFound, s.name, key)
	}
	return v, nil
}

func (s *Store[K, V]) Has(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.values[key]
	return ok
}

// Delete removes key, recording the reason for the audit trail. Unknown
// keys are a no-op.
func (s *Store[K, V]) Delete(key K, reason string) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	if _, ok := s.values[key]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.values, key)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.log.Debug().Any("key", key).Str("reason", reason).Msg("deleted")
	s.persist(snapshot)
	return nil
}

func (s *Store[K, V]) Values() []V {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]V, 0, len(s.values))
	for _, v := range s.values {
		out = append(out, v)
	}
	return out
}

func (s *Store[K, V]) Keys() []K {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]K, 0, len(s.values))
	for k := range s.values {
		out = append(out, k)
	}
	return out
}

func (s *Store[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

func (s *Store[K, V]) snapshotLocked() []entry[K, V] {
	out := make([]entry[K, V], 0, len(s.values))
	for k, v := range s.values {
		out = append(out, entry[K, V]{Key: k, Value: v})
	}
	return out
}

func (s *Store[K, V]) persist(snapshot []entry[K, V]) {
	if err := s.storage.Set(s.storageKey(), snapshot); err != nil {
		s.log.Error().Err(err).Msg("persist state")
	}
}
