// Package history owns the replay-protection records: per-topic message
// digests and per-(topic,id) JSON-RPC request/response records.
package history

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"walletwire/internal/crypto"
	"walletwire/internal/store"
)

var (
	ErrNotInitialized  = errors.New("history: not initialized")
	ErrRecordNotFound  = errors.New("history: record not found")
	ErrAlreadyResolved = errors.New("history: record already resolved")
)

// MessageTracker stores the digest of every message seen per topic, so
// replayed ciphertexts can be ignored regardless of their RPC id.
type MessageTracker struct {
	log     zerolog.Logger
	storage store.Store

	mu          sync.Mutex
	messages    map[string]map[string]string // topic -> digest -> message
	initialized bool
}

func NewMessageTracker(storage store.Store, log zerolog.Logger) *MessageTracker {
	return &MessageTracker{
		log:      log.With().Str("module", "messages").Logger(),
		storage:  storage,
		messages: make(map[string]map[string]string),
	}
}

func (t *MessageTracker) storageKey() string {
	return store.ModuleKey("messages")
}

// Init loads prior records from storage. Idempotent.
func (t *MessageTracker) Init() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.initialized {
		return nil
	}
	persisted := make(map[string]map[string]string)
	if err := t.storage.Get(t.storageKey(), &persisted); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if len(persisted) > 0 {
		t.messages = persisted
	}
	t.initialized = true
	return nil
}

// Set records message under its digest. Re-adding an existing message is
// a no-op that returns the same digest without touching storage.
func (t *MessageTracker) Set(topic, message string) (string, error) {
	digest := crypto.HashMessage(message)

	t.mu.Lock()
	if !t.initialized {
		t.mu.Unlock()
		return "", ErrNotInitialized
	}
	record, ok := t.messages[topic]
	if !ok {
		record = make(map[string]string)
		t.messages[topic] = record
	}
	if _, seen := record[digest]; seen {
		t.mu.Unlock()
		return digest, nil
	}
	record[digest] = message
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	t.persist(snapshot)
	return digest, nil
}

func (t *MessageTracker) Has(topic, message string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		return false, ErrNotInitialized
	}
	record, ok := t.messages[topic]
	if !ok {
		return false, nil
	}
	_, seen := record[crypto.HashMessage(message)]
	return seen, nil
}

// Get returns a copy of the digest record for topic.
func (t *MessageTracker) Get(topic string) (map[string]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		return nil, ErrNotInitialized
	}
	out := make(map[string]string, len(t.messages[topic]))
	for digest, message := range t.messages[topic] {
		out[digest] = message
	}
	return out, nil
}

// Delete drops the whole record for topic.
func (t *MessageTracker) Delete(topic string) error {
	t.mu.Lock()
	if !t.initialized {
		t.mu.Unlock()
		return ErrNotInitialized
	}
	delete(t.messages, topic)
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	t.persist(snapshot)
	return nil
}

// snapshotLocked deep-copies the records; persistence happens outside
// the lock on the copy.
func (t *MessageTracker) snapshotLocked() map[string]map[string]string {
	out := make(map[string]map[string]string, len(t.messages))
	for topic, record := range t.messages {
		copied := make(map[string]string, len(record))
		for digest, message := range record {
			copied[digest] = message
		}
		out[topic] = copied
	}
	return out
}

func (t *MessageTracker) persist(snapshot map[string]map[string]string) {
	if err := t.storage.Set(t.storageKey(), snapshot); err != nil {
		t.log.Error().Err(err).Msg("persist message records")
	}
}
