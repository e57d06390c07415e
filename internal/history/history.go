package history

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"walletwire/internal/rpc"
	"walletwire/internal/store"
)

// Record is one (topic, id) request/response pair. Response stays nil
// while the request is pending.
type Record[T, TR any] struct {
	Topic    string             `json:"topic"`
	Request  rpc.Request[T]     `json:"request"`
	Response *rpc.Response[TR]  `json:"response,omitempty"`
}

func (r *Record[T, TR]) Resolved() bool {
	return r.Response != nil
}

// JsonRpcHistory tracks every request sent or received for one typed
// request/response pair, keyed by id. A record is created exactly once
// per id and transitions at most once from pending to resolved.
type JsonRpcHistory[T, TR any] struct {
	method  string
	log     zerolog.Logger
	storage store.Store

	mu          sync.Mutex
	records     map[int64]*Record[T, TR]
	initialized bool
}

func NewJsonRpcHistory[T, TR any](method string, storage store.Store, log zerolog.Logger) *JsonRpcHistory[T, TR] {
	return &JsonRpcHistory[T, TR]{
		method:  method,
		log:     log.With().Str("module", "history").Str("method", method).Logger(),
		storage: storage,
		records: make(map[int64]*Record[T, TR]),
	}
}

func (h *JsonRpcHistory[T, TR]) storageKey() string {
	return store.ModuleKey("history:" + h.method)
}

// Init rehydrates records from storage. Idempotent.
func (h *JsonRpcHistory[T, TR]) Init() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.initialized {
		return nil
	}
	var persisted []Record[T, TR]
	if err := h.storage.Get(h.storageKey(), &persisted); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	for i := range persisted {
		rec := persisted[i]
		h.records[rec.Request.ID] = &rec
	}
	h.initialized = true
	return nil
}

// Set inserts a pending record for request. A record that already exists
// for the id is left untouched, which makes idempotent resends safe.
func (h *JsonRpcHistory[T, TR]) Set(topic string, request rpc.Request[T]) error {
	h.mu.Lock()
	if !h.initialized {
		h.mu.Unlock()
		return ErrNotInitialized
	}
	if _, ok := h.records[request.ID]; ok {
		h.mu.Unlock()
		return nil
	}
	h.records[request.ID] = &Record[T, TR]{Topic: topic, Request: request}
	snapshot := h.snapshotLocked()
	h.mu.Unlock()

	h.persist(snapshot)
	return nil
}

// Get returns the record for (topic, id).
func (h *JsonRpcHistory[T, TR]) Get(topic string, id int64) (Record[T, TR], error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return Record[T, TR]{}, ErrNotInitialized
	}
	rec, ok := h.records[id]
	if !ok || rec.Topic != topic {
		return Record[T, TR]{}, fmt.Errorf("%w: %s/%d", ErrRecordNotFound, topic, id)
	}
	return *rec, nil
}

// Exists reports whether a record exists for (topic, id); used to decide
// whether a malformed response was actually expected.
func (h *JsonRpcHistory[T, TR]) Exists(topic string, id int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[id]
	return ok && rec.Topic == topic
}

// Resolve attaches the response to its record. A response for an unknown
// id is silently dropped; resolving twice reports ErrAlreadyResolved so
// callers that care can detect the duplicate.
func (h *JsonRpcHistory[T, TR]) Resolve(topic string, response rpc.Response[TR]) error {
	h.mu.Lock()
	if !h.initialized {
		h.mu.Unlock()
		return ErrNotInitialized
	}
	rec, ok := h.records[response.ID]
	if !ok || rec.Topic != topic {
		h.mu.Unlock()
		return nil
	}
	if rec.Response != nil {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s/%d", ErrAlreadyResolved, topic, response.ID)
	}
	rec.Response = &response
	snapshot := h.snapshotLocked()
	h.mu.Unlock()

	h.persist(snapshot)
	return nil
}

// Delete drops every record held for topic.
func (h *JsonRpcHistory[T, TR]) Delete(topic string) error {
	h.mu.Lock()
	if !h.initialized {
		h.mu.Unlock()
		return ErrNotInitialized
	}
	for id, rec := range h.records {
		if rec.Topic == topic {
			delete(h.records, id)
		}
	}
	snapshot := h.snapshotLocked()
	h.mu.Unlock()

	h.persist(snapshot)
	return nil
}

// Pending returns the requests still awaiting a response.
func (h *JsonRpcHistory[T, TR]) Pending() []Record[T, TR] {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Record[T, TR]
	for _, rec := range h.records {
		if rec.Response == nil {
			out = append(out, *rec)
		}
	}
	return out
}

func (h *JsonRpcHistory[T, TR]) snapshotLocked() []Record[T, TR] {
	out := make([]Record[T, TR], 0, len(h.records))
	for _, rec := range h.records {
		out = append(out, *rec)
	}
	return out
}

func (h *JsonRpcHistory[T, TR]) persist(snapshot []Record[T, TR]) {
	if err := h.storage.Set(h.storageKey(), snapshot); err != nil {
		h.log.Error().Err(err).Msg("persist history")
	}
}
