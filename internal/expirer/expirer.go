// Package expirer owns TTL tracking for topics and request ids.
//
// Ownership boundary:
// - timer registrations keyed by target
// - the interval scan that fires expiry callbacks
package expirer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"walletwire/internal/events"
	"walletwire/internal/observability"
	"walletwire/internal/store"
)

var (
	ErrNotInitialized = errors.New("expirer: not initialized")
	ErrTargetNotFound = errors.New("expirer: target not found")
	ErrInvalidTarget  = errors.New("expirer: invalid target")
)

// DefaultInterval bounds wake-ups: one scan over all entries per tick
// instead of a timer per entry.
const DefaultInterval = time.Second

// Target identifies what a TTL applies to: a topic or a numeric id,
// never both.
type Target struct {
	Topic string
	ID    int64
}

func TopicTarget(topic string) Target { return Target{Topic: topic} }

func IDTarget(id int64) Target { return Target{ID: id} }

func (t Target) IsID() bool { return t.Topic == "" && t.ID != 0 }

// String is the stable form used as registration and storage key.
func (t Target) String() string {
	if t.Topic != "" {
		return "topic:" + t.Topic
	}
	return "id:" + strconv.FormatInt(t.ID, 10)
}

// ParseTarget is the inverse of Target.String.
func ParseTarget(s string) (Target, error) {
	if topic, ok := strings.CutPrefix(s, "topic:"); ok && topic != "" {
		return TopicTarget(topic), nil
	}
	if raw, ok := strings.CutPrefix(s, "id:"); ok {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id == 0 {
			return Target{}, fmt.Errorf("%w: %q", ErrInvalidTarget, s)
		}
		return IDTarget(id), nil
	}
	return Target{}, fmt.Errorf("%w: %q", ErrInvalidTarget, s)
}

// Expiration is one registration; Expiry is epoch seconds.
type Expiration struct {
	Target string `json:"target"`
	Expiry int64  `json:"expiry"`
}

// Expiry converts a TTL into an absolute epoch-second deadline.
func Expiry(ttl time.Duration) int64 {
	return time.Now().Add(ttl).Unix()
}

// Expirer fires each registration exactly once when its deadline
// elapses. At most one registration is active per target; Set replaces
// the deadline.
type Expirer struct {
	log     zerolog.Logger
	storage store.Store

	mu          sync.Mutex
	expirations map[string]Expiration
	initialized bool

	Expired *events.Emitter[Expiration]

	cancel context.CancelFunc
	done   chan struct{}
}

func New(storage store.Store, log zerolog.Logger) *Expirer {
	return &Expirer{
		log:         log.With().Str("module", "expirer").Logger(),
		storage:     storage,
		expirations: make(map[string]Expiration),
		Expired:     events.NewEmitter[Expiration](),
	}
}

func (e *Expirer) storageKey() string {
	return store.ModuleKey("expirer")
}

// Init rehydrates registrations from storage and starts the scan loop.
// Calling Init twice is a no-op.
func (e *Expirer) Init(ctx context.Context, interval time.Duration) error {
	e.mu.Lock()
	if e.initialized {
		e.mu.Unlock()
		return nil
	}
	var persisted []Expiration
	if err := e.storage.Get(e.storageKey(), &persisted); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.mu.Unlock()
		return err
	}
	for _, exp := range persisted {
		e.expirations[exp.Target] = exp
	}
	e.initialized = true
	e.mu.Unlock()

	if interval <= 0 {
		interval = DefaultInterval
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.loop(loopCtx, interval)
	return nil
}

func (e *Expirer) loop(ctx context.Context, interval time.Duration) {
	defer close(e.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkExpirations()
		}
	}
}

// checkExpirations removes each elapsed entry before invoking its
// callback, so a registration never fires twice.
func (e *Expirer) checkExpirations() {
	now := time.Now().Unix()

	e.mu.Lock()
	var elapsed []Expiration
	for key, exp := range e.expirations {
		if exp.Expiry <= now {
			elapsed = append(elapsed, exp)
			delete(e.expirations, key)
		}
	}
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	if len(elapsed) == 0 {
		return
	}
	e.persist(snapshot)
	for _, exp := range elapsed {
		target, err := ParseTarget(exp.Target)
		kind := "id"
		if err == nil && target.Topic != "" {
			kind = "topic"
		}
		observability.RecordExpiredTarget(kind)
		e.log.Debug().Str("target", exp.Target).Int64("expiry", exp.Expiry).Msg("target expired")
		e.Expired.Emit(exp)
	}
}

// Set upserts the registration for target; a later deadline replaces an
// earlier one.
func (e *Expirer) Set(target Target, expiry int64) error {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return ErrNotInitialized
	}
	key := target.String()
	e.expirations[key] = Expiration{Target: key, Expiry: expiry}
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.persist(snapshot)
	return nil
}

func (e *Expirer) Get(target Target) (Expiration, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return Expiration{}, ErrNotInitialized
	}
	exp, ok := e.expirations[target.String()]
	if !ok {
		return Expiration{}, fmt.Errorf("%w: %s", ErrTargetNotFound, target)
	}
	return exp, nil
}

func (e *Expirer) Has(target Target) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.expirations[target.String()]
	return ok
}

// Delete cancels the registration silently when present.
func (e *Expirer) Delete(target Target) error {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return ErrNotInitialized
	}
	delete(e.expirations, target.String())
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.persist(snapshot)
	return nil
}

// snapshotLocked copies current registrations; callers persist the copy
// outside the lock.
func (e *Expirer) snapshotLocked() []Expiration {
	out := make([]Expiration, 0, len(e.expirations))
	for _, exp := range e.expirations {
		out = append(out, exp)
	}
	return out
}

func (e *Expirer) persist(snapshot []Expiration) {
	if err := e.storage.Set(e.storageKey(), snapshot); err != nil {
		e.log.Error().Err(err).Msg("persist expirations")
	}
}

// Stop halts the scan loop and drops all subscriptions. Registrations
// remain persisted.
func (e *Expirer) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
		e.cancel = nil
	}
	e.Expired.Close()
}
