// Package events owns subscription primitives shared by the core modules.
//
// Ownership boundary:
// - typed emitter with token-based unsubscribe
// - one-shot keyed waiters
package events

import "sync"

// Emitter fans a value out to every live subscription. The zero value is
// not usable; construct with NewEmitter.
type Emitter[T any] struct {
	mu     sync.Mutex
	next   int
	subs   map[int]func(T)
	closed bool
}

// Subscription is the handle returned by Subscribe. Close removes the
// subscription; it is safe to call more than once.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

func NewEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{subs: make(map[int]func(T))}
}

// Subscribe registers fn for every future Emit until the returned
// subscription is closed.
func (e *Emitter[T]) Subscribe(fn func(T)) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return &Subscription{cancel: func() {}}
	}
	id := e.next
	e.next++
	e.subs[id] = fn
	return &Subscription{cancel: func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}}
}

// Once registers fn for the next Emit only.
func (e *Emitter[T]) Once(fn func(T)) *Subscription {
	var sub *Subscription
	var fired sync.Once
	sub = e.Subscribe(func(v T) {
		fired.Do(func() {
			sub.Close()
			fn(v)
		})
	})
	return sub
}

// Emit invokes every subscriber with v. Callbacks run outside the emitter
// lock so they may subscribe or unsubscribe freely.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	fns := make([]func(T), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len reports the number of live subscriptions.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Close drops every subscription and makes further Emit calls no-ops.
func (e *Emitter[T]) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.subs = make(map[int]func(T))
}
