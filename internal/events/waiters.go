package events

import "sync"

// Waiters is a registry of one-shot signals keyed by string. A waiter is
// registered before the operation that eventually delivers to it, so the
// deliver side never races listener registration.
type Waiters[T any] struct {
	mu      sync.Mutex
	pending map[string]chan T
}

func NewWaiters[T any]() *Waiters[T] {
	return &Waiters[T]{pending: make(map[string]chan T)}
}

// Register creates the signal for key, replacing any stale one. The
// returned channel receives at most one value.
func (w *Waiters[T]) Register(key string) <-chan T {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan T, 1)
	w.pending[key] = ch
	return ch
}

// Deliver resolves the waiter for key, if any, exactly once. Unmatched
// deliveries are dropped.
func (w *Waiters[T]) Deliver(key string, v T) bool {
	w.mu.Lock()
	ch, ok := w.pending[key]
	if ok {
		delete(w.pending, key)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	ch <- v
	return true
}

// Cancel drops the waiter for key without delivering.
func (w *Waiters[T]) Cancel(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, key)
}
