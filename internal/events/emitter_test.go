package events

import (
	"testing"

	"walletwire/internal/testutil/testlog"
)

func TestEmitterSubscribeAndClose(t *testing.T) {
	testlog.Start(t)
	e := NewEmitter[int]()
	var got []int
	sub := e.Subscribe(func(v int) { got = append(got, v) })
	e.Emit(1)
	e.Emit(2)
	sub.Close()
	e.Emit(3)
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected deliveries: %v", got)
	}
	if e.Len() != 0 {
		t.Fatalf("expected no live subscriptions, have %d", e.Len())
	}
}

func TestEmitterOnceFiresExactlyOnce(t *testing.T) {
	testlog.Start(t)
	e := NewEmitter[string]()
	count := 0
	e.Once(func(string) { count++ })
	e.Emit("a")
	e.Emit("b")
	if count != 1 {
		t.Fatalf("once fired %d times", count)
	}
}

func TestEmitterSubscriptionCloseIdempotent(t *testing.T) {
	testlog.Start(t)
	e := NewEmitter[int]()
	sub := e.Subscribe(func(int) {})
	sub.Close()
	sub.Close()
	if e.Len() != 0 {
		t.Fatalf("expected empty emitter")
	}
}

func TestEmitterEmitAfterClose(t *testing.T) {
	testlog.Start(t)
	e := NewEmitter[int]()
	fired := false
	e.Subscribe(func(int) { fired = true })
	e.Close()
	e.Emit(7)
	if fired {
		t.Fatalf("emit after close should not deliver")
	}
	if sub := e.Subscribe(func(int) {}); sub == nil {
		t.Fatalf("subscribe after close must return a token")
	}
}

func TestWaitersDeliverOnce(t *testing.T) {
	testlog.Start(t)
	w := NewWaiters[int]()
	ch := w.Register("op.1")
	if !w.Deliver("op.1", 42) {
		t.Fatalf("expected delivery")
	}
	if w.Deliver("op.1", 43) {
		t.Fatalf("second delivery should be dropped")
	}
	if got := <-ch; got != 42 {
		t.Fatalf("got %d", got)
	}
}

func TestWaitersCancel(t *testing.T) {
	testlog.Start(t)
	w := NewWaiters[int]()
	w.Register("op.2")
	w.Cancel("op.2")
	if w.Deliver("op.2", 1) {
		t.Fatalf("delivery after cancel should be dropped")
	}
}
