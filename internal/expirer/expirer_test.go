package expirer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"walletwire/internal/store"
	"walletwire/internal/testutil/testlog"
)

func newTestExpirer(t *testing.T, interval time.Duration) *Expirer {
	t.Helper()
	log := testlog.Start(t)
	e := New(store.NewMemoryStore(), log)
	if err := e.Init(context.Background(), interval); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(e.Stop)
	return e
}

func TestTargetStringRoundTrip(t *testing.T) {
	testlog.Start(t)
	cases := []Target{TopicTarget("abc123"), IDTarget(1700000000123456)}
	for _, target := range cases {
		parsed, err := ParseTarget(target.String())
		if err != nil {
			t.Fatalf("parse %q: %v", target, err)
		}
		if parsed != target {
			t.Fatalf("round trip %q -> %q", target, parsed)
		}
	}
	for _, bad := range []string{"", "topic:", "id:", "id:zero", "session:1"} {
		if _, err := ParseTarget(bad); !errors.Is(err, ErrInvalidTarget) {
			t.Fatalf("%q should be invalid, got %v", bad, err)
		}
	}
}

func TestSetBeforeInitFails(t *testing.T) {
	log := testlog.Start(t)
	e := New(store.NewMemoryStore(), log)
	if err := e.Set(TopicTarget("t"), Expiry(time.Minute)); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestExpiryFiresOnceAndRemoves(t *testing.T) {
	e := newTestExpirer(t, 10*time.Millisecond)
	var fired atomic.Int32
	got := make(chan Expiration, 4)
	e.Expired.Subscribe(func(exp Expiration) {
		fired.Add(1)
		got <- exp
	})

	target := IDTarget(42)
	if err := e.Set(target, time.Now().Add(-time.Second).Unix()); err != nil {
		t.Fatalf("set: %v", err)
	}

	select {
	case exp := <-got:
		if exp.Target != target.String() {
			t.Fatalf("unexpected target %q", exp.Target)
		}
	case <-time.After(time.Second):
		t.Fatalf("expiry never fired")
	}

	// Additional ticks must not fire the same registration again.
	time.Sleep(50 * time.Millisecond)
	if n := fired.Load(); n != 1 {
		t.Fatalf("fired %d times", n)
	}
	if _, err := e.Get(target); !errors.Is(err, ErrTargetNotFound) {
		t.Fatalf("expected not found after firing, got %v", err)
	}
}

func TestSetReplacesDeadline(t *testing.T) {
	e := newTestExpirer(t, 10*time.Millisecond)
	target := TopicTarget("topic.a")
	if err := e.Set(target, Expiry(time.Hour)); err != nil {
		t.Fatalf("set: %v", err)
	}
	later := Expiry(2 * time.Hour)
	if err := e.Set(target, later); err != nil {
		t.Fatalf("replace: %v", err)
	}
	exp, err := e.Get(target)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if exp.Expiry != later {
		t.Fatalf("deadline not replaced: %d", exp.Expiry)
	}
}

func TestDeletePreventsFiring(t *testing.T) {
	e := newTestExpirer(t, 10*time.Millisecond)
	fired := make(chan Expiration, 1)
	e.Expired.Subscribe(func(exp Expiration) { fired <- exp })

	target := TopicTarget("topic.gone")
	if err := e.Set(target, Expiry(30*time.Millisecond)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := e.Delete(target); err != nil {
		t.Fatalf("delete: %v", err)
	}
	select {
	case exp := <-fired:
		t.Fatalf("deleted target fired: %+v", exp)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInitRehydratesFromStorage(t *testing.T) {
	log := testlog.Start(t)
	storage := store.NewMemoryStore()

	first := New(storage, log)
	if err := first.Init(context.Background(), time.Hour); err != nil {
		t.Fatalf("init: %v", err)
	}
	target := IDTarget(7)
	deadline := Expiry(time.Hour)
	if err := first.Set(target, deadline); err != nil {
		t.Fatalf("set: %v", err)
	}
	first.Stop()

	second := New(storage, log)
	if err := second.Init(context.Background(), time.Hour); err != nil {
		t.Fatalf("reinit: %v", err)
	}
	t.Cleanup(second.Stop)
	exp, err := second.Get(target)
	if err != nil {
		t.Fatalf("get after rehydrate: %v", err)
	}
	if exp.Expiry != deadline {
		t.Fatalf("unexpected deadline %d", exp.Expiry)
	}
}
