package history

import (
	"errors"
	"testing"

	"walletwire/internal/rpc"
	"walletwire/internal/store"
	"walletwire/internal/testutil/testlog"
)

type pingParams struct {
	Note string `json:"note"`
}

func newTestHistory(t *testing.T) *JsonRpcHistory[pingParams, bool] {
	t.Helper()
	log := testlog.Start(t)
	h := NewJsonRpcHistory[pingParams, bool]("wc_sessionPing", store.NewMemoryStore(), log)
	if err := h.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return h
}

func TestHistorySetIsIdempotent(t *testing.T) {
	h := newTestHistory(t)
	req := rpc.NewRequest("wc_sessionPing", pingParams{Note: "first"}, 100)
	if err := h.Set("topic.a", req); err != nil {
		t.Fatalf("set: %v", err)
	}
	dup := rpc.NewRequest("wc_sessionPing", pingParams{Note: "second"}, 100)
	if err := h.Set("topic.a", dup); err != nil {
		t.Fatalf("re-set: %v", err)
	}
	rec, err := h.Get("topic.a", 100)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Request.Params.Note != "first" {
		t.Fatalf("second set overwrote the record: %+v", rec)
	}
	if len(h.Pending()) != 1 {
		t.Fatalf("expected exactly one pending record")
	}
}

func TestHistoryResolveUnknownIsNoOp(t *testing.T) {
	h := newTestHistory(t)
	if err := h.Resolve("topic.a", rpc.NewResponse(999, true)); err != nil {
		t.Fatalf("resolve of unknown id should be silent, got %v", err)
	}
}

func TestHistoryResolveTwiceIsDetectable(t *testing.T) {
	h := newTestHistory(t)
	req := rpc.NewRequest("wc_sessionPing", pingParams{}, 7)
	if err := h.Set("topic.a", req); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := h.Resolve("topic.a", rpc.NewResponse(7, true)); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	err := h.Resolve("topic.a", rpc.NewResponse(7, false))
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	rec, _ := h.Get("topic.a", 7)
	if !rec.Resolved() || rec.Response.Result != true {
		t.Fatalf("first resolution must win: %+v", rec.Response)
	}
}

func TestHistoryExistsScopedByTopic(t *testing.T) {
	h := newTestHistory(t)
	req := rpc.NewRequest("wc_sessionPing", pingParams{}, 5)
	if err := h.Set("topic.a", req); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !h.Exists("topic.a", 5) {
		t.Fatalf("expected record")
	}
	if h.Exists("topic.b", 5) {
		t.Fatalf("record must be scoped to its topic")
	}
	if _, err := h.Get("topic.b", 5); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestHistoryDeleteByTopic(t *testing.T) {
	h := newTestHistory(t)
	h.Set("topic.a", rpc.NewRequest("wc_sessionPing", pingParams{}, 1))
	h.Set("topic.b", rpc.NewRequest("wc_sessionPing", pingParams{}, 2))
	if err := h.Delete("topic.a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if h.Exists("topic.a", 1) {
		t.Fatalf("topic.a records should be gone")
	}
	if !h.Exists("topic.b", 2) {
		t.Fatalf("topic.b records must survive")
	}
}

func TestHistoryRehydrates(t *testing.T) {
	log := testlog.Start(t)
	storage := store.NewMemoryStore()

	first := NewJsonRpcHistory[pingParams, bool]("wc_sessionPing", storage, log)
	if err := first.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	first.Set("topic.a", rpc.NewRequest("wc_sessionPing", pingParams{Note: "keep"}, 11))

	second := NewJsonRpcHistory[pingParams, bool]("wc_sessionPing", storage, log)
	if err := second.Init(); err != nil {
		t.Fatalf("reinit: %v", err)
	}
	rec, err := second.Get("topic.a", 11)
	if err != nil || rec.Request.Params.Note != "keep" {
		t.Fatalf("rehydrate failed: %+v err=%v", rec, err)
	}
}

func TestTrackerIdempotentSet(t *testing.T) {
	log := testlog.Start(t)
	tracker := NewMessageTracker(store.NewMemoryStore(), log)
	if err := tracker.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	d1, err := tracker.Set("topic.a", "ciphertext")
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	d2, err := tracker.Set("topic.a", "ciphertext")
	if err != nil {
		t.Fatalf("re-set: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("digest changed across idempotent set: %s vs %s", d1, d2)
	}
	record, _ := tracker.Get("topic.a")
	if len(record) != 1 {
		t.Fatalf("expected exactly one entry, have %d", len(record))
	}

	seen, err := tracker.Has("topic.a", "ciphertext")
	if err != nil || !seen {
		t.Fatalf("has: %v %v", seen, err)
	}
	seen, _ = tracker.Has("topic.a", "unseen")
	if seen {
		t.Fatalf("unseen message reported as seen")
	}
}

func TestTrackerRequiresInit(t *testing.T) {
	log := testlog.Start(t)
	tracker := NewMessageTracker(store.NewMemoryStore(), log)
	if _, err := tracker.Set("topic.a", "m"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestTrackerDeleteTopic(t *testing.T) {
	log := testlog.Start(t)
	tracker := NewMessageTracker(store.NewMemoryStore(), log)
	tracker.Init()
	tracker.Set("topic.a", "m1")
	if err := tracker.Delete("topic.a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	seen, _ := tracker.Has("topic.a", "m1")
	if seen {
		t.Fatalf("deleted topic should forget messages")
	}
}
