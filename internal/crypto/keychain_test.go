package crypto

import (
	"errors"
	"testing"

	"walletwire/internal/store"
	"walletwire/internal/testutil/testlog"
)

func newTestKeychain(t *testing.T) *Keychain {
	t.Helper()
	log := testlog.Start(t)
	k := NewKeychain(store.NewMemoryStore(), log)
	if err := k.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return k
}

func TestGenerateKeyPairBeforeInit(t *testing.T) {
	log := testlog.Start(t)
	k := NewKeychain(store.NewMemoryStore(), log)
	if _, err := k.GenerateKeyPair(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestSharedKeyAgreesOnBothSides(t *testing.T) {
	alice := newTestKeychain(t)
	bob := newTestKeychain(t)

	alicePub, err := alice.GenerateKeyPair()
	if err != nil {
		t.Fatalf("alice keypair: %v", err)
	}
	bobPub, err := bob.GenerateKeyPair()
	if err != nil {
		t.Fatalf("bob keypair: %v", err)
	}

	topicA, err := alice.GenerateSharedKey(alicePub, bobPub)
	if err != nil {
		t.Fatalf("alice shared: %v", err)
	}
	topicB, err := bob.GenerateSharedKey(bobPub, alicePub)
	if err != nil {
		t.Fatalf("bob shared: %v", err)
	}
	if topicA != topicB {
		t.Fatalf("topics disagree: %s vs %s", topicA, topicB)
	}
	if !alice.HasKeys(topicA) || !bob.HasKeys(topicB) {
		t.Fatalf("both sides should hold the session key")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	alice := newTestKeychain(t)
	bob := newTestKeychain(t)

	alicePub, _ := alice.GenerateKeyPair()
	bobPub, _ := bob.GenerateKeyPair()
	topic, err := alice.GenerateSharedKey(alicePub, bobPub)
	if err != nil {
		t.Fatalf("shared: %v", err)
	}
	if _, err := bob.GenerateSharedKey(bobPub, alicePub); err != nil {
		t.Fatalf("bob shared: %v", err)
	}

	type msg struct {
		Method string `json:"method"`
		Value  int    `json:"value"`
	}
	sealed, err := alice.Encode(topic, msg{Method: "wc_sessionPing", Value: 7}, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var got msg
	if err := bob.Decode(topic, sealed, nil, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Method != "wc_sessionPing" || got.Value != 7 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestDecodeWithoutKeyFails(t *testing.T) {
	alice := newTestKeychain(t)
	stranger := newTestKeychain(t)

	symKey := "1f0cf0361b4918f704aa0124bc65f3294c596b5aba18a4f547dcfb813e1b088c"
	topic, err := alice.SetSymKey(symKey)
	if err != nil {
		t.Fatalf("set sym key: %v", err)
	}
	sealed, err := alice.Encode(topic, map[string]string{"k": "v"}, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var out map[string]string
	if err := stranger.Decode(topic, sealed, nil, &out); !errors.Is(err, ErrNoKeyForTopic) {
		t.Fatalf("expected ErrNoKeyForTopic, got %v", err)
	}
}

func TestDecodeGarbageFails(t *testing.T) {
	k := newTestKeychain(t)
	topic, err := k.SetSymKey("1f0cf0361b4918f704aa0124bc65f3294c596b5aba18a4f547dcfb813e1b088c")
	if err != nil {
		t.Fatalf("set sym key: %v", err)
	}
	var out map[string]string
	if err := k.Decode(topic, "not base64!!", nil, &out); !errors.Is(err, ErrBadEnvelope) {
		t.Fatalf("expected ErrBadEnvelope, got %v", err)
	}
	if err := k.Decode(topic, "AAAA", nil, &out); !errors.Is(err, ErrBadEnvelope) {
		t.Fatalf("short envelope should fail, got %v", err)
	}
}

func TestKeychainRehydrates(t *testing.T) {
	log := testlog.Start(t)
	storage := store.NewMemoryStore()

	first := NewKeychain(storage, log)
	if err := first.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	topic, err := first.SetSymKey("1f0cf0361b4918f704aa0124bc65f3294c596b5aba18a4f547dcfb813e1b088c")
	if err != nil {
		t.Fatalf("set sym key: %v", err)
	}

	second := NewKeychain(storage, log)
	if err := second.Init(); err != nil {
		t.Fatalf("reinit: %v", err)
	}
	if !second.HasKeys(topic) {
		t.Fatalf("key not rehydrated")
	}
}

func TestHashMessageStable(t *testing.T) {
	testlog.Start(t)
	a := HashMessage("payload")
	b := HashMessage("payload")
	if a != b || len(a) != 64 {
		t.Fatalf("digest unstable or wrong length: %q %q", a, b)
	}
	if HashMessage("other") == a {
		t.Fatalf("digest collision")
	}
}
