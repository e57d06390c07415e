package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"walletwire/internal/store"
)

const (
	keyLen   = 32
	nonceLen = chacha20poly1305.NonceSize
)

// Keychain is the default Codec: X25519 agreement, HKDF-SHA256 key
// derivation and ChaCha20-Poly1305 sealed envelopes, with keys persisted
// through the backing store.
type Keychain struct {
	log     zerolog.Logger
	storage store.Store

	mu          sync.Mutex
	symKeys     map[string]string // topic -> symmetric key hex
	keyPairs    map[string]string // public key hex -> private key hex
	initialized bool
}

var _ Codec = (*Keychain)(nil)

func NewKeychain(storage store.Store, log zerolog.Logger) *Keychain {
	return &Keychain{
		log:      log.With().Str("module", "crypto").Logger(),
		storage:  storage,
		symKeys:  make(map[string]string),
		keyPairs: make(map[string]string),
	}
}

type keychainState struct {
	SymKeys  map[string]string `json:"sym_keys"`
	KeyPairs map[string]string `json:"key_pairs"`
}

func (k *Keychain) storageKey() string {
	return store.ModuleKey("keychain")
}

// Init loads persisted keys. Idempotent.
func (k *Keychain) Init() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.initialized {
		return nil
	}
	var state keychainState
	if err := k.storage.Get(k.storageKey(), &state); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if state.SymKeys != nil {
		k.symKeys = state.SymKeys
	}
	if state.KeyPairs != nil {
		k.keyPairs = state.KeyPairs
	}
	k.initialized = true
	return nil
}

func (k *Keychain) snapshotLocked() keychainState {
	state := keychainState{
		SymKeys:  make(map[string]string, len(k.symKeys)),
		KeyPairs: make(map[string]string, len(k.keyPairs)),
	}
	for topic, key := range k.symKeys {
		state.SymKeys[topic] = key
	}
	for pub, priv := range k.keyPairs {
		state.KeyPairs[pub] = priv
	}
	return state
}

func (k *Keychain) persist(state keychainState) {
	if err := k.storage.Set(k.storageKey(), state); err != nil {
		k.log.Error().Err(err).Msg("persist keychain")
	}
}

func (k *Keychain) GenerateKeyPair() (string, error) {
	k.mu.Lock()
	if !k.initialized {
		k.mu.Unlock()
		return "", ErrNotInitialized
	}
	k.mu.Unlock()

	priv := make([]byte, keyLen)
	if _, err := rand.Read(priv); err != nil {
		return "", err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", err
	}
	pubHex := hex.EncodeToString(pub)

	k.mu.Lock()
	k.keyPairs[pubHex] = hex.EncodeToString(priv)
	state := k.snapshotLocked()
	k.mu.Unlock()

	k.persist(state)
	return pubHex, nil
}

// GenerateSharedKey derives sym = HKDF-SHA256(X25519(self, peer)) and
// registers it under topic = sha256(sym).
func (k *Keychain) GenerateSharedKey(selfPublicKey, peerPublicKey string) (string, error) {
	k.mu.Lock()
	privHex, ok := k.keyPairs[selfPublicKey]
	k.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoKeyPair, selfPublicKey)
	}

	priv, err := hex.DecodeString(privHex)
	if err != nil {
		return "", err
	}
	peer, err := hex.DecodeString(peerPublicKey)
	if err != nil {
		return "", fmt.Errorf("%w: bad peer public key", ErrBadEnvelope)
	}
	shared, err := curve25519.X25519(priv, peer)
	if err != nil {
		return "", err
	}

	symKey := make([]byte, keyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, nil), symKey); err != nil {
		return "", err
	}
	return k.SetSymKey(hex.EncodeToString(symKey))
}

func (k *Keychain) SetSymKey(symKey string) (string, error) {
	raw, err := hex.DecodeString(symKey)
	if err != nil || len(raw) != keyLen {
		return "", fmt.Errorf("%w: bad symmetric key", ErrBadEnvelope)
	}
	sum := sha256.Sum256(raw)
	topic := hex.EncodeToString(sum[:])

	k.mu.Lock()
	if !k.initialized {
		k.mu.Unlock()
		return "", ErrNotInitialized
	}
	k.symKeys[topic] = symKey
	state := k.snapshotLocked()
	k.mu.Unlock()

	k.persist(state)
	return topic, nil
}

func (k *Keychain) HasKeys(topic string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.symKeys[topic]
	return ok
}

func (k *Keychain) DeleteSymKey(topic string) error {
	k.mu.Lock()
	delete(k.symKeys, topic)
	state := k.snapshotLocked()
	k.mu.Unlock()
	k.persist(state)
	return nil
}

func (k *Keychain) aeadForTopic(topic string) (cipherAEAD, error) {
	k.mu.Lock()
	symHex, ok := k.symKeys[topic]
	k.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoKeyForTopic, topic)
	}
	key, err := hex.DecodeString(symHex)
	if err != nil {
		return nil, err
	}
	return chacha20poly1305.New(key)
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// Encode seals the JSON form of payload for topic. The default envelope
// is type 0; type 1 prepends the sender public key.
func (k *Keychain) Encode(topic string, payload any, opts *EncodeOptions) (string, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	envType := EnvelopeType0
	var senderPub []byte
	if opts != nil && opts.Type == EnvelopeType1 {
		envType = EnvelopeType1
		senderPub, err = hex.DecodeString(opts.SenderPublicKey)
		if err != nil || len(senderPub) != keyLen {
			return "", fmt.Errorf("%w: bad sender public key", ErrBadEnvelope)
		}
	}

	aead, err := k.aeadForTopic(topic)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	envelope := []byte{byte(envType)}
	envelope = append(envelope, senderPub...)
	envelope = append(envelope, nonce...)
	envelope = aead.Seal(envelope, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(envelope), nil
}

// Decode opens an envelope for topic into out. For type-1 envelopes the
// symmetric key is derived from the embedded sender key and the receiver
// key named in opts.
func (k *Keychain) Decode(topic string, message string, opts *DecodeOptions, out any) error {
	envelope, err := base64.StdEncoding.DecodeString(message)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if len(envelope) < 1+nonceLen {
		return fmt.Errorf("%w: short envelope", ErrBadEnvelope)
	}

	body := envelope[1:]
	switch EnvelopeType(envelope[0]) {
	case EnvelopeType0:
	case EnvelopeType1:
		if len(body) < keyLen+nonceLen {
			return fmt.Errorf("%w: short type1 envelope", ErrBadEnvelope)
		}
		if opts == nil || opts.ReceiverPublicKey == "" {
			return fmt.Errorf("%w: type1 envelope needs receiver key", ErrBadEnvelope)
		}
		senderPub := hex.EncodeToString(body[:keyLen])
		if _, err := k.GenerateSharedKey(opts.ReceiverPublicKey, senderPub); err != nil {
			return err
		}
		body = body[keyLen:]
	default:
		return fmt.Errorf("%w: unknown envelope type %d", ErrBadEnvelope, envelope[0])
	}

	aead, err := k.aeadForTopic(topic)
	if err != nil {
		return err
	}
	nonce := body[:nonceLen]
	plaintext, err := aead.Open(nil, nonce, body[nonceLen:], nil)
	if err != nil {
		return fmt.Errorf("%w: open failed", ErrBadEnvelope)
	}
	return json.Unmarshal(plaintext, out)
}
