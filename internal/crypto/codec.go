// Package crypto owns the encryption collaborator contract and its
// default implementation.
//
// Ownership boundary:
// - envelope encode/decode per topic
// - key agreement and the topic<->symmetric-key mapping
// - message digests
package crypto

import "errors"

var (
	ErrNoKeyForTopic  = errors.New("crypto: no key for topic")
	ErrNoKeyPair      = errors.New("crypto: no key pair for public key")
	ErrNotInitialized = errors.New("crypto: not initialized")
	ErrBadEnvelope    = errors.New("crypto: malformed envelope")
)

// EnvelopeType selects the wire envelope layout.
type EnvelopeType byte

const (
	// EnvelopeType0 seals with the symmetric key already held for the
	// topic.
	EnvelopeType0 EnvelopeType = 0
	// EnvelopeType1 prepends the sender's public key so the receiver can
	// derive the key on first contact.
	EnvelopeType1 EnvelopeType = 1
)

// EncodeOptions overrides the default type-0 envelope.
type EncodeOptions struct {
	Type              EnvelopeType
	SenderPublicKey   string
	ReceiverPublicKey string
}

// DecodeOptions carries the receiver key needed for type-1 envelopes.
type DecodeOptions struct {
	ReceiverPublicKey string
}

// Codec is the cryptographic collaborator consumed by the dispatcher and
// the engine. Implementations own key persistence.
type Codec interface {
	// GenerateKeyPair creates an X25519 key pair and returns the public
	// key hex. The private half stays inside the codec.
	GenerateKeyPair() (string, error)
	// GenerateSharedKey runs key agreement between an owned key pair and
	// a peer public key, stores the derived symmetric key, and returns
	// the topic it is addressable by.
	GenerateSharedKey(selfPublicKey, peerPublicKey string) (string, error)
	// SetSymKey stores a raw symmetric key (hex) and returns its topic.
	SetSymKey(symKey string) (string, error)
	HasKeys(topic string) bool
	DeleteSymKey(topic string) error
	Encode(topic string, payload any, opts *EncodeOptions) (string, error)
	Decode(topic string, message string, opts *DecodeOptions, out any) error
}
