package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"walletwire/internal/expirer"
)

var ErrInvalidURI = errors.New("engine: invalid pairing uri")

const uriVersion = "2"

// FormatURI renders the out-of-band pairing handoff:
// wc:<topic>@2?relay-protocol=<protocol>&symKey=<hex>.
func FormatURI(topic, symKey, relayProtocol string) string {
	q := url.Values{}
	q.Set("relay-protocol", relayProtocol)
	q.Set("symKey", symKey)
	return fmt.Sprintf("wc:%s@%s?%s", topic, uriVersion, q.Encode())
}

// ParseURI is the inverse of FormatURI.
func ParseURI(uri string) (topic, symKey, relayProtocol string, err error) {
	rest, ok := strings.CutPrefix(uri, "wc:")
	if !ok {
		return "", "", "", fmt.Errorf("%w: missing wc: scheme", ErrInvalidURI)
	}
	head, query, ok := strings.Cut(rest, "?")
	if !ok {
		return "", "", "", fmt.Errorf("%w: missing query", ErrInvalidURI)
	}
	topic, version, ok := strings.Cut(head, "@")
	if !ok || topic == "" {
		return "", "", "", fmt.Errorf("%w: missing topic", ErrInvalidURI)
	}
	if version != uriVersion {
		return "", "", "", fmt.Errorf("%w: unsupported version %q", ErrInvalidURI, version)
	}
	values, parseErr := url.ParseQuery(query)
	if parseErr != nil {
		return "", "", "", fmt.Errorf("%w: %v", ErrInvalidURI, parseErr)
	}
	symKey = values.Get("symKey")
	relayProtocol = values.Get("relay-protocol")
	if symKey == "" || relayProtocol == "" {
		return "", "", "", fmt.Errorf("%w: missing symKey or relay-protocol", ErrInvalidURI)
	}
	return topic, symKey, relayProtocol, nil
}

// createPairing mints a fresh symmetric key, registers the pairing topic
// and subscribes to it. The pairing starts inactive with a five minute
// window.
func (e *Engine) createPairing(ctx context.Context) (Pairing, string, error) {
	symKey := make([]byte, 32)
	if _, err := rand.Read(symKey); err != nil {
		return Pairing{}, "", err
	}
	symHex := hex.EncodeToString(symKey)
	topic, err := e.codec.SetSymKey(symHex)
	if err != nil {
		return Pairing{}, "", err
	}

	pairing := Pairing{
		Topic:  topic,
		Expiry: expirer.Expiry(PairingInactiveTTL),
		Relay:  Relay{Protocol: DefaultRelayProtocol},
		Active: false,
	}
	if err := e.pairings.Set(topic, pairing); err != nil {
		return Pairing{}, "", err
	}
	if err := e.expirer.Set(expirer.TopicTarget(topic), pairing.Expiry); err != nil {
		return Pairing{}, "", err
	}
	if _, err := e.relayer.Subscribe(ctx, topic); err != nil {
		return Pairing{}, "", err
	}
	return pairing, FormatURI(topic, symHex, DefaultRelayProtocol), nil
}

// Pair joins the channel named by a pairing URI; inbound proposals then
// arrive on it.
func (e *Engine) Pair(ctx context.Context, uri string) (Pairing, error) {
	topic, symKey, relayProtocol, err := ParseURI(uri)
	if err != nil {
		return Pairing{}, err
	}
	derived, err := e.codec.SetSymKey(symKey)
	if err != nil {
		return Pairing{}, err
	}
	if derived != topic {
		return Pairing{}, fmt.Errorf("%w: topic does not match symKey", ErrInvalidURI)
	}

	pairing := Pairing{
		Topic:  topic,
		Expiry: expirer.Expiry(PairingInactiveTTL),
		Relay:  Relay{Protocol: relayProtocol},
		Active: false,
	}
	if err := e.pairings.Set(topic, pairing); err != nil {
		return Pairing{}, err
	}
	if err := e.expirer.Set(expirer.TopicTarget(topic), pairing.Expiry); err != nil {
		return Pairing{}, err
	}
	if _, err := e.relayer.Subscribe(ctx, topic); err != nil {
		return Pairing{}, err
	}
	e.log.Info().Str("topic", topic).Msg("paired")
	return pairing, nil
}

// activatePairing marks the pairing live and extends it to the thirty
// day window. Unknown topics are ignored; the proposal may have arrived
// over a pairing owned by the peer.
func (e *Engine) activatePairing(topic string) {
	pairing, err := e.pairings.Get(topic)
	if err != nil {
		return
	}
	pairing.Active = true
	pairing.Expiry = expirer.Expiry(PairingActiveTTL)
	if err := e.pairings.Set(topic, pairing); err != nil {
		e.log.Error().Err(err).Str("topic", topic).Msg("activate pairing")
		return
	}
	if err := e.expirer.Set(expirer.TopicTarget(topic), pairing.Expiry); err != nil {
		e.log.Error().Err(err).Str("topic", topic).Msg("extend pairing expiry")
	}
}
