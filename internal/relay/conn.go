// Package relay owns the relay connection, request/response correlation
// and topic pub/sub plumbing.
//
// Ownership boundary:
// - Conn transport contract and the websocket implementation
// - Provider correlation map (one-shot expectations per request id)
// - Relayer publish/subscribe RPC and inbound delivery dedupe
package relay

import (
	"context"
	"errors"
)

var (
	ErrNotConnected  = errors.New("relay: not connected")
	ErrAlreadyOpen   = errors.New("relay: connection already open")
	ErrProviderDown  = errors.New("relay: provider disposed")
	ErrSubscribeFail = errors.New("relay: could not subscribe to topic")
)

// ConnCallbacks receives connection lifecycle and inbound payloads. A
// zero callback is skipped.
type ConnCallbacks struct {
	OnPayload func(data []byte)
	OnClose   func()
	OnError   func(err error)
}

// Conn is one byte-stream connection to a relay. Implementations must
// deliver callbacks from a single reader goroutine.
type Conn interface {
	Open(ctx context.Context, url string) error
	Close() error
	Send(ctx context.Context, data []byte) error
	Connected() bool
	URL() string
	// Bind replaces the callback set; Bind happens only after a
	// successful Open so a failed open never leaks listeners.
	Bind(cb ConnCallbacks)
	Unbind()
}
