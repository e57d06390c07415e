package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"walletwire/internal/events"
	"walletwire/internal/rpc"
)

type callResult struct {
	raw json.RawMessage
	err error
}

// call is a one-shot expectation for one request id. It is removed from
// the correlation map before delivery, so a second payload for the same
// id finds nothing and is ignored.
type call struct {
	ch chan callResult
}

// Provider owns one relay connection and correlates request ids to
// in-flight expectations.
type Provider struct {
	log     zerolog.Logger
	context string

	mu         sync.Mutex
	conn       Conn
	url        string
	connecting bool
	connectCh  chan error
	calls      map[int64]*call
	disposed   bool

	// Connected fires after a connection open completes and listeners
	// are attached. Disconnected fires on connection close,
	// ErrorReceived on transport errors, RequestReceived for inbound
	// JSON-RPC requests (relay-initiated deliveries).
	Connected       *events.Emitter[string]
	Disconnected    *events.Emitter[struct{}]
	ErrorReceived   *events.Emitter[error]
	RequestReceived *events.Emitter[*rpc.Payload]
}

func NewProvider(conn Conn, url string, log zerolog.Logger) *Provider {
	p := &Provider{
		log:             log.With().Str("module", "provider").Logger(),
		context:         uuid.NewString(),
		conn:            conn,
		url:             url,
		calls:           make(map[int64]*call),
		Connected:       events.NewEmitter[string](),
		Disconnected:    events.NewEmitter[struct{}](),
		ErrorReceived:   events.NewEmitter[error](),
		RequestReceived: events.NewEmitter[*rpc.Payload](),
	}
	if conn.Connected() {
		p.bindLocked(conn)
	}
	return p
}

// Context is the unique id of this provider instance.
func (p *Provider) Context() string {
	return p.context
}

func (p *Provider) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil && p.conn.Connected()
}

// bindLocked moves listeners onto conn. Callers hold no lock ordering
// obligations: Bind only stores callbacks.
func (p *Provider) bindLocked(conn Conn) {
	conn.Bind(ConnCallbacks{
		OnPayload: p.onPayload,
		OnClose:   p.onClose,
		OnError:   p.onError,
	})
}

// Connect opens the provider's connection if it is not already open.
// Concurrent callers share one connect attempt.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return ErrProviderDown
	}
	if p.conn.Connected() {
		p.mu.Unlock()
		return nil
	}
	if p.connecting {
		ch := p.connectCh
		p.mu.Unlock()
		select {
		case err := <-ch:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.connecting = true
	p.connectCh = make(chan error, 8)
	conn := p.conn
	url := p.url
	p.mu.Unlock()

	err := conn.Open(ctx, url)

	p.mu.Lock()
	p.connecting = false
	ch := p.connectCh
	p.connectCh = nil
	if err == nil {
		p.bindLocked(conn)
	}
	p.mu.Unlock()

	// Wake any waiters sharing this attempt.
	for i := 0; i < cap(ch); i++ {
		select {
		case ch <- err:
		default:
			i = cap(ch)
		}
	}

	if err != nil {
		return err
	}
	p.Connected.Emit(url)
	return nil
}

// ConnectTo switches the provider to a different connection. Switching
// to a connection for the same URL that is already open is a no-op;
// otherwise the previous connection is closed first and listeners move
// to the new connection only after its open succeeds.
func (p *Provider) ConnectTo(ctx context.Context, conn Conn, url string) error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return ErrProviderDown
	}
	if p.url == url && conn.Connected() {
		p.mu.Unlock()
		return nil
	}
	prev := p.conn
	p.mu.Unlock()

	if prev != nil && prev.Connected() {
		prev.Unbind()
		if err := prev.Close(); err != nil {
			p.log.Warn().Err(err).Msg("closing previous connection")
		}
	}

	if err := conn.Open(ctx, url); err != nil {
		return err
	}

	p.mu.Lock()
	p.conn = conn
	p.url = url
	p.bindLocked(conn)
	p.mu.Unlock()

	p.Connected.Emit(url)
	return nil
}

func (p *Provider) Disconnect() error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return nil
	}
	conn.Unbind()
	return conn.Close()
}

// Request sends a JSON-RPC request and waits for its correlated
// response. A zero id composes a fresh one. Not-connected providers
// connect transparently first.
func Request[TR any](ctx context.Context, p *Provider, method string, params any) (TR, error) {
	var zero TR

	if !p.IsConnected() {
		if err := p.Connect(ctx); err != nil {
			return zero, err
		}
	}

	req := rpc.NewRequest(method, params, 0)
	data, err := json.Marshal(req)
	if err != nil {
		return zero, err
	}

	c := &call{ch: make(chan callResult, 1)}
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return zero, ErrProviderDown
	}
	p.calls[req.ID] = c
	conn := p.conn
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.calls, req.ID)
		p.mu.Unlock()
	}()

	if err := conn.Send(ctx, data); err != nil {
		return zero, err
	}

	select {
	case res := <-c.ch:
		if res.err != nil {
			return zero, res.err
		}
		var response rpc.Response[TR]
		if err := json.Unmarshal(res.raw, &response); err != nil {
			return zero, err
		}
		if response.IsError() {
			return zero, response.Error
		}
		return response.Result, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Respond acknowledges an inbound relay request.
func (p *Provider) Respond(ctx context.Context, id int64, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	payload := rpc.Payload{JSONRPC: rpc.Version, ID: id, Result: raw}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil || !conn.Connected() {
		return ErrNotConnected
	}
	return conn.Send(ctx, data)
}

func (p *Provider) onPayload(data []byte) {
	var payload rpc.Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		p.log.Warn().Err(err).Msg("dropping undecodable relay payload")
		return
	}

	if payload.IsRequest() {
		p.RequestReceived.Emit(&payload)
		return
	}

	p.mu.Lock()
	c, ok := p.calls[payload.ID]
	if ok {
		delete(p.calls, payload.ID)
	}
	disposed := p.disposed
	p.mu.Unlock()

	if disposed {
		p.log.Debug().Int64("id", payload.ID).Msg("response after dispose dropped")
		return
	}
	if !ok {
		p.log.Debug().Int64("id", payload.ID).Msg("response for unknown id ignored")
		return
	}
	c.ch <- callResult{raw: data}
}

// onError fails every outstanding expectation with the transport error.
func (p *Provider) onError(err error) {
	p.failAll(err)
	p.ErrorReceived.Emit(err)
}

func (p *Provider) onClose() {
	p.failAll(fmt.Errorf("%w: connection closed", ErrNotConnected))
	p.Disconnected.Emit(struct{}{})
}

func (p *Provider) failAll(err error) {
	p.mu.Lock()
	pending := p.calls
	p.calls = make(map[int64]*call)
	p.mu.Unlock()

	for _, c := range pending {
		c.ch <- callResult{err: err}
	}
}

// Dispose tears the provider down: outstanding requests fail, events
// stop, late responses are dropped.
func (p *Provider) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	conn := p.conn
	p.mu.Unlock()

	p.failAll(ErrProviderDown)
	if conn != nil {
		conn.Unbind()
		_ = conn.Close()
	}
	p.Connected.Close()
	p.Disconnected.Close()
	p.ErrorReceived.Close()
	p.RequestReceived.Close()
}
