// Package dispatch owns typed message routing: envelope decode, handler
// lookup by method, history recording and the typed send operations.
//
// Ownership boundary:
// - handler registry keyed request_<method> / response_<method>
// - per-topic decode options
// - raw-response recovery via history
// - per-method history instances
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"walletwire/internal/crypto"
	"walletwire/internal/events"
	"walletwire/internal/history"
	"walletwire/internal/relay"
	"walletwire/internal/rpc"
	"walletwire/internal/store"
)

var (
	ErrDisposed        = errors.New("dispatch: dispatcher disposed")
	ErrNotSerializable = errors.New("dispatch: params type cannot be serialized")
	ErrHistoryMismatch = errors.New("dispatch: history type mismatch for method")
)

// RawResponse is a decoded but still method-agnostic response payload.
// Listeners recover the method from their own history by (topic, id).
type RawResponse struct {
	Topic   string
	Payload *rpc.Payload
	Raw     json.RawMessage
}

type rawHandler func(topic string, raw json.RawMessage)

// Dispatcher routes decoded payloads to the typed handlers registered
// for their method and owns the typed publish path.
type Dispatcher struct {
	log      zerolog.Logger
	relayer  *relay.Relayer
	codec    crypto.Codec
	registry *rpc.Registry
	storage  store.Store

	mu          sync.Mutex
	handlers    map[string]rawHandler
	decodeOpts  map[string]*crypto.DecodeOptions
	histories   map[string]any
	typeChecked map[reflect.Type]error
	initialized bool
	disposed    bool
	messagesSub *events.Subscription

	// RawResponses fires for every decoded response payload before any
	// typed recovery happens.
	RawResponses *events.Emitter[RawResponse]
}

func NewDispatcher(relayer *relay.Relayer, codec crypto.Codec, registry *rpc.Registry, storage store.Store, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		log:          log.With().Str("module", "dispatch").Logger(),
		relayer:      relayer,
		codec:        codec,
		registry:     registry,
		storage:      storage,
		handlers:     make(map[string]rawHandler),
		decodeOpts:   make(map[string]*crypto.DecodeOptions),
		histories:    make(map[string]any),
		typeChecked:  make(map[reflect.Type]error),
		RawResponses: events.NewEmitter[RawResponse](),
	}
}

// Init subscribes to the relayer's message stream. Calling it again is a
// no-op.
func (d *Dispatcher) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disposed {
		return ErrDisposed
	}
	if d.initialized {
		return nil
	}
	d.messagesSub = d.relayer.Messages.Subscribe(d.onMessage)
	d.initialized = true
	return nil
}

// SetDecodeOptions pins decode options for a topic whose envelopes need
// an explicit receiver key (type-1 handshake messages).
func (d *Dispatcher) SetDecodeOptions(topic string, opts *crypto.DecodeOptions) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if opts == nil {
		delete(d.decodeOpts, topic)
		return
	}
	d.decodeOpts[topic] = opts
}

func (d *Dispatcher) decodeOptionsFor(topic string) *crypto.DecodeOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.decodeOpts[topic]
}

// onMessage decodes one inbound ciphertext and routes it. Messages for
// topics we hold no key for and have no decode options pinned are not
// for us and are skipped silently.
func (d *Dispatcher) onMessage(ev relay.MessageEvent) {
	d.mu.Lock()
	disposed := d.disposed
	d.mu.Unlock()
	if disposed {
		d.log.Debug().Str("topic", ev.Topic).Msg("message after dispose dropped")
		return
	}

	opts := d.decodeOptionsFor(ev.Topic)
	if opts == nil && !d.codec.HasKeys(ev.Topic) {
		d.log.Debug().Str("topic", ev.Topic).Msg("no keys for topic, skipping")
		return
	}

	var raw json.RawMessage
	if err := d.codec.Decode(ev.Topic, ev.Message, opts, &raw); err != nil {
		d.log.Warn().Err(err).Str("topic", ev.Topic).Msg("envelope decode failed")
		return
	}
	var payload rpc.Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		d.log.Warn().Err(err).Str("topic", ev.Topic).Msg("undecodable plaintext")
		return
	}

	if payload.IsRequest() {
		d.mu.Lock()
		handler, ok := d.handlers["request_"+payload.Method]
		d.mu.Unlock()
		if !ok {
			d.log.Debug().Str("method", payload.Method).Msg("no handler for inbound request")
			return
		}
		handler(ev.Topic, raw)
		return
	}

	d.RawResponses.Emit(RawResponse{Topic: ev.Topic, Payload: &payload, Raw: raw})
}

// HistoryOf returns the history instance for T's method, creating and
// initializing it on first use.
func HistoryOf[T, TR any](d *Dispatcher) (*history.JsonRpcHistory[T, TR], error) {
	method, err := rpc.MethodOf[T](d.registry)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	existing, ok := d.histories[method]
	d.mu.Unlock()
	if ok {
		hist, valid := existing.(*history.JsonRpcHistory[T, TR])
		if !valid {
			return nil, fmt.Errorf("%w: %s", ErrHistoryMismatch, method)
		}
		return hist, nil
	}

	hist := history.NewJsonRpcHistory[T, TR](method, d.storage, d.log)
	if err := hist.Init(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	// Another goroutine may have raced the creation.
	if existing, ok := d.histories[method]; ok {
		d.mu.Unlock()
		hist, valid := existing.(*history.JsonRpcHistory[T, TR])
		if !valid {
			return nil, fmt.Errorf("%w: %s", ErrHistoryMismatch, method)
		}
		return hist, nil
	}
	d.histories[method] = hist
	d.mu.Unlock()
	return hist, nil
}

// Registration is the disposal token returned by Handle. Close removes
// the request handler, the response handler and the recovery listener;
// it is safe to call more than once.
type Registration struct {
	once  sync.Once
	close func()
}

func (r *Registration) Close() {
	if r == nil {
		return
	}
	r.once.Do(r.close)
}

// Handle registers the typed request and response callbacks for T's
// method. A method pair may be registered once at a time; the returned
// token must be closed before re-registering.
func Handle[T, TR any](d *Dispatcher, onRequest func(topic string, req rpc.Request[T]), onResponse func(topic string, res rpc.Response[TR])) (*Registration, error) {
	method, err := rpc.MethodOf[T](d.registry)
	if err != nil {
		return nil, err
	}
	hist, err := HistoryOf[T, TR](d)
	if err != nil {
		return nil, err
	}

	requestHandler := func(topic string, raw json.RawMessage) {
		var req rpc.Request[T]
		if err := json.Unmarshal(raw, &req); err != nil {
			// A peer may publish a different type pair on this topic.
			d.log.Debug().Err(err).Str("method", method).Msg("request shape mismatch, skipping")
			return
		}
		if err := hist.Set(topic, req); err != nil {
			d.log.Error().Err(err).Str("method", method).Msg("record request")
			return
		}
		onRequest(topic, req)
	}

	responseHandler := func(topic string, raw json.RawMessage) {
		var res rpc.Response[TR]
		if err := json.Unmarshal(raw, &res); err != nil {
			d.log.Error().Err(err).Str("method", method).Msg("expected response is malformed")
			return
		}
		if err := hist.Resolve(topic, res); err != nil {
			d.log.Warn().Err(err).Str("method", method).Msg("resolve response")
			return
		}
		onResponse(topic, res)
	}

	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return nil, ErrDisposed
	}
	reqKey := "request_" + method
	resKey := "response_" + method
	if _, ok := d.handlers[reqKey]; ok {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", rpc.ErrDuplicateMethod, method)
	}
	d.handlers[reqKey] = requestHandler
	d.handlers[resKey] = responseHandler
	d.mu.Unlock()

	// Recovery listener: a response's wire form carries no method, so the
	// original request's history decides whether this response is ours.
	recovery := d.RawResponses.Subscribe(func(rr RawResponse) {
		if !hist.Exists(rr.Topic, rr.Payload.ID) {
			return
		}
		d.mu.Lock()
		handler, ok := d.handlers[resKey]
		d.mu.Unlock()
		if ok {
			handler(rr.Topic, rr.Raw)
		}
	})

	reg := &Registration{close: func() {
		recovery.Close()
		d.mu.Lock()
		delete(d.handlers, reqKey)
		delete(d.handlers, resKey)
		d.mu.Unlock()
	}}
	return reg, nil
}

// ensureSerializable verifies once per concrete type that params survive
// JSON marshaling; the verdict is cached.
func (d *Dispatcher) ensureSerializable(params any) error {
	t := reflect.TypeOf(params)
	d.mu.Lock()
	verdict, checked := d.typeChecked[t]
	d.mu.Unlock()
	if checked {
		return verdict
	}

	_, err := json.Marshal(params)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrNotSerializable, err)
	}
	d.mu.Lock()
	d.typeChecked[t] = err
	d.mu.Unlock()
	return err
}

// SendRequest encodes and publishes a typed request on topic, recording
// it in history first. The id derives from the request content, so a
// retry with identical params before any response reuses the same id.
// A positive ttlOverride replaces the registered publish TTL.
func SendRequest[T, TR any](ctx context.Context, d *Dispatcher, topic string, params T, ttlOverride time.Duration, encodeOpts *crypto.EncodeOptions) (int64, error) {
	if err := d.ensureSerializable(params); err != nil {
		return 0, err
	}
	method, err := rpc.MethodOf[T](d.registry)
	if err != nil {
		return 0, err
	}
	opts, err := rpc.RequestOptions[T](d.registry)
	if err != nil {
		return 0, err
	}
	if ttlOverride > 0 {
		opts.TTL = ttlOverride
	}

	id, err := rpc.ContentID(method, params)
	if err != nil {
		return 0, err
	}
	req := rpc.NewRequest(method, params, id)

	envelope, err := d.codec.Encode(topic, req, encodeOpts)
	if err != nil {
		return 0, err
	}

	hist, err := HistoryOf[T, TR](d)
	if err != nil {
		return 0, err
	}
	if err := hist.Set(topic, req); err != nil {
		return 0, err
	}

	if err := d.relayer.Publish(ctx, topic, envelope, opts); err != nil {
		return 0, err
	}
	return id, nil
}

// SendResult publishes a success response for (topic, id) and resolves
// the history record.
func SendResult[T, TR any](ctx context.Context, d *Dispatcher, topic string, id int64, result TR, encodeOpts *crypto.EncodeOptions) error {
	res := rpc.NewResponse(id, result)
	return sendResponse[T](ctx, d, topic, res, encodeOpts)
}

// SendError publishes an error response for (topic, id) and resolves the
// history record.
func SendError[T, TR any](ctx context.Context, d *Dispatcher, topic string, id int64, rpcErr *rpc.Error, encodeOpts *crypto.EncodeOptions) error {
	res := rpc.NewErrorResponse[TR](id, rpcErr)
	return sendResponse[T](ctx, d, topic, res, encodeOpts)
}

func sendResponse[T, TR any](ctx context.Context, d *Dispatcher, topic string, res rpc.Response[TR], encodeOpts *crypto.EncodeOptions) error {
	opts, err := rpc.ResponseOptions[T](d.registry)
	if err != nil {
		return err
	}
	envelope, err := d.codec.Encode(topic, res, encodeOpts)
	if err != nil {
		return err
	}
	if err := d.relayer.Publish(ctx, topic, envelope, opts); err != nil {
		return err
	}

	hist, err := HistoryOf[T, TR](d)
	if err != nil {
		return err
	}
	if err := hist.Resolve(topic, res); err != nil && !errors.Is(err, history.ErrAlreadyResolved) {
		return err
	}
	return nil
}

// Dispose unregisters the message subscription and all handlers. Late
// messages are dropped by the disposed check in onMessage.
func (d *Dispatcher) Dispose() {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}
	d.disposed = true
	sub := d.messagesSub
	d.handlers = make(map[string]rawHandler)
	d.mu.Unlock()

	sub.Close()
	d.RawResponses.Close()
}
