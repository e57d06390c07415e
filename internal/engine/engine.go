package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"walletwire/internal/crypto"
	"walletwire/internal/dispatch"
	"walletwire/internal/events"
	"walletwire/internal/expirer"
	"walletwire/internal/observability"
	"walletwire/internal/relay"
	"walletwire/internal/rpc"
	"walletwire/internal/state"
	"walletwire/internal/store"
	"walletwire/internal/verify"
)

var (
	ErrNotInitialized  = errors.New("engine: not initialized")
	ErrDisposed        = errors.New("engine: disposed")
	ErrNoProposal      = errors.New("engine: proposal not found")
	ErrNoSession       = errors.New("engine: session not found")
	ErrSubscribeFailed = errors.New("engine: could not subscribe to session topic")
)

// ProposalEvent pairs an inbound proposal with its origin verification.
type ProposalEvent struct {
	Proposal Proposal
	Verified VerifiedContext
}

// TopicEvent names the session a lifecycle event happened on.
type TopicEvent struct {
	Topic string
	ID    int64
}

// RejectionEvent reports a peer refusing a proposal or settle.
type RejectionEvent struct {
	Topic string
	ID    int64
	Error *rpc.Error
}

// UpdateEvent carries the replaced namespaces.
type UpdateEvent struct {
	Topic      string
	Namespaces Namespaces
}

// SessionRequestEvent is an inbound chain RPC call awaiting Respond.
type SessionRequestEvent struct {
	Topic    string
	ID       int64
	ChainID  string
	Request  RequestArguments
	Verified VerifiedContext
}

type sessionOutcome struct {
	session Session
	err     error
}

type requestOutcome struct {
	result json.RawMessage
	err    error
}

// Engine drives the session and pairing state machine over the typed
// dispatcher.
type Engine struct {
	log        zerolog.Logger
	dispatcher *dispatch.Dispatcher
	relayer    *relay.Relayer
	codec      crypto.Codec
	expirer    *expirer.Expirer
	verifier   verify.Verifier
	metadata   Metadata

	sessions  *state.Store[string, Session]
	proposals *state.Store[int64, Proposal]
	pairings  *state.Store[string, Pairing]
	pending   *state.Store[int64, PendingRequest]

	// One-shot handshake signals, registered before the request that
	// triggers them is published.
	connectWaiters *events.Waiters[sessionOutcome]
	approveWaiters *events.Waiters[sessionOutcome]
	requestWaiters *events.Waiters[requestOutcome]
	pingWaiters    *events.Waiters[error]

	SessionProposed  *events.Emitter[ProposalEvent]
	SessionConnected *events.Emitter[Session]
	SessionApproved  *events.Emitter[Session]
	SessionRejected  *events.Emitter[RejectionEvent]
	SessionUpdated   *events.Emitter[UpdateEvent]
	SessionExtended  *events.Emitter[Session]
	SessionPinged    *events.Emitter[TopicEvent]
	SessionDeleted   *events.Emitter[TopicEvent]
	SessionExpired   *events.Emitter[Session]
	SessionRequested *events.Emitter[SessionRequestEvent]

	mu            sync.Mutex
	customEvents  map[string]*events.Emitter[SessionEventData]
	registrations []*dispatch.Registration
	expirySub     *events.Subscription
	initialized   bool
	disposed      bool
}

func New(dispatcher *dispatch.Dispatcher, relayer *relay.Relayer, codec crypto.Codec, exp *expirer.Expirer, verifier verify.Verifier, storage store.Store, metadata Metadata, log zerolog.Logger) *Engine {
	elog := log.With().Str("module", "engine").Logger()
	return &Engine{
		log:        elog,
		dispatcher: dispatcher,
		relayer:    relayer,
		codec:      codec,
		expirer:    exp,
		verifier:   verifier,
		metadata:   metadata,

		sessions:  state.NewStore[string, Session]("session", storage, elog),
		proposals: state.NewStore[int64, Proposal]("proposal", storage, elog),
		pairings:  state.NewStore[string, Pairing]("pairing", storage, elog),
		pending:   state.NewStore[int64, PendingRequest]("request", storage, elog),

		connectWaiters: events.NewWaiters[sessionOutcome](),
		approveWaiters: events.NewWaiters[sessionOutcome](),
		requestWaiters: events.NewWaiters[requestOutcome](),
		pingWaiters:    events.NewWaiters[error](),

		SessionProposed:  events.NewEmitter[ProposalEvent](),
		SessionConnected: events.NewEmitter[Session](),
		SessionApproved:  events.NewEmitter[Session](),
		SessionRejected:  events.NewEmitter[RejectionEvent](),
		SessionUpdated:   events.NewEmitter[UpdateEvent](),
		SessionExtended:  events.NewEmitter[Session](),
		SessionPinged:    events.NewEmitter[TopicEvent](),
		SessionDeleted:   events.NewEmitter[TopicEvent](),
		SessionExpired:   events.NewEmitter[Session](),
		SessionRequested: events.NewEmitter[SessionRequestEvent](),

		customEvents: make(map[string]*events.Emitter[SessionEventData]),
	}
}

// Init rehydrates state and registers every handler pair. Idempotent.
func (e *Engine) Init() error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	if e.initialized {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	for _, s := range []interface{ Init() error }{e.sessions, e.proposals, e.pairings, e.pending} {
		if err := s.Init(); err != nil {
			return err
		}
	}

	if err := e.registerHandlers(); err != nil {
		return err
	}
	e.expirySub = e.expirer.Expired.Subscribe(e.onExpired)

	e.mu.Lock()
	e.initialized = true
	e.mu.Unlock()

	observability.SetActiveSessions(e.sessions.Len())
	return nil
}

func (e *Engine) registerHandlers() error {
	regs := []func() (*dispatch.Registration, error){
		func() (*dispatch.Registration, error) {
			return dispatch.Handle[SessionProposeParams, SessionProposeResponse](e.dispatcher,
				e.onSessionProposeRequest, e.onSessionProposeResponse)
		},
		func() (*dispatch.Registration, error) {
			return dispatch.Handle[SessionSettleParams, bool](e.dispatcher,
				e.onSessionSettleRequest, e.onSessionSettleResponse)
		},
		func() (*dispatch.Registration, error) {
			return dispatch.Handle[SessionUpdateParams, bool](e.dispatcher,
				e.onSessionUpdateRequest, e.onSessionUpdateResponse)
		},
		func() (*dispatch.Registration, error) {
			return dispatch.Handle[SessionExtendParams, bool](e.dispatcher,
				e.onSessionExtendRequest, e.onSessionExtendResponse)
		},
		func() (*dispatch.Registration, error) {
			return dispatch.Handle[SessionPingParams, bool](e.dispatcher,
				e.onSessionPingRequest, e.onSessionPingResponse)
		},
		func() (*dispatch.Registration, error) {
			return dispatch.Handle[SessionDeleteParams, bool](e.dispatcher,
				e.onSessionDeleteRequest, e.onSessionDeleteResponse)
		},
		func() (*dispatch.Registration, error) {
			return dispatch.Handle[SessionRequestParams, json.RawMessage](e.dispatcher,
				e.onSessionRequestRequest, e.onSessionRequestResponse)
		},
		func() (*dispatch.Registration, error) {
			return dispatch.Handle[SessionEventParams, bool](e.dispatcher,
				e.onSessionEventRequest, e.onSessionEventResponse)
		},
	}
	for _, register := range regs {
		reg, err := register()
		if err != nil {
			return err
		}
		e.mu.Lock()
		e.registrations = append(e.registrations, reg)
		e.mu.Unlock()
	}
	return nil
}

// onExpired triages an elapsed TTL: pending request id, live session
// topic, pairing topic, then proposal id. Unmatched targets are stale
// registrations and are ignored.
func (e *Engine) onExpired(exp expirer.Expiration) {
	target, err := expirer.ParseTarget(exp.Target)
	if err != nil {
		e.log.Warn().Err(err).Str("target", exp.Target).Msg("unparseable expiry target")
		return
	}

	if target.IsID() {
		if pr, err := e.pending.Get(target.ID); err == nil {
			e.pending.Delete(target.ID, "request expired")
			e.requestWaiters.Deliver(requestKey(pr.ID), requestOutcome{
				err: rpc.NewError(rpc.CodeSessionRequestExpired, "session request %d expired", pr.ID),
			})
			e.log.Info().Int64("id", pr.ID).Str("topic", pr.Topic).Msg("session request expired")
			return
		}
		if e.proposals.Has(target.ID) {
			e.proposals.Delete(target.ID, "proposal expired")
			e.connectWaiters.Deliver(connectKey(target.ID), sessionOutcome{
				err: rpc.NewError(rpc.CodeSessionRequestExpired, "proposal %d expired", target.ID),
			})
		}
		return
	}

	if session, err := e.sessions.Get(target.Topic); err == nil {
		e.sessions.Delete(target.Topic, "session expired")
		observability.SetActiveSessions(e.sessions.Len())
		e.SessionExpired.Emit(session)
		e.SessionDeleted.Emit(TopicEvent{Topic: target.Topic})
		return
	}
	if e.pairings.Has(target.Topic) {
		e.pairings.Delete(target.Topic, "pairing expired")
		e.codec.DeleteSymKey(target.Topic)
	}
}

func connectKey(id int64) string { return fmt.Sprintf("session_connect:%d", id) }
func approveKey(id int64) string { return fmt.Sprintf("session_approve:%d", id) }
func requestKey(id int64) string { return fmt.Sprintf("session_request:%d", id) }
func pingKey(topic string) string { return "session_ping:" + topic }

// verifiedContext resolves the origin of an inbound plaintext. Failure
// degrades to unknown.
func (e *Engine) verifiedContext(ctx context.Context, payload any) VerifiedContext {
	raw, err := json.Marshal(payload)
	if err != nil {
		return VerifiedContext{Validation: ValidationUnknown}
	}
	origin, err := e.verifier.Resolve(ctx, crypto.HashMessage(string(raw)))
	if err != nil || origin == "" {
		return VerifiedContext{Validation: ValidationUnknown}
	}
	return VerifiedContext{Origin: origin, Validation: ValidationValid}
}

// HandleEvent subscribes fn to the named session event; the token
// unsubscribes.
func (e *Engine) HandleEvent(name string, fn func(SessionEventData)) *events.Subscription {
	e.mu.Lock()
	emitter, ok := e.customEvents[name]
	if !ok {
		emitter = events.NewEmitter[SessionEventData]()
		e.customEvents[name] = emitter
	}
	e.mu.Unlock()
	return emitter.Subscribe(fn)
}

func (e *Engine) emitCustomEvent(data SessionEventData) {
	e.mu.Lock()
	emitter, ok := e.customEvents[data.Name]
	e.mu.Unlock()
	if ok {
		emitter.Emit(data)
	}
}

// cleanupSession drops every piece of local state tied to topic.
func (e *Engine) cleanupSession(ctx context.Context, topic, reason string) {
	e.sessions.Delete(topic, reason)
	observability.SetActiveSessions(e.sessions.Len())
	e.expirer.Delete(expirer.TopicTarget(topic))
	if err := e.relayer.Unsubscribe(ctx, topic); err != nil {
		e.log.Warn().Err(err).Str("topic", topic).Msg("unsubscribe")
	}
	e.codec.DeleteSymKey(topic)
}

// Dispose unregisters handlers and closes every emitter. Idempotent.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	regs := e.registrations
	e.registrations = nil
	sub := e.expirySub
	custom := e.customEvents
	e.customEvents = make(map[string]*events.Emitter[SessionEventData])
	e.mu.Unlock()

	for _, reg := range regs {
		reg.Close()
	}
	sub.Close()

	for _, emitter := range custom {
		emitter.Close()
	}
	e.SessionProposed.Close()
	e.SessionConnected.Close()
	e.SessionApproved.Close()
	e.SessionRejected.Close()
	e.SessionUpdated.Close()
	e.SessionExtended.Close()
	e.SessionPinged.Close()
	e.SessionDeleted.Close()
	e.SessionExpired.Close()
	e.SessionRequested.Close()
}
