package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"walletwire/internal/dispatch"
	"walletwire/internal/expirer"
	"walletwire/internal/observability"
	"walletwire/internal/rpc"
)

// ConnectOptions configures a session proposal. An empty PairingTopic
// mints a fresh pairing and returns its URI.
type ConnectOptions struct {
	RequiredNamespaces ProposedNamespaces
	OptionalNamespaces ProposedNamespaces
	PairingTopic       string
}

// ConnectResult carries the out-of-band URI and the approval waiter.
// Approval blocks until the peer settles or rejects; callers wrap it
// with their own deadline.
type ConnectResult struct {
	URI          string
	PairingTopic string
	Approval     func(ctx context.Context) (Session, error)
}

func (e *Engine) requireInit() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return ErrDisposed
	}
	if !e.initialized {
		return ErrNotInitialized
	}
	return nil
}

// Connect proposes a session. The waiter is registered before the
// proposal is published, so a fast peer cannot race it.
func (e *Engine) Connect(ctx context.Context, opts ConnectOptions) (*ConnectResult, error) {
	if err := e.requireInit(); err != nil {
		return nil, err
	}
	if verr := validateProposedNamespaces(opts.RequiredNamespaces); verr != nil {
		return nil, verr
	}

	pairingTopic := opts.PairingTopic
	uri := ""
	if pairingTopic == "" {
		pairing, formatted, err := e.createPairing(ctx)
		if err != nil {
			return nil, err
		}
		pairingTopic = pairing.Topic
		uri = formatted
	} else if !e.pairings.Has(pairingTopic) {
		return nil, fmt.Errorf("engine: unknown pairing topic %s", pairingTopic)
	}

	publicKey, err := e.codec.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	params := SessionProposeParams{
		Relays:             []Relay{{Protocol: DefaultRelayProtocol}},
		Proposer:           Participant{PublicKey: publicKey, Metadata: e.metadata},
		RequiredNamespaces: opts.RequiredNamespaces,
		OptionalNamespaces: opts.OptionalNamespaces,
	}
	id, err := rpc.ContentID(MethodSessionPropose, params)
	if err != nil {
		return nil, err
	}

	proposal := Proposal{
		ID:                 id,
		PairingTopic:       pairingTopic,
		Expiry:             expirer.Expiry(ProposalTTL),
		Proposer:           params.Proposer,
		Relays:             params.Relays,
		RequiredNamespaces: opts.RequiredNamespaces,
		OptionalNamespaces: opts.OptionalNamespaces,
	}
	if err := e.proposals.Set(id, proposal); err != nil {
		return nil, err
	}
	e.expirer.Set(expirer.IDTarget(id), proposal.Expiry)

	ch := e.connectWaiters.Register(connectKey(id))
	if _, err := dispatch.SendRequest[SessionProposeParams, SessionProposeResponse](ctx, e.dispatcher, pairingTopic, params, 0, nil); err != nil {
		e.connectWaiters.Cancel(connectKey(id))
		e.proposals.Delete(id, "propose publish failed")
		e.expirer.Delete(expirer.IDTarget(id))
		return nil, err
	}
	e.log.Info().Int64("id", id).Str("pairingTopic", pairingTopic).Msg("session proposed")

	return &ConnectResult{
		URI:          uri,
		PairingTopic: pairingTopic,
		Approval: func(ctx context.Context) (Session, error) {
			select {
			case outcome := <-ch:
				return outcome.session, outcome.err
			case <-ctx.Done():
				return Session{}, ctx.Err()
			}
		},
	}, nil
}

// ApproveResult names the settled topic and the acknowledgment waiter
// resolved by the peer's settle response.
type ApproveResult struct {
	Topic        string
	Acknowledged func(ctx context.Context) (Session, error)
}

// Approve accepts a proposal: runs key agreement, answers the proposal
// with the responder key and settles the session on the derived topic.
func (e *Engine) Approve(ctx context.Context, proposalID int64, namespaces Namespaces) (*ApproveResult, error) {
	if err := e.requireInit(); err != nil {
		return nil, err
	}
	proposal, err := e.proposals.Get(proposalID)
	if err != nil {
		return nil, fmt.Errorf("%w: %d", ErrNoProposal, proposalID)
	}
	if verr := validateConformingNamespaces(proposal.RequiredNamespaces, namespaces); verr != nil {
		return nil, verr
	}

	responderKey, err := e.codec.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	sessionTopic, err := e.codec.GenerateSharedKey(responderKey, proposal.Proposer.PublicKey)
	if err != nil {
		return nil, err
	}
	if err := e.subscribeWithRetry(ctx, sessionTopic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSubscribeFailed, err)
	}

	relay := Relay{Protocol: DefaultRelayProtocol}
	if err := dispatch.SendResult[SessionProposeParams, SessionProposeResponse](ctx, e.dispatcher, proposal.PairingTopic, proposalID,
		SessionProposeResponse{Relay: relay, ResponderPublicKey: responderKey}, nil); err != nil {
		return nil, err
	}
	e.activatePairing(proposal.PairingTopic)

	settleParams := SessionSettleParams{
		Relay:              relay,
		Namespaces:         namespaces,
		RequiredNamespaces: proposal.RequiredNamespaces,
		Controller:         Participant{PublicKey: responderKey, Metadata: e.metadata},
		Expiry:             expirer.Expiry(SessionTTL),
	}
	settleID, err := rpc.ContentID(MethodSessionSettle, settleParams)
	if err != nil {
		return nil, err
	}

	session := Session{
		Topic:               sessionTopic,
		PairingTopic:        proposal.PairingTopic,
		Relay:               relay,
		Expiry:              settleParams.Expiry,
		Namespaces:          namespaces,
		RequiredNamespaces:  proposal.RequiredNamespaces,
		Acknowledged:        false,
		ControllerPublicKey: responderKey,
		Self:                Participant{PublicKey: responderKey, Metadata: e.metadata},
		Peer:                proposal.Proposer,
	}
	if err := e.sessions.Set(sessionTopic, session); err != nil {
		return nil, err
	}
	e.expirer.Set(expirer.TopicTarget(sessionTopic), session.Expiry)
	observability.SetActiveSessions(e.sessions.Len())

	ch := e.approveWaiters.Register(approveKey(settleID))
	if _, err := dispatch.SendRequest[SessionSettleParams, bool](ctx, e.dispatcher, sessionTopic, settleParams, 0, nil); err != nil {
		e.approveWaiters.Cancel(approveKey(settleID))
		e.cleanupSession(ctx, sessionTopic, "settle publish failed")
		return nil, err
	}

	e.proposals.Delete(proposalID, "approved")
	e.expirer.Delete(expirer.IDTarget(proposalID))

	return &ApproveResult{
		Topic: sessionTopic,
		Acknowledged: func(ctx context.Context) (Session, error) {
			select {
			case outcome := <-ch:
				return outcome.session, outcome.err
			case <-ctx.Done():
				return Session{}, ctx.Err()
			}
		},
	}, nil
}

// Reject refuses a proposal with the given reason (user rejection when
// nil) and drops it.
func (e *Engine) Reject(ctx context.Context, proposalID int64, reason *rpc.Error) error {
	if err := e.requireInit(); err != nil {
		return err
	}
	proposal, err := e.proposals.Get(proposalID)
	if err != nil {
		return fmt.Errorf("%w: %d", ErrNoProposal, proposalID)
	}
	if reason == nil {
		reason = rpc.NewError(rpc.CodeUserRejected, "user rejected")
	}

	if err := dispatch.SendError[SessionProposeParams, SessionProposeResponse](ctx, e.dispatcher, proposal.PairingTopic, proposalID, reason, nil); err != nil {
		return err
	}
	e.proposals.Delete(proposalID, "rejected")
	e.expirer.Delete(expirer.IDTarget(proposalID))
	return nil
}

// Update replaces the session's namespaces; only a grant that still
// conforms to the original requirements is allowed.
func (e *Engine) Update(ctx context.Context, topic string, namespaces Namespaces) error {
	if err := e.requireInit(); err != nil {
		return err
	}
	session, err := e.sessions.Get(topic)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNoSession, topic)
	}
	if verr := validateConformingNamespaces(session.RequiredNamespaces, namespaces); verr != nil {
		return verr
	}

	if _, err := dispatch.SendRequest[SessionUpdateParams, bool](ctx, e.dispatcher, topic, SessionUpdateParams{Namespaces: namespaces}, 0, nil); err != nil {
		return err
	}
	session.Namespaces = namespaces
	return e.sessions.Set(topic, session)
}

// Extend pushes the session expiry out by the full session lifetime.
func (e *Engine) Extend(ctx context.Context, topic string) error {
	if err := e.requireInit(); err != nil {
		return err
	}
	session, err := e.sessions.Get(topic)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNoSession, topic)
	}

	if _, err := dispatch.SendRequest[SessionExtendParams, bool](ctx, e.dispatcher, topic, SessionExtendParams{}, 0, nil); err != nil {
		return err
	}
	session.Expiry = expirer.Expiry(SessionTTL)
	if err := e.sessions.Set(topic, session); err != nil {
		return err
	}
	return e.expirer.Set(expirer.TopicTarget(topic), session.Expiry)
}

// Ping round-trips the session topic. The response waiter is registered
// before the request is published.
func (e *Engine) Ping(ctx context.Context, topic string) error {
	if err := e.requireInit(); err != nil {
		return err
	}
	if !e.sessions.Has(topic) {
		return fmt.Errorf("%w: %s", ErrNoSession, topic)
	}

	ch := e.pingWaiters.Register(pingKey(topic))
	if _, err := dispatch.SendRequest[SessionPingParams, bool](ctx, e.dispatcher, topic, SessionPingParams{}, 0, nil); err != nil {
		e.pingWaiters.Cancel(pingKey(topic))
		return err
	}

	select {
	case err := <-ch:
		if err == nil {
			e.SessionPinged.Emit(TopicEvent{Topic: topic})
		}
		return err
	case <-ctx.Done():
		e.pingWaiters.Cancel(pingKey(topic))
		return ctx.Err()
	}
}

// Disconnect deletes the session on both ends.
func (e *Engine) Disconnect(ctx context.Context, topic string, reason *rpc.Error) error {
	if err := e.requireInit(); err != nil {
		return err
	}
	if !e.sessions.Has(topic) {
		return fmt.Errorf("%w: %s", ErrNoSession, topic)
	}
	if reason == nil {
		reason = rpc.NewError(rpc.CodeUserDisconnected, "user disconnected")
	}

	params := SessionDeleteParams{Code: reason.Code, Message: reason.Message}
	if _, err := dispatch.SendRequest[SessionDeleteParams, bool](ctx, e.dispatcher, topic, params, 0, nil); err != nil {
		return err
	}
	e.cleanupSession(ctx, topic, "disconnected")
	e.SessionDeleted.Emit(TopicEvent{Topic: topic})
	return nil
}

// Request sends a chain RPC call over the session and waits for the
// peer's answer. TTL elapse surfaces as a session-request-expired error.
func (e *Engine) Request(ctx context.Context, topic, chainID string, request RequestArguments) (json.RawMessage, error) {
	if err := e.requireInit(); err != nil {
		return nil, err
	}
	session, err := e.sessions.Get(topic)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, topic)
	}
	if !methodAuthorized(session, chainID, request.Method) {
		return nil, rpc.NewError(rpc.CodeUnauthorizedMethod, "method %s not authorized for %s", request.Method, chainID)
	}

	if request.Expiry == 0 {
		request.Expiry = expirer.Expiry(SessionRequestTTL)
	}
	params := SessionRequestParams{Request: request, ChainID: chainID}
	id, err := rpc.ContentID(MethodSessionRequest, params)
	if err != nil {
		return nil, err
	}

	pr := PendingRequest{
		ID:      id,
		Topic:   topic,
		ChainID: chainID,
		Method:  request.Method,
		Params:  request.Params,
		Expiry:  request.Expiry,
	}
	if err := e.pending.Set(id, pr); err != nil {
		return nil, err
	}
	e.expirer.Set(expirer.IDTarget(id), request.Expiry)

	ch := e.requestWaiters.Register(requestKey(id))
	if _, err := dispatch.SendRequest[SessionRequestParams, json.RawMessage](ctx, e.dispatcher, topic, params, 0, nil); err != nil {
		e.requestWaiters.Cancel(requestKey(id))
		e.pending.Delete(id, "publish failed")
		e.expirer.Delete(expirer.IDTarget(id))
		return nil, err
	}

	select {
	case outcome := <-ch:
		return outcome.result, outcome.err
	case <-ctx.Done():
		e.requestWaiters.Cancel(requestKey(id))
		return nil, ctx.Err()
	}
}

// Respond answers an inbound session request with a result.
func (e *Engine) Respond(ctx context.Context, topic string, id int64, result json.RawMessage) error {
	if err := e.requireInit(); err != nil {
		return err
	}
	if err := dispatch.SendResult[SessionRequestParams, json.RawMessage](ctx, e.dispatcher, topic, id, result, nil); err != nil {
		return err
	}
	e.pending.Delete(id, "responded")
	e.expirer.Delete(expirer.IDTarget(id))
	return nil
}

// RespondError answers an inbound session request with an error.
func (e *Engine) RespondError(ctx context.Context, topic string, id int64, rpcErr *rpc.Error) error {
	if err := e.requireInit(); err != nil {
		return err
	}
	if err := dispatch.SendError[SessionRequestParams, json.RawMessage](ctx, e.dispatcher, topic, id, rpcErr, nil); err != nil {
		return err
	}
	e.pending.Delete(id, "responded with error")
	e.expirer.Delete(expirer.IDTarget(id))
	return nil
}

// EmitEvent fans a named event out to the peer; it must be authorized
// for the chain on this session.
func (e *Engine) EmitEvent(ctx context.Context, topic, chainID string, event SessionEventData) error {
	if err := e.requireInit(); err != nil {
		return err
	}
	session, err := e.sessions.Get(topic)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNoSession, topic)
	}
	if !eventAuthorized(session, chainID, event.Name) {
		return rpc.NewError(rpc.CodeUnauthorizedEvent, "event %s not authorized for %s", event.Name, chainID)
	}

	_, err = dispatch.SendRequest[SessionEventParams, bool](ctx, e.dispatcher, topic, SessionEventParams{Event: event, ChainID: chainID}, 0, nil)
	return err
}

// Find returns the settled sessions whose grants satisfy the given
// requirements.
func (e *Engine) Find(required ProposedNamespaces) []Session {
	return sessionsMatching(e.sessions.Values(), required)
}

func (e *Engine) Sessions() []Session { return e.sessions.Values() }

func (e *Engine) Session(topic string) (Session, error) {
	session, err := e.sessions.Get(topic)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %s", ErrNoSession, topic)
	}
	return session, nil
}

func (e *Engine) Proposals() []Proposal { return e.proposals.Values() }

func (e *Engine) Pairings() []Pairing { return e.pairings.Values() }

func (e *Engine) PendingRequests() []PendingRequest { return e.pending.Values() }
