package engine

import (
	"context"
	"encoding/json"
	"runtime"

	"walletwire/internal/dispatch"
	"walletwire/internal/expirer"
	"walletwire/internal/observability"
	"walletwire/internal/rpc"
)

// replyError converts a validation failure into an error response on the
// wire. Handler validation must never propagate past this boundary.
func replyError[T, TR any](e *Engine, topic string, id int64, rpcErr *rpc.Error) {
	if err := dispatch.SendError[T, TR](context.Background(), e.dispatcher, topic, id, rpcErr, nil); err != nil {
		e.log.Error().Err(err).Str("topic", topic).Int64("id", id).Msg("send error response")
	}
}

// subscribeWithRetry yields and retries up to five times before giving
// up; the relay occasionally refuses a subscribe right after key
// agreement.
func (e *Engine) subscribeWithRetry(ctx context.Context, topic string) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		if _, err = e.relayer.Subscribe(ctx, topic); err == nil {
			return nil
		}
		runtime.Gosched()
	}
	return err
}

func (e *Engine) onSessionProposeRequest(topic string, req rpc.Request[SessionProposeParams]) {
	if verr := validateProposedNamespaces(req.Params.RequiredNamespaces); verr != nil {
		replyError[SessionProposeParams, SessionProposeResponse](e, topic, req.ID, verr)
		return
	}

	proposal := Proposal{
		ID:                 req.ID,
		PairingTopic:       topic,
		Expiry:             expirer.Expiry(ProposalTTL),
		Proposer:           req.Params.Proposer,
		Relays:             req.Params.Relays,
		RequiredNamespaces: req.Params.RequiredNamespaces,
		OptionalNamespaces: req.Params.OptionalNamespaces,
	}
	if err := e.proposals.Set(req.ID, proposal); err != nil {
		e.log.Error().Err(err).Int64("id", req.ID).Msg("store proposal")
		return
	}
	if err := e.expirer.Set(expirer.IDTarget(req.ID), proposal.Expiry); err != nil {
		e.log.Error().Err(err).Int64("id", req.ID).Msg("schedule proposal expiry")
	}

	verified := e.verifiedContext(context.Background(), req)
	e.log.Info().Int64("id", req.ID).Str("topic", topic).
		Str("proposer", req.Params.Proposer.Metadata.Name).
		Str("validation", verified.Validation.String()).
		Msg("session proposed")
	e.SessionProposed.Emit(ProposalEvent{Proposal: proposal, Verified: verified})
}

func (e *Engine) onSessionProposeResponse(topic string, res rpc.Response[SessionProposeResponse]) {
	proposal, err := e.proposals.Get(res.ID)
	if err != nil {
		e.log.Debug().Int64("id", res.ID).Msg("propose response for unknown proposal")
		return
	}

	if res.IsError() {
		e.proposals.Delete(res.ID, "proposal rejected by peer")
		e.expirer.Delete(expirer.IDTarget(res.ID))
		e.SessionRejected.Emit(RejectionEvent{Topic: topic, ID: res.ID, Error: res.Error})
		e.connectWaiters.Deliver(connectKey(res.ID), sessionOutcome{err: res.Error})
		return
	}

	sessionTopic, err := e.codec.GenerateSharedKey(proposal.Proposer.PublicKey, res.Result.ResponderPublicKey)
	if err != nil {
		e.log.Error().Err(err).Int64("id", res.ID).Msg("key agreement failed")
		e.connectWaiters.Deliver(connectKey(res.ID), sessionOutcome{err: err})
		return
	}
	proposal.SessionTopic = sessionTopic
	if err := e.proposals.Set(res.ID, proposal); err != nil {
		e.log.Error().Err(err).Int64("id", res.ID).Msg("persist session topic")
	}

	e.activatePairing(topic)

	ctx := context.Background()
	if err := e.subscribeWithRetry(ctx, sessionTopic); err != nil {
		e.log.Error().Err(err).Str("topic", sessionTopic).Msg("session topic subscribe failed")
		e.connectWaiters.Deliver(connectKey(res.ID), sessionOutcome{err: ErrSubscribeFailed})
		return
	}
	e.log.Debug().Int64("id", res.ID).Str("sessionTopic", sessionTopic).Msg("awaiting settle")
}

func (e *Engine) onSessionSettleRequest(topic string, req rpc.Request[SessionSettleParams]) {
	var proposal Proposal
	found := false
	for _, p := range e.proposals.Values() {
		if p.SessionTopic == topic {
			proposal = p
			found = true
			break
		}
	}
	if !found {
		replyError[SessionSettleParams, bool](e, topic, req.ID,
			rpc.NewError(rpc.CodeInvalidSettleRequest, "no proposal for session topic"))
		return
	}
	if verr := validateConformingNamespaces(proposal.RequiredNamespaces, req.Params.Namespaces); verr != nil {
		replyError[SessionSettleParams, bool](e, topic, req.ID, verr)
		return
	}

	session := Session{
		Topic:               topic,
		PairingTopic:        proposal.PairingTopic,
		Relay:               req.Params.Relay,
		Expiry:              req.Params.Expiry,
		Namespaces:          req.Params.Namespaces,
		RequiredNamespaces:  proposal.RequiredNamespaces,
		Acknowledged:        false,
		ControllerPublicKey: req.Params.Controller.PublicKey,
		Self:                Participant{PublicKey: proposal.Proposer.PublicKey, Metadata: e.metadata},
		Peer:                req.Params.Controller,
	}
	if err := e.sessions.Set(topic, session); err != nil {
		e.log.Error().Err(err).Str("topic", topic).Msg("store session")
		return
	}
	if err := e.expirer.Set(expirer.TopicTarget(topic), session.Expiry); err != nil {
		e.log.Error().Err(err).Str("topic", topic).Msg("schedule session expiry")
	}

	if err := dispatch.SendResult[SessionSettleParams, bool](context.Background(), e.dispatcher, topic, req.ID, true, nil); err != nil {
		e.log.Error().Err(err).Str("topic", topic).Msg("settle acknowledgement failed")
		return
	}
	// The settle result is on its way; from this side the handshake is
	// complete.
	session.Acknowledged = true
	e.sessions.Set(topic, session)

	e.proposals.Delete(proposal.ID, "settled")
	e.expirer.Delete(expirer.IDTarget(proposal.ID))
	observability.SetActiveSessions(e.sessions.Len())
	e.log.Info().Str("topic", topic).Str("controller", session.ControllerPublicKey).Msg("session settled")

	e.SessionConnected.Emit(session)
	e.connectWaiters.Deliver(connectKey(proposal.ID), sessionOutcome{session: session})
}

func (e *Engine) onSessionSettleResponse(topic string, res rpc.Response[bool]) {
	session, err := e.sessions.Get(topic)
	if err != nil {
		e.log.Debug().Str("topic", topic).Msg("settle response for unknown session")
		return
	}

	if res.IsError() {
		e.cleanupSession(context.Background(), topic, "settle rejected")
		e.SessionRejected.Emit(RejectionEvent{Topic: topic, ID: res.ID, Error: res.Error})
		e.approveWaiters.Deliver(approveKey(res.ID), sessionOutcome{err: res.Error})
		return
	}

	session.Acknowledged = true
	if err := e.sessions.Set(topic, session); err != nil {
		e.log.Error().Err(err).Str("topic", topic).Msg("persist acknowledged session")
	}
	e.SessionApproved.Emit(session)
	e.approveWaiters.Deliver(approveKey(res.ID), sessionOutcome{session: session})
}

func (e *Engine) onSessionUpdateRequest(topic string, req rpc.Request[SessionUpdateParams]) {
	session, err := e.sessions.Get(topic)
	if err != nil {
		replyError[SessionUpdateParams, bool](e, topic, req.ID,
			rpc.NewError(rpc.CodeNoSessionForTopic, "no session for topic"))
		return
	}
	if verr := validateConformingNamespaces(session.RequiredNamespaces, req.Params.Namespaces); verr != nil {
		replyError[SessionUpdateParams, bool](e, topic, req.ID,
			rpc.NewError(rpc.CodeInvalidUpdateRequest, "%s", verr.Message))
		return
	}

	// Namespaces are the only field an update may touch.
	session.Namespaces = req.Params.Namespaces
	if err := e.sessions.Set(topic, session); err != nil {
		e.log.Error().Err(err).Str("topic", topic).Msg("persist updated session")
		return
	}
	if err := dispatch.SendResult[SessionUpdateParams, bool](context.Background(), e.dispatcher, topic, req.ID, true, nil); err != nil {
		e.log.Error().Err(err).Str("topic", topic).Msg("update acknowledgement failed")
	}
	e.SessionUpdated.Emit(UpdateEvent{Topic: topic, Namespaces: req.Params.Namespaces})
}

func (e *Engine) onSessionUpdateResponse(topic string, res rpc.Response[bool]) {
	e.log.Debug().Str("topic", topic).Int64("id", res.ID).Bool("error", res.IsError()).Msg("update acknowledged")
}

func (e *Engine) onSessionExtendRequest(topic string, req rpc.Request[SessionExtendParams]) {
	session, err := e.sessions.Get(topic)
	if err != nil {
		replyError[SessionExtendParams, bool](e, topic, req.ID,
			rpc.NewError(rpc.CodeNoSessionForTopic, "no session for topic"))
		return
	}

	session.Expiry = expirer.Expiry(SessionTTL)
	if err := e.sessions.Set(topic, session); err != nil {
		e.log.Error().Err(err).Str("topic", topic).Msg("persist extended session")
		return
	}
	e.expirer.Set(expirer.TopicTarget(topic), session.Expiry)

	if err := dispatch.SendResult[SessionExtendParams, bool](context.Background(), e.dispatcher, topic, req.ID, true, nil); err != nil {
		e.log.Error().Err(err).Str("topic", topic).Msg("extend acknowledgement failed")
	}
	e.SessionExtended.Emit(session)
}

func (e *Engine) onSessionExtendResponse(topic string, res rpc.Response[bool]) {
	e.log.Debug().Str("topic", topic).Int64("id", res.ID).Bool("error", res.IsError()).Msg("extend acknowledged")
}

func (e *Engine) onSessionPingRequest(topic string, req rpc.Request[SessionPingParams]) {
	if !e.sessions.Has(topic) {
		replyError[SessionPingParams, bool](e, topic, req.ID,
			rpc.NewError(rpc.CodeNoSessionForTopic, "no session for topic"))
		return
	}
	if err := dispatch.SendResult[SessionPingParams, bool](context.Background(), e.dispatcher, topic, req.ID, true, nil); err != nil {
		e.log.Error().Err(err).Str("topic", topic).Msg("pong failed")
	}
	e.SessionPinged.Emit(TopicEvent{Topic: topic, ID: req.ID})
}

func (e *Engine) onSessionPingResponse(topic string, res rpc.Response[bool]) {
	// The waiter was registered before the ping was published, so this
	// delivery can never race the caller's listener.
	var err error
	if res.IsError() {
		err = res.Error
	}
	e.pingWaiters.Deliver(pingKey(topic), err)
}

func (e *Engine) onSessionDeleteRequest(topic string, req rpc.Request[SessionDeleteParams]) {
	if !e.sessions.Has(topic) {
		replyError[SessionDeleteParams, bool](e, topic, req.ID,
			rpc.NewError(rpc.CodeNoSessionForTopic, "no session for topic"))
		return
	}
	if err := dispatch.SendResult[SessionDeleteParams, bool](context.Background(), e.dispatcher, topic, req.ID, true, nil); err != nil {
		e.log.Error().Err(err).Str("topic", topic).Msg("delete acknowledgement failed")
	}
	e.cleanupSession(context.Background(), topic, "deleted by peer")
	e.log.Info().Str("topic", topic).Int64("code", req.Params.Code).Str("reason", req.Params.Message).Msg("session deleted by peer")
	e.SessionDeleted.Emit(TopicEvent{Topic: topic, ID: req.ID})
}

func (e *Engine) onSessionDeleteResponse(topic string, res rpc.Response[bool]) {
	e.log.Debug().Str("topic", topic).Int64("id", res.ID).Msg("delete acknowledged")
}

func (e *Engine) onSessionRequestRequest(topic string, req rpc.Request[SessionRequestParams]) {
	session, err := e.sessions.Get(topic)
	if err != nil {
		replyError[SessionRequestParams, json.RawMessage](e, topic, req.ID,
			rpc.NewError(rpc.CodeNoSessionForTopic, "no session for topic"))
		return
	}
	if !methodAuthorized(session, req.Params.ChainID, req.Params.Request.Method) {
		replyError[SessionRequestParams, json.RawMessage](e, topic, req.ID,
			rpc.NewError(rpc.CodeUnauthorizedMethod, "method %s not authorized for %s",
				req.Params.Request.Method, req.Params.ChainID))
		return
	}

	expiry := req.Params.Request.Expiry
	if expiry == 0 {
		expiry = expirer.Expiry(SessionRequestTTL)
	}
	pr := PendingRequest{
		ID:      req.ID,
		Topic:   topic,
		ChainID: req.Params.ChainID,
		Method:  req.Params.Request.Method,
		Params:  req.Params.Request.Params,
		Expiry:  expiry,
	}
	if err := e.pending.Set(req.ID, pr); err != nil {
		e.log.Error().Err(err).Int64("id", req.ID).Msg("store pending request")
		return
	}
	e.expirer.Set(expirer.IDTarget(req.ID), expiry)

	verified := e.verifiedContext(context.Background(), req)
	e.SessionRequested.Emit(SessionRequestEvent{
		Topic:    topic,
		ID:       req.ID,
		ChainID:  req.Params.ChainID,
		Request:  req.Params.Request,
		Verified: verified,
	})
}

func (e *Engine) onSessionRequestResponse(topic string, res rpc.Response[json.RawMessage]) {
	e.pending.Delete(res.ID, "responded")
	e.expirer.Delete(expirer.IDTarget(res.ID))
	if res.IsError() {
		e.requestWaiters.Deliver(requestKey(res.ID), requestOutcome{err: res.Error})
		return
	}
	e.requestWaiters.Deliver(requestKey(res.ID), requestOutcome{result: res.Result})
}

func (e *Engine) onSessionEventRequest(topic string, req rpc.Request[SessionEventParams]) {
	session, err := e.sessions.Get(topic)
	if err != nil {
		replyError[SessionEventParams, bool](e, topic, req.ID,
			rpc.NewError(rpc.CodeNoSessionForTopic, "no session for topic"))
		return
	}
	if !eventAuthorized(session, req.Params.ChainID, req.Params.Event.Name) {
		replyError[SessionEventParams, bool](e, topic, req.ID,
			rpc.NewError(rpc.CodeUnauthorizedEvent, "event %s not authorized for %s",
				req.Params.Event.Name, req.Params.ChainID))
		return
	}

	if err := dispatch.SendResult[SessionEventParams, bool](context.Background(), e.dispatcher, topic, req.ID, true, nil); err != nil {
		e.log.Error().Err(err).Str("topic", topic).Msg("event acknowledgement failed")
	}
	e.emitCustomEvent(req.Params.Event)
}

func (e *Engine) onSessionEventResponse(topic string, res rpc.Response[bool]) {
	e.log.Debug().Str("topic", topic).Int64("id", res.ID).Msg("event acknowledged")
}
