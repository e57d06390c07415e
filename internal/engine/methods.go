package engine

import (
	"encoding/json"
	"time"

	"walletwire/internal/rpc"
)

// Sign protocol method names.
const (
	MethodSessionPropose = "wc_sessionPropose"
	MethodSessionSettle  = "wc_sessionSettle"
	MethodSessionUpdate  = "wc_sessionUpdate"
	MethodSessionExtend  = "wc_sessionExtend"
	MethodSessionPing    = "wc_sessionPing"
	MethodSessionDelete  = "wc_sessionDelete"
	MethodSessionRequest = "wc_sessionRequest"
	MethodSessionEvent   = "wc_sessionEvent"
)

// Lifetimes of the protocol objects.
const (
	ProposalTTL        = 5 * time.Minute
	SessionTTL         = 7 * 24 * time.Hour
	PairingInactiveTTL = 5 * time.Minute
	PairingActiveTTL   = 30 * 24 * time.Hour
	SessionRequestTTL  = 5 * time.Minute
)

// SessionProposeParams opens the handshake on a pairing topic.
type SessionProposeParams struct {
	Relays             []Relay            `json:"relays"`
	Proposer           Participant        `json:"proposer"`
	RequiredNamespaces ProposedNamespaces `json:"requiredNamespaces"`
	OptionalNamespaces ProposedNamespaces `json:"optionalNamespaces,omitempty"`
}

// SessionProposeResponse carries the responder key that completes key
// agreement.
type SessionProposeResponse struct {
	Relay              Relay  `json:"relay"`
	ResponderPublicKey string `json:"responderPublicKey"`
}

// SessionSettleParams carries the full session state onto the session
// topic.
type SessionSettleParams struct {
	Relay              Relay              `json:"relay"`
	Namespaces         Namespaces         `json:"namespaces"`
	RequiredNamespaces ProposedNamespaces `json:"requiredNamespaces,omitempty"`
	Controller         Participant        `json:"controller"`
	Expiry             int64              `json:"expiry"`
}

type SessionUpdateParams struct {
	Namespaces Namespaces `json:"namespaces"`
}

type SessionExtendParams struct{}

type SessionPingParams struct{}

type SessionDeleteParams struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// RequestArguments is the chain RPC call embedded in a session request.
type RequestArguments struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Expiry int64           `json:"expiry,omitempty"`
}

type SessionRequestParams struct {
	Request RequestArguments `json:"request"`
	ChainID string           `json:"chainId"`
}

// SessionEventData is one named event emitted on a session.
type SessionEventData struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data"`
}

type SessionEventParams struct {
	Event   SessionEventData `json:"event"`
	ChainID string           `json:"chainId"`
}

// RegisterMethods declares every sign method with its relay publish
// tags and TTLs. Request tag is even-offset, response tag follows it.
func RegisterMethods(r *rpc.Registry) error {
	regs := []func() error{
		func() error {
			return rpc.Register[SessionProposeParams](r, MethodSessionPropose,
				rpc.PublishOptions{Tag: 1100, TTL: ProposalTTL, Prompt: true},
				rpc.PublishOptions{Tag: 1101, TTL: ProposalTTL})
		},
		func() error {
			return rpc.Register[SessionSettleParams](r, MethodSessionSettle,
				rpc.PublishOptions{Tag: 1102, TTL: ProposalTTL},
				rpc.PublishOptions{Tag: 1103, TTL: ProposalTTL})
		},
		func() error {
			return rpc.Register[SessionUpdateParams](r, MethodSessionUpdate,
				rpc.PublishOptions{Tag: 1104, TTL: 24 * time.Hour},
				rpc.PublishOptions{Tag: 1105, TTL: 24 * time.Hour})
		},
		func() error {
			return rpc.Register[SessionExtendParams](r, MethodSessionExtend,
				rpc.PublishOptions{Tag: 1106, TTL: 24 * time.Hour},
				rpc.PublishOptions{Tag: 1107, TTL: 24 * time.Hour})
		},
		func() error {
			return rpc.Register[SessionRequestParams](r, MethodSessionRequest,
				rpc.PublishOptions{Tag: 1108, TTL: SessionRequestTTL, Prompt: true},
				rpc.PublishOptions{Tag: 1109, TTL: SessionRequestTTL})
		},
		func() error {
			return rpc.Register[SessionEventParams](r, MethodSessionEvent,
				rpc.PublishOptions{Tag: 1110, TTL: SessionRequestTTL},
				rpc.PublishOptions{Tag: 1111, TTL: SessionRequestTTL})
		},
		func() error {
			return rpc.Register[SessionDeleteParams](r, MethodSessionDelete,
				rpc.PublishOptions{Tag: 1112, TTL: 24 * time.Hour},
				rpc.PublishOptions{Tag: 1113, TTL: 24 * time.Hour})
		},
		func() error {
			return rpc.Register[SessionPingParams](r, MethodSessionPing,
				rpc.PublishOptions{Tag: 1114, TTL: 30 * time.Second},
				rpc.PublishOptions{Tag: 1115, TTL: 30 * time.Second})
		},
	}
	for _, register := range regs {
		if err := register(); err != nil {
			return err
		}
	}
	return nil
}
