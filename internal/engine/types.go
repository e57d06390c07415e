// Package engine owns the session and pairing state machine: proposals
// become sessions through the settle handshake, and every live object
// carries a TTL enforced through the expirer.
//
// Ownership boundary:
// - proposal, session, pairing and pending-request collections
// - the wc_session* handler set
// - public lifecycle events and one-shot handshake signals
package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Metadata describes one peer application.
type Metadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Icons       []string `json:"icons"`
}

// Participant is one side of a session.
type Participant struct {
	PublicKey string   `json:"publicKey"`
	Metadata  Metadata `json:"metadata"`
}

// Relay names the relay protocol a channel runs over.
type Relay struct {
	Protocol string `json:"protocol"`
	Data     string `json:"data,omitempty"`
}

// DefaultRelayProtocol is the relay protocol proposed when none is given.
const DefaultRelayProtocol = "irn"

// ProposedNamespace is the capability set a proposer asks for under one
// namespace key.
type ProposedNamespace struct {
	Chains  []string `json:"chains"`
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

type ProposedNamespaces map[string]ProposedNamespace

// Namespace is the capability set a wallet grants: accounts instead of
// bare chains.
type Namespace struct {
	Accounts []string `json:"accounts"`
	Chains   []string `json:"chains,omitempty"`
	Methods  []string `json:"methods"`
	Events   []string `json:"events"`
}

type Namespaces map[string]Namespace

// Proposal is a pending session offer. SessionTopic is filled on the
// proposer side once the responder's key arrives and agreement runs.
type Proposal struct {
	ID                 int64              `json:"id"`
	PairingTopic       string             `json:"pairingTopic"`
	Expiry             int64              `json:"expiry"`
	Proposer           Participant        `json:"proposer"`
	Relays             []Relay            `json:"relays"`
	RequiredNamespaces ProposedNamespaces `json:"requiredNamespaces"`
	OptionalNamespaces ProposedNamespaces `json:"optionalNamespaces,omitempty"`
	SessionTopic       string             `json:"sessionTopic,omitempty"`
}

// Session is one settled channel.
type Session struct {
	Topic               string             `json:"topic"`
	PairingTopic        string             `json:"pairingTopic"`
	Relay               Relay              `json:"relay"`
	Expiry              int64              `json:"expiry"`
	Namespaces          Namespaces         `json:"namespaces"`
	RequiredNamespaces  ProposedNamespaces `json:"requiredNamespaces"`
	Acknowledged        bool               `json:"acknowledged"`
	ControllerPublicKey string             `json:"controller"`
	Self                Participant        `json:"self"`
	Peer                Participant        `json:"peer"`
}

// Pairing is the long-lived channel a proposal travels over. Inactive
// pairings expire after five minutes; activation extends them to thirty
// days.
type Pairing struct {
	Topic        string    `json:"topic"`
	Expiry       int64     `json:"expiry"`
	Relay        Relay     `json:"relay"`
	Active       bool      `json:"active"`
	PeerMetadata *Metadata `json:"peerMetadata,omitempty"`
}

// PendingRequest is a session request awaiting the peer's response.
type PendingRequest struct {
	ID      int64           `json:"id"`
	Topic   string          `json:"topic"`
	ChainID string          `json:"chainId"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Expiry  int64           `json:"expiry"`
}

// Validation is the verify service's verdict on a peer's origin.
type Validation int

const (
	ValidationUnknown Validation = iota
	ValidationValid
	ValidationInvalid
)

func (v Validation) String() string {
	switch v {
	case ValidationValid:
		return "valid"
	case ValidationInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// VerifiedContext accompanies inbound proposals and requests.
type VerifiedContext struct {
	Origin     string     `json:"origin"`
	Validation Validation `json:"validation"`
}

// chainNamespace extracts the namespace part of a CAIP-2 chain id
// ("eip155:1" -> "eip155").
func chainNamespace(chainID string) (string, error) {
	ns, _, ok := strings.Cut(chainID, ":")
	if !ok || ns == "" {
		return "", fmt.Errorf("malformed chain id %q", chainID)
	}
	return ns, nil
}

// accountChain extracts the chain id of a CAIP-10 account
// ("eip155:1:0xab..." -> "eip155:1").
func accountChain(account string) (string, error) {
	parts := strings.SplitN(account, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", fmt.Errorf("malformed account %q", account)
	}
	return parts[0] + ":" + parts[1], nil
}
