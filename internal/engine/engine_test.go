package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"walletwire/internal/crypto"
	"walletwire/internal/dispatch"
	"walletwire/internal/expirer"
	"walletwire/internal/history"
	"walletwire/internal/relay"
	"walletwire/internal/rpc"
	"walletwire/internal/store"
	"walletwire/internal/testutil/testlog"
	"walletwire/internal/verify"
)

// hub is an in-memory relay: topic subscriptions across parties, with
// retained messages replayed to late subscribers.
type hub struct {
	mu       sync.Mutex
	subs     map[string]map[*hubConn]bool
	retained map[string][]string
	nextSub  int
	nextMsg  int64
}

func newHub() *hub {
	return &hub{
		subs:     make(map[string]map[*hubConn]bool),
		retained: make(map[string][]string),
	}
}

func (h *hub) subscribe(topic string, c *hubConn) (string, []string) {
	h.mu.Lock()
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[*hubConn]bool)
	}
	h.subs[topic][c] = true
	h.nextSub++
	id := fmt.Sprintf("sub-%d", h.nextSub)
	replay := append([]string(nil), h.retained[topic]...)
	h.mu.Unlock()
	return id, replay
}

func (h *hub) publish(topic, message string, from *hubConn) []*hubConn {
	h.mu.Lock()
	h.retained[topic] = append(h.retained[topic], message)
	var targets []*hubConn
	for c := range h.subs[topic] {
		if c != from {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()
	return targets
}

func (h *hub) nextID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextMsg++
	return 100000 + h.nextMsg
}

type hubConn struct {
	hub  *hub
	mu   sync.Mutex
	open bool
	cb   relay.ConnCallbacks
}

var _ relay.Conn = (*hubConn)(nil)

func (c *hubConn) Open(ctx context.Context, url string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = true
	return nil
}

func (c *hubConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	return nil
}

func (c *hubConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *hubConn) URL() string { return "wss://hub.test" }

func (c *hubConn) Bind(cb relay.ConnCallbacks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
}

func (c *hubConn) Unbind() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = relay.ConnCallbacks{}
}

func (c *hubConn) deliver(data []byte) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb.OnPayload != nil {
		cb.OnPayload(data)
	}
}

func (c *hubConn) deliverSubscription(topic, message string) {
	var params struct {
		ID   string `json:"id"`
		Data struct {
			Topic   string `json:"topic"`
			Message string `json:"message"`
		} `json:"data"`
	}
	params.ID = "hub"
	params.Data.Topic = topic
	params.Data.Message = message
	raw, _ := json.Marshal(params)
	out, _ := json.Marshal(rpc.Payload{
		JSONRPC: rpc.Version,
		ID:      c.hub.nextID(),
		Method:  "irn_subscription",
		Params:  raw,
	})
	c.deliver(out)
}

func (c *hubConn) Send(ctx context.Context, data []byte) error {
	var payload rpc.Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	if !payload.IsRequest() {
		return nil
	}

	reply := func(result any) {
		raw, _ := json.Marshal(result)
		out, _ := json.Marshal(rpc.Payload{JSONRPC: rpc.Version, ID: payload.ID, Result: raw})
		c.deliver(out)
	}

	switch payload.Method {
	case "irn_publish":
		var params struct {
			Topic   string `json:"topic"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(payload.Params, &params); err != nil {
			return err
		}
		reply(true)
		for _, target := range c.hub.publish(params.Topic, params.Message, c) {
			target.deliverSubscription(params.Topic, params.Message)
		}
	case "irn_subscribe":
		var params struct {
			Topic string `json:"topic"`
		}
		if err := json.Unmarshal(payload.Params, &params); err != nil {
			return err
		}
		id, replay := c.hub.subscribe(params.Topic, c)
		reply(id)
		for _, message := range replay {
			c.deliverSubscription(params.Topic, message)
		}
	case "irn_unsubscribe":
		reply(true)
	}
	return nil
}

type stubVerifier struct{}

func (stubVerifier) Resolve(ctx context.Context, attestationID string) (string, error) {
	return "", verify.ErrUnavailable
}

type party struct {
	engine  *Engine
	relayer *relay.Relayer
}

func newParty(t *testing.T, h *hub, name string, expiryInterval time.Duration) *party {
	t.Helper()
	log := testlog.Start(t).With().Str("party", name).Logger()
	storage := store.NewMemoryStore()

	codec := crypto.NewKeychain(storage, log)
	if err := codec.Init(); err != nil {
		t.Fatalf("keychain init: %v", err)
	}

	tracker := history.NewMessageTracker(storage, log)
	if err := tracker.Init(); err != nil {
		t.Fatalf("tracker init: %v", err)
	}

	conn := &hubConn{hub: h}
	relayer := relay.NewRelayer(relay.NewProvider(conn, "wss://hub.test", log), tracker, log)
	if err := relayer.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(relayer.Dispose)

	registry := rpc.NewRegistry()
	if err := RegisterMethods(registry); err != nil {
		t.Fatalf("register methods: %v", err)
	}

	dispatcher := dispatch.NewDispatcher(relayer, codec, registry, storage, log)
	if err := dispatcher.Init(); err != nil {
		t.Fatalf("dispatcher init: %v", err)
	}
	t.Cleanup(dispatcher.Dispose)

	exp := expirer.New(storage, log)
	if err := exp.Init(context.Background(), expiryInterval); err != nil {
		t.Fatalf("expirer init: %v", err)
	}
	t.Cleanup(exp.Stop)

	metadata := Metadata{Name: name, Description: name + " test peer", URL: "https://" + name + ".test"}
	eng := New(dispatcher, relayer, codec, exp, stubVerifier{}, storage, metadata, log)
	if err := eng.Init(); err != nil {
		t.Fatalf("engine init: %v", err)
	}
	t.Cleanup(eng.Dispose)

	return &party{engine: eng, relayer: relayer}
}

func testNamespaces() (ProposedNamespaces, Namespaces) {
	required := ProposedNamespaces{
		"eip155": {
			Chains:  []string{"eip155:1"},
			Methods: []string{"eth_sign", "personal_sign"},
			Events:  []string{"accountsChanged"},
		},
	}
	granted := Namespaces{
		"eip155": {
			Accounts: []string{"eip155:1:0xab16a96d359ec26a11e2c2b3d8f8b8942d5bfcdb"},
			Methods:  []string{"eth_sign", "personal_sign", "eth_sendTransaction"},
			Events:   []string{"accountsChanged", "chainChanged"},
		},
	}
	return required, granted
}

// settle runs the full propose->settle handshake and returns both
// acknowledged sessions.
func settle(t *testing.T, dapp, wallet *party) (Session, Session) {
	t.Helper()
	required, granted := testNamespaces()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var proposals []ProposalEvent
	sub := wallet.engine.SessionProposed.Subscribe(func(ev ProposalEvent) { proposals = append(proposals, ev) })
	defer sub.Close()

	result, err := dapp.engine.Connect(ctx, ConnectOptions{RequiredNamespaces: required})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if result.URI == "" {
		t.Fatalf("connect must mint a pairing uri")
	}

	if _, err := wallet.engine.Pair(ctx, result.URI); err != nil {
		t.Fatalf("pair: %v", err)
	}
	if len(proposals) != 1 {
		t.Fatalf("wallet must see exactly one proposal, got %d", len(proposals))
	}
	if proposals[0].Verified.Validation != ValidationUnknown {
		t.Fatalf("unresolvable attestation must degrade to unknown")
	}

	approveRes, err := wallet.engine.Approve(ctx, proposals[0].Proposal.ID, granted)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}

	dappSession, err := result.Approval(ctx)
	if err != nil {
		t.Fatalf("approval: %v", err)
	}
	walletSession, err := approveRes.Acknowledged(ctx)
	if err != nil {
		t.Fatalf("acknowledged: %v", err)
	}
	return dappSession, walletSession
}

func TestProposeSettleHandshake(t *testing.T) {
	h := newHub()
	dapp := newParty(t, h, "dapp", time.Hour)
	wallet := newParty(t, h, "wallet", time.Hour)

	dappSession, walletSession := settle(t, dapp, wallet)

	if dappSession.Topic != walletSession.Topic {
		t.Fatalf("session topics diverged: %s vs %s", dappSession.Topic, walletSession.Topic)
	}
	if dappSession.Topic == dappSession.PairingTopic {
		t.Fatalf("session topic must differ from the pairing topic")
	}
	if !dappSession.Acknowledged || !walletSession.Acknowledged {
		t.Fatalf("both ends must be acknowledged: dapp=%v wallet=%v",
			dappSession.Acknowledged, walletSession.Acknowledged)
	}
	if dappSession.ControllerPublicKey != walletSession.Self.PublicKey {
		t.Fatalf("controller must be the wallet key")
	}
	if len(dapp.engine.Proposals()) != 0 || len(wallet.engine.Proposals()) != 0 {
		t.Fatalf("settled proposal must be consumed on both ends")
	}

	// The pairing is activated with the long window on both sides.
	for _, p := range []*party{dapp, wallet} {
		pairings := p.engine.Pairings()
		if len(pairings) != 1 || !pairings[0].Active {
			t.Fatalf("pairing must be active after settle: %+v", pairings)
		}
	}
}

func TestRejectFailsApproval(t *testing.T) {
	h := newHub()
	dapp := newParty(t, h, "dapp", time.Hour)
	wallet := newParty(t, h, "wallet", time.Hour)
	required, _ := testNamespaces()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var proposal Proposal
	sub := wallet.engine.SessionProposed.Subscribe(func(ev ProposalEvent) { proposal = ev.Proposal })
	defer sub.Close()

	result, err := dapp.engine.Connect(ctx, ConnectOptions{RequiredNamespaces: required})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := wallet.engine.Pair(ctx, result.URI); err != nil {
		t.Fatalf("pair: %v", err)
	}

	if err := wallet.engine.Reject(ctx, proposal.ID, nil); err != nil {
		t.Fatalf("reject: %v", err)
	}

	_, err = result.Approval(ctx)
	var rpcErr *rpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != rpc.CodeUserRejected {
		t.Fatalf("expected user rejection, got %v", err)
	}
	if len(dapp.engine.Sessions()) != 0 {
		t.Fatalf("rejection must not leave a session")
	}
}

func TestSessionRequestRoundTrip(t *testing.T) {
	h := newHub()
	dapp := newParty(t, h, "dapp", time.Hour)
	wallet := newParty(t, h, "wallet", time.Hour)
	dappSession, _ := settle(t, dapp, wallet)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := wallet.engine.SessionRequested.Subscribe(func(ev SessionRequestEvent) {
		if err := wallet.engine.Respond(ctx, ev.Topic, ev.ID, json.RawMessage(`"0xsigned"`)); err != nil {
			t.Errorf("respond: %v", err)
		}
	})
	defer sub.Close()

	result, err := dapp.engine.Request(ctx, dappSession.Topic, "eip155:1", RequestArguments{
		Method: "personal_sign",
		Params: json.RawMessage(`["0xdeadbeef","0xab16a96d"]`),
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(result) != `"0xsigned"` {
		t.Fatalf("result = %s", result)
	}
	if len(dapp.engine.PendingRequests()) != 0 || len(wallet.engine.PendingRequests()) != 0 {
		t.Fatalf("answered request must leave no pending entries")
	}
}

func TestSessionRequestUnauthorizedMethod(t *testing.T) {
	h := newHub()
	dapp := newParty(t, h, "dapp", time.Hour)
	wallet := newParty(t, h, "wallet", time.Hour)
	dappSession, _ := settle(t, dapp, wallet)

	_, err := dapp.engine.Request(context.Background(), dappSession.Topic, "eip155:1", RequestArguments{
		Method: "eth_signTypedData",
	})
	var rpcErr *rpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != rpc.CodeUnauthorizedMethod {
		t.Fatalf("expected unauthorized method, got %v", err)
	}
}

func TestSessionRequestExpires(t *testing.T) {
	h := newHub()
	dapp := newParty(t, h, "dapp", 20*time.Millisecond)
	wallet := newParty(t, h, "wallet", time.Hour)
	dappSession, _ := settle(t, dapp, wallet)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// No responder: the wallet never answers, the TTL does.
	_, err := dapp.engine.Request(ctx, dappSession.Topic, "eip155:1", RequestArguments{
		Method: "personal_sign",
		Expiry: time.Now().Unix() - 1,
	})
	var rpcErr *rpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != rpc.CodeSessionRequestExpired {
		t.Fatalf("expected session request expired, got %v", err)
	}
	if len(dapp.engine.PendingRequests()) != 0 {
		t.Fatalf("expired request must be removed from pending")
	}
}

func TestPingRoundTrip(t *testing.T) {
	h := newHub()
	dapp := newParty(t, h, "dapp", time.Hour)
	wallet := newParty(t, h, "wallet", time.Hour)
	dappSession, _ := settle(t, dapp, wallet)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pinged := 0
	sub := wallet.engine.SessionPinged.Subscribe(func(TopicEvent) { pinged++ })
	defer sub.Close()

	if err := dapp.engine.Ping(ctx, dappSession.Topic); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if pinged != 1 {
		t.Fatalf("wallet must observe one ping, got %d", pinged)
	}
}

func TestUpdateReplacesNamespacesOnly(t *testing.T) {
	h := newHub()
	dapp := newParty(t, h, "dapp", time.Hour)
	wallet := newParty(t, h, "wallet", time.Hour)
	dappSession, walletSession := settle(t, dapp, wallet)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updates := 0
	sub := dapp.engine.SessionUpdated.Subscribe(func(UpdateEvent) { updates++ })
	defer sub.Close()

	_, granted := testNamespaces()
	ns := granted["eip155"]
	ns.Accounts = append(ns.Accounts, "eip155:1:0x9999999999999999999999999999999999999999")
	granted["eip155"] = ns

	if err := wallet.engine.Update(ctx, walletSession.Topic, granted); err != nil {
		t.Fatalf("update: %v", err)
	}
	if updates != 1 {
		t.Fatalf("exactly one update event per call, got %d", updates)
	}

	after, err := dapp.engine.Session(dappSession.Topic)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if len(after.Namespaces["eip155"].Accounts) != 2 {
		t.Fatalf("namespaces must be replaced: %+v", after.Namespaces)
	}
	if after.Expiry != dappSession.Expiry || after.Peer.PublicKey != dappSession.Peer.PublicKey {
		t.Fatalf("update must leave expiry and peer untouched")
	}
}

func TestExtendBumpsExpiry(t *testing.T) {
	h := newHub()
	dapp := newParty(t, h, "dapp", time.Hour)
	wallet := newParty(t, h, "wallet", time.Hour)
	dappSession, _ := settle(t, dapp, wallet)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	extended := 0
	sub := wallet.engine.SessionExtended.Subscribe(func(Session) { extended++ })
	defer sub.Close()

	if err := dapp.engine.Extend(ctx, dappSession.Topic); err != nil {
		t.Fatalf("extend: %v", err)
	}
	if extended != 1 {
		t.Fatalf("wallet must observe one extension, got %d", extended)
	}
	after, _ := wallet.engine.Session(dappSession.Topic)
	if after.Expiry < dappSession.Expiry {
		t.Fatalf("expiry must not shrink: %d -> %d", dappSession.Expiry, after.Expiry)
	}
}

func TestDisconnectRemovesBothSides(t *testing.T) {
	h := newHub()
	dapp := newParty(t, h, "dapp", time.Hour)
	wallet := newParty(t, h, "wallet", time.Hour)
	dappSession, _ := settle(t, dapp, wallet)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	deleted := 0
	sub := wallet.engine.SessionDeleted.Subscribe(func(TopicEvent) { deleted++ })
	defer sub.Close()

	if err := dapp.engine.Disconnect(ctx, dappSession.Topic, nil); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("wallet must observe one delete, got %d", deleted)
	}
	if len(dapp.engine.Sessions()) != 0 || len(wallet.engine.Sessions()) != 0 {
		t.Fatalf("session must be gone on both ends")
	}
}

func TestEmitCustomEvent(t *testing.T) {
	h := newHub()
	dapp := newParty(t, h, "dapp", time.Hour)
	wallet := newParty(t, h, "wallet", time.Hour)
	_, walletSession := settle(t, dapp, wallet)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var seen []SessionEventData
	sub := dapp.engine.HandleEvent("chainChanged", func(ev SessionEventData) { seen = append(seen, ev) })
	defer sub.Close()

	if err := wallet.engine.EmitEvent(ctx, walletSession.Topic, "eip155:1", SessionEventData{
		Name: "chainChanged",
		Data: json.RawMessage(`{"chainId":137}`),
	}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(seen) != 1 || seen[0].Name != "chainChanged" {
		t.Fatalf("dapp must receive the event once: %+v", seen)
	}

	if err := wallet.engine.EmitEvent(ctx, walletSession.Topic, "eip155:1", SessionEventData{
		Name: "unlisted",
	}); err == nil {
		t.Fatalf("unlisted event must be refused")
	}
}

func TestPairingURIRoundTrip(t *testing.T) {
	uri := FormatURI("deadbeef", "aa11", "irn")
	topic, symKey, protocol, err := ParseURI(uri)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if topic != "deadbeef" || symKey != "aa11" || protocol != "irn" {
		t.Fatalf("round trip lost fields: %s %s %s", topic, symKey, protocol)
	}

	for _, bad := range []string{
		"",
		"wc:topic",
		"wc:topic@1?relay-protocol=irn&symKey=aa",
		"wc:@2?relay-protocol=irn&symKey=aa",
		"wc:topic@2?symKey=aa",
		"http://example.com",
	} {
		if _, _, _, err := ParseURI(bad); err == nil {
			t.Fatalf("malformed uri accepted: %q", bad)
		}
	}
}

func TestFindMatchesNamespaces(t *testing.T) {
	h := newHub()
	dapp := newParty(t, h, "dapp", time.Hour)
	wallet := newParty(t, h, "wallet", time.Hour)
	settle(t, dapp, wallet)

	required, _ := testNamespaces()
	if len(dapp.engine.Find(required)) != 1 {
		t.Fatalf("settled session must match its own requirements")
	}

	other := ProposedNamespaces{"cosmos": {Chains: []string{"cosmos:cosmoshub-4"}}}
	if len(dapp.engine.Find(other)) != 0 {
		t.Fatalf("unrelated requirements must not match")
	}
}
