// Package walletwire is the protocol engine of a peer-to-peer wallet
// connection SDK: encrypted topic-addressed channels over a relay,
// typed JSON-RPC dispatch with replay-safe history, and the session
// lifecycle state machine on top.
package walletwire

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"walletwire/internal/crypto"
	"walletwire/internal/dispatch"
	"walletwire/internal/expirer"
	"walletwire/internal/history"
	"walletwire/internal/observability"
	"walletwire/internal/relay"
	"walletwire/internal/rpc"
	"walletwire/internal/store"
	"walletwire/internal/verify"
)

var ErrCoreDisposed = errors.New("walletwire: core disposed")

// CoreOptions configures the shared protocol stack. Zero-value fields
// fall back to sane defaults; Conn and Storage overrides exist for
// embedding and testing.
type CoreOptions struct {
	RelayURL  string
	ProjectID string
	VerifyURL string
	Storage   store.Store
	Conn      relay.Conn
	Logger    zerolog.Logger
}

// Core bundles the protocol collaborators every client shares: storage,
// keys, the relay stack, typed dispatch and TTL tracking.
type Core struct {
	log zerolog.Logger

	Storage    store.Store
	Crypto     *crypto.Keychain
	Tracker    *history.MessageTracker
	Relayer    *relay.Relayer
	Registry   *rpc.Registry
	Dispatcher *dispatch.Dispatcher
	Expirer    *expirer.Expirer
	Verifier   verify.Verifier

	mu          sync.Mutex
	initialized bool
	disposed    bool
}

func NewCore(opts CoreOptions) *Core {
	log := opts.Logger
	storage := opts.Storage
	if storage == nil {
		storage = store.NewMemoryStore()
	}
	conn := opts.Conn
	if conn == nil {
		conn = relay.NewWebsocketConn()
	}

	relayAddr := opts.RelayURL
	if relayAddr == "" {
		relayAddr = "wss://relay.walletconnect.com"
	}
	if opts.ProjectID != "" {
		relayAddr += "?projectId=" + opts.ProjectID
	}

	keychain := crypto.NewKeychain(storage, log)
	tracker := history.NewMessageTracker(storage, log)
	relayer := relay.NewRelayer(relay.NewProvider(conn, relayAddr, log), tracker, log)
	registry := rpc.NewRegistry()

	return &Core{
		log:        log.With().Str("module", "core").Logger(),
		Storage:    storage,
		Crypto:     keychain,
		Tracker:    tracker,
		Relayer:    relayer,
		Registry:   registry,
		Dispatcher: dispatch.NewDispatcher(relayer, keychain, registry, storage, log),
		Expirer:    expirer.New(storage, log),
		Verifier:   verify.NewHTTPVerifier(opts.VerifyURL, log),
	}
}

// Init brings the stack up in dependency order: keys and replay records
// rehydrate before anything can decode, the expirer scan starts, then
// dispatch attaches to the relayer. The relay connection itself opens
// lazily on first use.
func (c *Core) Init(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrCoreDisposed
	}
	if c.initialized {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	observability.RegisterMetrics()
	if err := c.Crypto.Init(); err != nil {
		return err
	}
	if err := c.Tracker.Init(); err != nil {
		return err
	}
	if err := c.Expirer.Init(ctx, expirer.DefaultInterval); err != nil {
		return err
	}
	if err := c.Dispatcher.Init(); err != nil {
		return err
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	c.log.Info().Msg("core initialized")
	return nil
}

// Connect opens the relay connection eagerly.
func (c *Core) Connect(ctx context.Context) error {
	return c.Relayer.Connect(ctx)
}

// Dispose tears the stack down in reverse order. Idempotent.
func (c *Core) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.mu.Unlock()

	c.Dispatcher.Dispose()
	c.Expirer.Stop()
	c.Relayer.Dispose()
	c.log.Info().Msg("core disposed")
}
