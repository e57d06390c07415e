package walletwire

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"walletwire/internal/config"
	"walletwire/internal/engine"
	"walletwire/internal/observability"
	"walletwire/internal/store"
)

// Client is the sign client: a Core plus the session engine.
type Client struct {
	log  zerolog.Logger
	Core *Core
	Sign *engine.Engine

	mu          sync.Mutex
	initialized bool
	disposed    bool
}

// NewClient assembles a client from its configuration. A storage_path
// selects the file-backed store; otherwise state lives in memory only.
func NewClient(cfg config.ClientConfig) (*Client, error) {
	if err := config.ValidateClientConfig(cfg); err != nil {
		return nil, err
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log := observability.InitLogger(cfg.Name, level)

	var storage store.Store
	if cfg.StoragePath != "" {
		fs, err := store.NewFileStore(cfg.StoragePath)
		if err != nil {
			return nil, err
		}
		storage = fs
	}

	core := NewCore(CoreOptions{
		RelayURL:  cfg.RelayURL,
		ProjectID: cfg.ProjectID,
		VerifyURL: cfg.VerifyURL,
		Storage:   storage,
		Logger:    log,
	})
	return newClient(core, cfg, log)
}

// NewClientWithCore wires the sign engine onto an existing core; used
// when several clients share one relay stack or tests inject transport.
func NewClientWithCore(core *Core, cfg config.ClientConfig) (*Client, error) {
	if err := config.ValidateClientConfig(cfg); err != nil {
		return nil, err
	}
	return newClient(core, cfg, core.log)
}

func newClient(core *Core, cfg config.ClientConfig, log zerolog.Logger) (*Client, error) {
	if err := engine.RegisterMethods(core.Registry); err != nil {
		return nil, err
	}
	metadata := engine.Metadata{
		Name:        cfg.Metadata.Name,
		Description: cfg.Metadata.Description,
		URL:         cfg.Metadata.URL,
		Icons:       cfg.Metadata.Icons,
	}
	sign := engine.New(core.Dispatcher, core.Relayer, core.Crypto, core.Expirer, core.Verifier, core.Storage, metadata, log)
	return &Client{log: log, Core: core, Sign: sign}, nil
}

// Init brings up the core, then the sign engine. Idempotent.
func (c *Client) Init(ctx context.Context) error {
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

	if err := c.Core.Init(ctx); err != nil {
		return err
	}
	if err := c.Sign.Init(); err != nil {
		return err
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	return nil
}

// Dispose tears down the engine, then the core. Idempotent.
func (c *Client) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.mu.Unlock()

	c.Sign.Dispose()
	c.Core.Dispose()
}
