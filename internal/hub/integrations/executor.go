package integrations

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sonde-ops/sondehub/internal/hub/huberr"
	"github.com/sonde-ops/sondehub/internal/hub/store"
	"github.com/sonde-ops/sondehub/internal/shared/secrets"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the normalised outcome of one integration probe.
type Result struct {
	Status     string `json:"status"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Executor resolves packs, decrypts configs and invokes probe handlers.
// Handler failures and panics are normalised; nothing escapes.
type Executor struct {
	mu     sync.RWMutex
	packs  map[string]Pack        // by manifest type
	oauth  map[string]*OAuthCache // by integration id
	cipher *secrets.Cipher
	fetch  Fetch
	logger *zap.Logger
}

// NewExecutor creates an executor. A nil fetch gets the default bounded
// HTTP client.
func NewExecutor(cipher *secrets.Cipher, fetch Fetch, logger *zap.Logger) *Executor {
	if fetch == nil {
		fetch = NewFetch(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		packs:  make(map[string]Pack),
		oauth:  make(map[string]*OAuthCache),
		cipher: cipher,
		fetch:  fetch,
		logger: logger.Named("integrations"),
	}
}

// Register adds a pack, keyed by its manifest type.
func (e *Executor) Register(p Pack) {
	m := p.Manifest()
	e.mu.Lock()
	e.packs[m.Type] = p
	e.mu.Unlock()
	e.logger.Info("pack registered",
		zap.String("type", m.Type), zap.String("version", m.Version))
}

// Pack returns the pack registered for a type.
func (e *Executor) Pack(typ string) (Pack, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.packs[typ]
	return p, ok
}

// Packs returns all registered manifests.
func (e *Executor) Packs() []Manifest {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Manifest, 0, len(e.packs))
	for _, p := range e.packs {
		out = append(out, p.Manifest())
	}
	return out
}

// HasProbe reports whether any pack exports the probe name.
func (e *Executor) HasProbe(probe string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, p := range e.packs {
		if _, ok := p.Handlers()[probe]; ok {
			return true
		}
	}
	return false
}

// Run executes one probe against an integration. Resolution failures
// (unknown type, bad decrypt, unknown probe) return an error; handler
// failures come back inside the Result with status error.
func (e *Executor) Run(ctx context.Context, integ *store.Integration, probe string, params map[string]any) (*Result, error) {
	pack, ok := e.Pack(integ.Type)
	if !ok {
		return nil, huberr.Newf(huberr.NotFound, "no pack registered for integration type %q", integ.Type)
	}

	cfg, creds, err := e.decryptConfig(integ)
	if err != nil {
		return nil, err
	}

	handler, ok := pack.Handlers()[probe]
	if !ok {
		return nil, huberr.Newf(huberr.NotFound, "pack %q does not export probe %q", integ.Type, probe)
	}

	start := time.Now()
	data, err := e.invoke(ctx, handler, params, cfg, creds)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		e.logger.Warn("integration probe failed",
			zap.String("integration", integ.Name),
			zap.String("probe", probe),
			zap.Int64("duration_ms", elapsed),
			zap.Error(err))
		return &Result{Status: StatusError, Error: err.Error(), DurationMs: elapsed}, nil
	}
	return &Result{Status: StatusSuccess, Data: data, DurationMs: elapsed}, nil
}

// Test runs the pack's connection test against an integration.
func (e *Executor) Test(ctx context.Context, integ *store.Integration) error {
	pack, ok := e.Pack(integ.Type)
	if !ok {
		return huberr.Newf(huberr.NotFound, "no pack registered for integration type %q", integ.Type)
	}
	cfg, creds, err := e.decryptConfig(integ)
	if err != nil {
		return err
	}
	return pack.TestConnection(ctx, cfg, creds, e.fetch)
}

// EncryptConfig seals a config document for storage.
func (e *Executor) EncryptConfig(cfg Config, creds Credentials) (string, error) {
	doc := configDocument{Config: cfg, Credentials: creds}
	plain, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	return e.cipher.EncryptString(string(plain))
}

// decryptConfig opens the stored blob and attaches the per-instance
// OAuth cache. Credentials are decrypted on every call; only bearer
// tokens are cached.
func (e *Executor) decryptConfig(integ *store.Integration) (Config, Credentials, error) {
	plain, err := e.cipher.DecryptString(integ.ConfigEncrypted)
	if err != nil {
		return Config{}, Credentials{}, huberr.Wrap(huberr.Decrypt,
			"decrypt config for integration "+integ.Name, err)
	}
	var doc configDocument
	if err := json.Unmarshal([]byte(plain), &doc); err != nil {
		return Config{}, Credentials{}, huberr.Wrap(huberr.Decrypt,
			"parse config for integration "+integ.Name, err)
	}
	doc.Credentials.OAuth = e.oauthFor(integ.ID)
	return doc.Config, doc.Credentials, nil
}

// oauthFor returns the token cache for an integration instance,
// creating it on first use. Scoping per instance prevents token bleed
// between two integrations of the same type.
func (e *Executor) oauthFor(integrationID string) *OAuthCache {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.oauth[integrationID]
	if !ok {
		c = NewOAuthCache()
		e.oauth[integrationID] = c
	}
	return c
}

// DropOAuth discards the token cache for a deleted or reconfigured
// integration.
func (e *Executor) DropOAuth(integrationID string) {
	e.mu.Lock()
	delete(e.oauth, integrationID)
	e.mu.Unlock()
}

// invoke calls the handler with panic recovery.
func (e *Executor) invoke(ctx context.Context, handler Handler, params map[string]any, cfg Config, creds Credentials) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("integration handler panicked", zap.Any("panic", r))
			err = huberr.Newf(huberr.Internal, "handler panicked: %v", r)
		}
	}()
	return handler(ctx, params, cfg, creds, e.fetch)
}
