package integrations

import (
	"context"
	"sync"
	"time"
)

// expirySlack refreshes tokens a minute before the provider's expiry so
// in-flight requests never race the cutoff.
const expirySlack = 60 * time.Second

// RefreshFunc obtains a fresh bearer token for a scope. It returns the
// token and its absolute expiry.
type RefreshFunc func(ctx context.Context) (token string, expiresAt time.Time, err error)

type cachedToken struct {
	value     string
	expiresAt time.Time
}

type refreshCall struct {
	done  chan struct{}
	token string
	err   error
}

// OAuthCache caches bearer tokens per scope for one integration
// instance. Reads take the fast RLock path; a miss funnels concurrent
// callers through a single refresh.
type OAuthCache struct {
	mu       sync.RWMutex
	tokens   map[string]cachedToken
	inflight map[string]*refreshCall
}

// NewOAuthCache creates an empty cache.
func NewOAuthCache() *OAuthCache {
	return &OAuthCache{
		tokens:   make(map[string]cachedToken),
		inflight: make(map[string]*refreshCall),
	}
}

// Token returns a valid cached token for the scope, or refreshes one.
// Concurrent callers for the same scope share a single refresh.
func (c *OAuthCache) Token(ctx context.Context, scope string, refresh RefreshFunc) (string, error) {
	c.mu.RLock()
	tok, ok := c.tokens[scope]
	c.mu.RUnlock()
	if ok && time.Now().Before(tok.expiresAt.Add(-expirySlack)) {
		return tok.value, nil
	}

	c.mu.Lock()
	// Re-check under the write lock; another caller may have refreshed.
	if tok, ok := c.tokens[scope]; ok && time.Now().Before(tok.expiresAt.Add(-expirySlack)) {
		c.mu.Unlock()
		return tok.value, nil
	}
	if call, ok := c.inflight[scope]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	c.inflight[scope] = call
	c.mu.Unlock()

	token, expiresAt, err := refresh(ctx)

	c.mu.Lock()
	delete(c.inflight, scope)
	if err == nil {
		c.tokens[scope] = cachedToken{value: token, expiresAt: expiresAt}
	}
	c.mu.Unlock()

	call.token, call.err = token, err
	close(call.done)
	return token, err
}

// Invalidate drops the cached token for a scope, forcing the next call
// to refresh. Used after a 401 from the provider.
func (c *OAuthCache) Invalidate(scope string) {
	c.mu.Lock()
	delete(c.tokens, scope)
	c.mu.Unlock()
}
