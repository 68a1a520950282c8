package connector

import (
	"sync"
	"time"

	pkgoauth "authrelay/pkg/oauth"
)

// DefaultRefreshThreshold is how far before primary-token expiry a refresh
// is triggered during propagation.
const DefaultRefreshThreshold = 15 * time.Minute

// PassthroughHeader carries the caller's own token to the connector. The
// name is fixed; connectors that understand it can act on the caller's
// behalf, everything else authenticates via the primary token.
const PassthroughHeader = "X-Forwarded-Access-Token"

// TokenCache holds one connector's two tokens: the primary service token
// obtained via the client-credentials grant, and the passthrough token
// copied from the caller's auth context on every propagation.
type TokenCache struct {
	mu          sync.RWMutex
	primary     *pkgoauth.Token
	passthrough string

	refreshThreshold time.Duration
}

// NewTokenCache creates a cache with the given refresh threshold
// (DefaultRefreshThreshold when zero).
func NewTokenCache(refreshThreshold time.Duration) *TokenCache {
	if refreshThreshold <= 0 {
		refreshThreshold = DefaultRefreshThreshold
	}
	return &TokenCache{refreshThreshold: refreshThreshold}
}

// Primary returns the current primary token, or nil.
func (c *TokenCache) Primary() *pkgoauth.Token {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.primary
}

// SetPrimary replaces the primary token.
func (c *TokenCache) SetPrimary(token *pkgoauth.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.primary = token
}

// Passthrough returns the caller token last copied into the cache.
func (c *TokenCache) Passthrough() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.passthrough
}

// SetPassthrough overwrites the passthrough token. Called on every
// propagation, fresh or not.
func (c *TokenCache) SetPassthrough(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.passthrough = token
}

// NeedsRefresh reports whether the primary token must be re-obtained:
// missing, or now plus the refresh threshold reaches its expiry.
func (c *TokenCache) NeedsRefresh(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.primary == nil || c.primary.AccessToken == "" {
		return true
	}
	if c.primary.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(c.refreshThreshold).Before(c.primary.ExpiresAt)
}
