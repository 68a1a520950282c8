// Package handoff bridges the gap between resolving an auth context while
// the inbound request is in hand and propagating it later, inside an
// execution phase that runs without the request.
//
// Entries are keyed by a per-request correlation id, never by user id, so
// concurrent requests for the same user cannot overwrite each other. An
// entry is consumed at most once; unconsumed entries expire after a TTL and
// are logged on eviction.
package handoff

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"authrelay/pkg/authctx"
	"authrelay/pkg/logging"
)

// DefaultTTL is how long an unconsumed entry survives.
const DefaultTTL = 5 * time.Minute

// CorrelationHeader carries the correlation id on HTTP requests.
const CorrelationHeader = "X-Correlation-ID"

// Registry holds resolved auth contexts awaiting propagation.
type Registry struct {
	cache *ttlcache.Cache[string, *authctx.Context]
}

// NewRegistry creates a registry whose entries expire after ttl
// (DefaultTTL when zero) and starts its eviction loop.
func NewRegistry(ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	cache := ttlcache.New[string, *authctx.Context](
		ttlcache.WithTTL[string, *authctx.Context](ttl),
		ttlcache.WithDisableTouchOnHit[string, *authctx.Context](),
	)
	cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *authctx.Context]) {
		if reason == ttlcache.EvictionReasonExpired {
			logging.Warn("Handoff", "Auth context for correlation=%s expired unconsumed",
				logging.TruncateID(item.Key()))
		}
	})
	go cache.Start()
	return &Registry{cache: cache}
}

// Stop stops the registry's eviction loop.
func (r *Registry) Stop() {
	r.cache.Stop()
}

// Publish registers an auth context under a correlation id. Publishing again
// under the same id overwrites the pending entry. The context is stored as a
// copy so later caller mutations cannot leak into consumers.
func (r *Registry) Publish(correlationID string, authContext *authctx.Context) {
	if correlationID == "" || authContext == nil {
		return
	}
	r.cache.Set(correlationID, authContext.Clone(), ttlcache.DefaultTTL)
	logging.Debug("Handoff", "Published auth context for correlation=%s user=%s",
		logging.TruncateID(correlationID), logging.TruncateID(authContext.UserID))
}

// Consume removes and returns the entry for a correlation id, or nil when
// nothing is pending. Removal is atomic: of any number of concurrent
// consumers for the same id, exactly one receives the context.
func (r *Registry) Consume(correlationID string) *authctx.Context {
	item, present := r.cache.GetAndDelete(correlationID)
	if !present || item == nil {
		return nil
	}
	logging.Debug("Handoff", "Consumed auth context for correlation=%s",
		logging.TruncateID(correlationID))
	return item.Value()
}

// Pending returns the number of unconsumed entries.
func (r *Registry) Pending() int {
	return r.cache.Len()
}

// NewCorrelationID generates a fresh correlation id.
func NewCorrelationID() string {
	return uuid.NewString()
}

// CorrelationIDFromRequest returns the request's correlation id, generating
// one when the header is absent.
func CorrelationIDFromRequest(r *http.Request) string {
	if id := r.Header.Get(CorrelationHeader); id != "" {
		return id
	}
	return NewCorrelationID()
}
