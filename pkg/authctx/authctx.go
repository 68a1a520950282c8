package authctx

import (
	"context"
	"time"
)

// AuthType identifies how an identity was established.
type AuthType string

const (
	// AuthTypeBearer means the caller presented a self-contained bearer token.
	AuthTypeBearer AuthType = "bearer"

	// AuthTypeSession means the identity came from a previously established
	// session backed by a stored credential.
	AuthTypeSession AuthType = "session"

	// AuthTypeNone means no authentication material was found.
	AuthTypeNone AuthType = "none"
)

// Context is the normalized identity produced by the resolver for one
// request. It is immutable once created: downstream consumers receive
// read-only copies and never mutate or re-publish it. A Context is never
// persisted; it lives only for the duration of one request/turn pair.
type Context struct {
	// AuthType records which resolution path produced this context.
	AuthType AuthType `json:"auth_type"`

	// UserID is the resolved user identifier (subject or email).
	UserID string `json:"user_id"`

	// Provider is the identity provider the credential belongs to.
	Provider string `json:"provider,omitempty"`

	// Token is the access token to forward downstream.
	Token string `json:"-"`

	// RefreshToken is present when the underlying credential can be renewed.
	RefreshToken string `json:"-"`

	// ExpiresAt is the token expiry, zero when the token does not expire.
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// UserInfo holds optional identity claims (name, email, picture, ...).
	UserInfo map[string]string `json:"user_info,omitempty"`

	// Authenticated is true when the identity was positively established,
	// false for identifier-only hints.
	Authenticated bool `json:"authenticated"`
}

// IsExpired reports whether the context's token is past its expiry at the
// given instant. Contexts without an expiry never expire.
func (c *Context) IsExpired(now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return c.ExpiresAt.Before(now)
}

// Clone returns a deep copy. Handed to each downstream consumer so that no
// consumer can observe another's mutations.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	clone := *c
	if c.UserInfo != nil {
		clone.UserInfo = make(map[string]string, len(c.UserInfo))
		for k, v := range c.UserInfo {
			clone.UserInfo[k] = v
		}
	}
	return &clone
}

type contextKey struct{}

// NewContext returns a context.Context carrying the auth context, making the
// identity visible to in-process tools during the execution phase.
func NewContext(ctx context.Context, ac *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

// FromContext extracts the auth context injected by NewContext.
// Returns nil, false when no identity was propagated.
func FromContext(ctx context.Context) (*Context, bool) {
	ac, ok := ctx.Value(contextKey{}).(*Context)
	return ac, ok && ac != nil
}
