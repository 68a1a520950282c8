// Package delegate forwards the resolved auth context to named remote HTTP
// peers. Each delegate owns an HTTP client whose transport rewrites the
// forwarding headers from the delegate's current auth context on every
// outbound request.
package delegate

import (
	"context"
	"net/http"
	"sync"

	"authrelay/pkg/authctx"
	"authrelay/pkg/logging"
)

// Forwarding headers rewritten on every outbound request.
const (
	HeaderForwardedAuthType = "X-Forwarded-Auth-Type"
	HeaderForwardedUserID   = "X-Forwarded-User-ID"
	HeaderForwardedProvider = "X-Forwarded-Auth-Provider"
)

// Delegate is a named remote peer that receives forwarded auth material.
type Delegate struct {
	name    string
	baseURL string

	exchanger *Exchanger
	exchange  *ExchangeConfig

	mu      sync.RWMutex
	current *authctx.Context

	client *http.Client
}

// DelegateOption configures a Delegate.
type DelegateOption func(*Delegate)

// WithExchange enables cross-realm token exchange: instead of the caller's
// own token, the delegate forwards a token exchanged at the delegate realm's
// token endpoint.
func WithExchange(exchanger *Exchanger, cfg *ExchangeConfig) DelegateOption {
	return func(d *Delegate) {
		d.exchanger = exchanger
		d.exchange = cfg
	}
}

// WithTransport overrides the underlying transport the forwarding headers
// are layered on.
func WithTransport(rt http.RoundTripper) DelegateOption {
	return func(d *Delegate) {
		d.client = &http.Client{Transport: rt}
	}
}

// New creates a delegate for a remote peer.
func New(name, baseURL string, opts ...DelegateOption) *Delegate {
	d := &Delegate{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{},
	}
	for _, opt := range opts {
		opt(d)
	}
	base := d.client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	d.client.Transport = &HeaderRoundTripper{delegate: d, base: base}
	return d
}

// Name returns the delegate's configured name.
func (d *Delegate) Name() string {
	return d.name
}

// BaseURL returns the delegate's base URL.
func (d *Delegate) BaseURL() string {
	return d.baseURL
}

// Client returns the HTTP client that forwards auth headers to this peer.
func (d *Delegate) Client() *http.Client {
	return d.client
}

// Update replaces the delegate's current auth context with a read-only copy.
// When token exchange is configured, the caller's token is exchanged at the
// delegate realm first and the copy carries the exchanged token.
func (d *Delegate) Update(ctx context.Context, authContext *authctx.Context) error {
	forwarded := authContext.Clone()

	if d.exchanger != nil && d.exchange != nil && forwarded != nil && forwarded.Token != "" {
		result, err := d.exchanger.Exchange(ctx, &ExchangeRequest{
			Config:       d.exchange,
			SubjectToken: forwarded.Token,
			UserID:       forwarded.UserID,
		})
		if err != nil {
			return err
		}
		forwarded.Token = result.AccessToken
	}

	d.mu.Lock()
	d.current = forwarded
	d.mu.Unlock()

	if forwarded != nil {
		logging.Debug("Delegate", "Updated auth context for delegate=%s user=%s",
			d.name, logging.TruncateID(forwarded.UserID))
	}
	return nil
}

// Current returns the auth context outbound requests are decorated with.
func (d *Delegate) Current() *authctx.Context {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current
}

// HeaderRoundTripper overwrites the forwarding headers on every request.
// A context attached to the request (authctx.NewContext) takes precedence
// over the delegate's last propagated context; pre-existing header values
// are always replaced, never appended to.
type HeaderRoundTripper struct {
	delegate *Delegate
	base     http.RoundTripper
}

func (t *HeaderRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	authContext, ok := authctx.FromContext(req.Context())
	if !ok {
		authContext = t.delegate.Current()
	}

	// Per-request clone: RoundTrippers must not mutate the caller's request.
	out := req.Clone(req.Context())
	out.Header.Del("Authorization")
	out.Header.Del(HeaderForwardedAuthType)
	out.Header.Del(HeaderForwardedUserID)
	out.Header.Del(HeaderForwardedProvider)

	if authContext != nil && authContext.Authenticated {
		if authContext.Token != "" {
			out.Header.Set("Authorization", "Bearer "+authContext.Token)
		}
		out.Header.Set(HeaderForwardedAuthType, string(authContext.AuthType))
		out.Header.Set(HeaderForwardedUserID, authContext.UserID)
		if authContext.Provider != "" {
			out.Header.Set(HeaderForwardedProvider, authContext.Provider)
		}
	}

	return t.base.RoundTrip(out)
}
