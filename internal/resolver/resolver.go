package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"authrelay/internal/credstore"
	"authrelay/pkg/authctx"
	"authrelay/pkg/logging"
)

// userinfoCacheTTL bounds how long fetched userinfo claims are reused for
// the same access token.
const userinfoCacheTTL = 10 * time.Minute

// Request is the authentication material extracted from an inbound request.
type Request struct {
	// AuthorizationHeader is the raw Authorization header value, if any.
	AuthorizationHeader string

	// UserID is an explicit user identifier, when the transport carries one
	// outside the body.
	UserID string

	// Body is the raw JSON request body, consulted for a user_id field when
	// UserID is empty.
	Body []byte
}

// userID returns the effective user identifier of the request.
func (r *Request) userID() string {
	if r.UserID != "" {
		return r.UserID
	}
	if len(r.Body) == 0 {
		return ""
	}
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(r.Body, &body); err != nil {
		return ""
	}
	return body.UserID
}

// TokenRefresher re-exchanges a stored refresh token and overwrites the
// stored credential. Satisfied by the flow engine.
type TokenRefresher interface {
	Refresh(ctx context.Context, userID, provider string) (*credstore.Credential, error)
}

// UserInfoFetcher fetches identity claims for an access token from the
// provider's userinfo endpoint. Satisfied by the flow engine.
type UserInfoFetcher interface {
	UserInfo(ctx context.Context, provider, accessToken string) (map[string]string, error)
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithRefresher enables transparent refresh of expired session credentials.
func WithRefresher(r TokenRefresher) ResolverOption {
	return func(res *Resolver) {
		res.refresher = r
	}
}

// WithUserInfo enables userinfo enrichment of session-path contexts.
func WithUserInfo(f UserInfoFetcher) ResolverOption {
	return func(res *Resolver) {
		res.userinfo = f
	}
}

// Resolver turns inbound request material into a normalized auth context.
// Precedence is fixed: bearer header, then stored session, then bare
// identifier hint, then nothing. The bearer validation strategy is injected
// at construction so test and production behavior differ by wiring, not by
// runtime environment checks.
type Resolver struct {
	validator BearerValidator
	creds     credstore.Store
	refresher TokenRefresher
	userinfo  UserInfoFetcher

	userinfoCache *ttlcache.Cache[string, map[string]string]
}

// New creates a resolver with the given bearer validation strategy.
func New(validator BearerValidator, creds credstore.Store, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		validator: validator,
		creds:     creds,
		userinfoCache: ttlcache.New[string, map[string]string](
			ttlcache.WithTTL[string, map[string]string](userinfoCacheTTL),
		),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.userinfoCache.Start()
	return r
}

// Stop releases the resolver's background resources.
func (r *Resolver) Stop() {
	r.userinfoCache.Stop()
}

// Resolve produces the auth context for a request, or nil when no acceptable
// authentication material is present. A bearer header, when present, decides
// the outcome alone: a rejected bearer token yields nil and never falls
// through to the session path.
func (r *Resolver) Resolve(ctx context.Context, req *Request) (*authctx.Context, error) {
	if token, ok := bearerToken(req.AuthorizationHeader); ok {
		return r.resolveBearer(ctx, token)
	}

	userID := req.userID()
	if userID == "" {
		return nil, nil
	}

	stored, err := r.creds.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	cred := pickCredential(stored, time.Now())
	if cred == nil {
		// Identifier-only hint: lets the caller decide to start a flow.
		return &authctx.Context{
			AuthType:      authctx.AuthTypeNone,
			UserID:        userID,
			Authenticated: false,
		}, nil
	}
	return r.resolveSession(ctx, userID, cred)
}

// ResolveForProvider is Resolve with the session lookup scoped to one
// provider instead of the user's default credential.
func (r *Resolver) ResolveForProvider(ctx context.Context, req *Request, provider string) (*authctx.Context, error) {
	if token, ok := bearerToken(req.AuthorizationHeader); ok {
		return r.resolveBearer(ctx, token)
	}

	userID := req.userID()
	if userID == "" {
		return nil, nil
	}

	cred, err := r.creds.Get(ctx, userID, provider)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return &authctx.Context{
			AuthType:      authctx.AuthTypeNone,
			UserID:        userID,
			Authenticated: false,
		}, nil
	}
	return r.resolveSession(ctx, userID, cred)
}

// pickCredential chooses the user's default credential when the request does
// not name a provider: a live credential with the most remaining lifetime,
// falling back to an expired-but-refreshable one.
func pickCredential(creds map[string]*credstore.Credential, now time.Time) *credstore.Credential {
	var best, refreshable *credstore.Credential
	for _, c := range creds {
		if !c.IsExpired(now) {
			if best == nil || c.ExpiresAt.After(best.ExpiresAt) {
				best = c
			}
			continue
		}
		if c.Refreshable() && refreshable == nil {
			refreshable = c
		}
	}
	if best != nil {
		return best
	}
	return refreshable
}

func (r *Resolver) resolveBearer(ctx context.Context, token string) (*authctx.Context, error) {
	identity, err := r.validator.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	if identity == nil {
		logging.Debug("Resolver", "Bearer token rejected")
		return nil, nil
	}

	logging.Debug("Resolver", "Resolved bearer identity user=%s", logging.TruncateID(identity.UserID))

	return &authctx.Context{
		AuthType:      authctx.AuthTypeBearer,
		UserID:        identity.UserID,
		Token:         token,
		UserInfo:      identity.UserInfo,
		Authenticated: true,
	}, nil
}

func (r *Resolver) resolveSession(ctx context.Context, userID string, cred *credstore.Credential) (*authctx.Context, error) {
	now := time.Now()

	if cred.IsExpired(now) {
		// The store only returns expired credentials when a refresh token
		// is present; refreshing is our job.
		if r.refresher == nil {
			return r.identifierHint(userID), nil
		}
		refreshed, err := r.refresher.Refresh(ctx, userID, cred.Provider)
		if err != nil {
			logging.Warn("Resolver", "Refresh failed for user=%s provider=%s: %v",
				logging.TruncateID(userID), cred.Provider, err)
			return r.identifierHint(userID), nil
		}
		cred = refreshed
	}

	authContext := &authctx.Context{
		AuthType:      authctx.AuthTypeSession,
		UserID:        userID,
		Provider:      cred.Provider,
		Token:         cred.AccessToken,
		RefreshToken:  cred.RefreshToken,
		ExpiresAt:     cred.ExpiresAt,
		Authenticated: true,
	}
	if userInfo := r.fetchUserInfo(ctx, cred); userInfo != nil {
		authContext.UserInfo = userInfo
	}

	logging.Debug("Resolver", "Resolved session for user=%s provider=%s",
		logging.TruncateID(userID), cred.Provider)

	return authContext, nil
}

func (r *Resolver) identifierHint(userID string) *authctx.Context {
	return &authctx.Context{
		AuthType:      authctx.AuthTypeNone,
		UserID:        userID,
		Authenticated: false,
	}
}

// fetchUserInfo enriches a session context with provider userinfo claims,
// cached per token hash. Failures are non-fatal.
func (r *Resolver) fetchUserInfo(ctx context.Context, cred *credstore.Credential) map[string]string {
	if r.userinfo == nil {
		return nil
	}

	key := tokenHash(cred.AccessToken)
	if item := r.userinfoCache.Get(key); item != nil {
		return item.Value()
	}

	claims, err := r.userinfo.UserInfo(ctx, cred.Provider, cred.AccessToken)
	if err != nil {
		logging.Debug("Resolver", "Userinfo fetch failed for provider=%s: %v", cred.Provider, err)
		return nil
	}
	if claims == nil {
		return nil
	}
	r.userinfoCache.Set(key, claims, ttlcache.DefaultTTL)
	return claims
}

func tokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:16])
}

// bearerToken extracts the token from an Authorization header value.
func bearerToken(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
