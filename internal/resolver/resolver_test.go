package resolver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authrelay/internal/credstore"
	"authrelay/pkg/authctx"
)

// unsignedJWT builds a JWT-shaped token without a signature, enough for the
// decode-only strategies.
func unsignedJWT(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + "."
}

type stubRefresher struct {
	cred  *credstore.Credential
	err   error
	calls int
}

func (s *stubRefresher) Refresh(context.Context, string, string) (*credstore.Credential, error) {
	s.calls++
	return s.cred, s.err
}

type stubUserInfo struct {
	claims map[string]string
	calls  int
}

func (s *stubUserInfo) UserInfo(context.Context, string, string) (map[string]string, error) {
	s.calls++
	return s.claims, nil
}

func newTestResolver(t *testing.T, validator BearerValidator, opts ...ResolverOption) (*Resolver, credstore.Store) {
	t.Helper()
	creds := credstore.NewMemoryStore()
	r := New(validator, creds, opts...)
	t.Cleanup(r.Stop)
	return r, creds
}

func TestResolve_BearerWinsOverSession(t *testing.T) {
	r, creds := newTestResolver(t, ClaimsDecoder{})
	ctx := context.Background()

	require.NoError(t, creds.Store(ctx, "bob@example.com", "google", &credstore.Credential{
		AccessToken: "session-token",
		UserID:      "bob@example.com",
		Provider:    "google",
		ExpiresAt:   time.Now().Add(time.Hour),
	}))

	token := unsignedJWT(t, map[string]interface{}{"sub": "bob@example.com"})
	got, err := r.Resolve(ctx, &Request{
		AuthorizationHeader: "Bearer " + token,
		Body:                []byte(`{"user_id":"bob@example.com"}`),
	})
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, authctx.AuthTypeBearer, got.AuthType, "bearer must win over an existing session")
	assert.Equal(t, token, got.Token)
	assert.True(t, got.Authenticated)
}

func TestResolve_RejectedBearerDoesNotFallThrough(t *testing.T) {
	r, creds := newTestResolver(t, AlwaysInvalid{})
	ctx := context.Background()

	require.NoError(t, creds.Store(ctx, "alice", "google", &credstore.Credential{
		AccessToken: "live", UserID: "alice", Provider: "google",
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	got, err := r.Resolve(ctx, &Request{
		AuthorizationHeader: "Bearer anything",
		UserID:              "alice",
	})
	require.NoError(t, err)
	assert.Nil(t, got, "a rejected bearer token must not fall through to the session path")
}

func TestResolve_AlwaysValidSynthesizesPlaceholder(t *testing.T) {
	r, _ := newTestResolver(t, AlwaysValid{})

	got, err := r.Resolve(context.Background(), &Request{AuthorizationHeader: "Bearer opaque-123"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, placeholderUserID, got.UserID)
	assert.Equal(t, authctx.AuthTypeBearer, got.AuthType)
	assert.True(t, got.Authenticated)
}

func TestResolve_AlwaysValidDecodesJWTShape(t *testing.T) {
	r, _ := newTestResolver(t, AlwaysValid{})

	token := unsignedJWT(t, map[string]interface{}{"sub": "carol", "name": "Carol"})
	got, err := r.Resolve(context.Background(), &Request{AuthorizationHeader: "Bearer " + token})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "carol", got.UserID)
	assert.Equal(t, "Carol", got.UserInfo["name"])
}

func TestResolve_DecodeModeRejectsOpaqueToken(t *testing.T) {
	r, _ := newTestResolver(t, ClaimsDecoder{})

	got, err := r.Resolve(context.Background(), &Request{AuthorizationHeader: "Bearer not-a-jwt"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResolve_DecodeModeEmailFallback(t *testing.T) {
	r, _ := newTestResolver(t, ClaimsDecoder{})

	token := unsignedJWT(t, map[string]interface{}{"email": "dave@example.com"})
	got, err := r.Resolve(context.Background(), &Request{AuthorizationHeader: "Bearer " + token})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "dave@example.com", got.UserID)
}

func TestResolve_SessionPath(t *testing.T) {
	r, creds := newTestResolver(t, ClaimsDecoder{})
	ctx := context.Background()

	require.NoError(t, creds.Store(ctx, "alice", "google", &credstore.Credential{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		UserID:       "alice",
		Provider:     "google",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))

	got, err := r.Resolve(ctx, &Request{Body: []byte(`{"user_id":"alice"}`)})
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, authctx.AuthTypeSession, got.AuthType)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, "google", got.Provider)
	assert.Equal(t, "at-1", got.Token)
	assert.True(t, got.Authenticated)
}

func TestResolve_ExpiredSessionIsRefreshed(t *testing.T) {
	refresher := &stubRefresher{cred: &credstore.Credential{
		AccessToken: "fresh-at",
		UserID:      "alice",
		Provider:    "google",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}
	r, creds := newTestResolver(t, ClaimsDecoder{}, WithRefresher(refresher))
	ctx := context.Background()

	require.NoError(t, creds.Store(ctx, "alice", "google", &credstore.Credential{
		AccessToken:  "stale-at",
		RefreshToken: "rt-1",
		UserID:       "alice",
		Provider:     "google",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}))

	got, err := r.Resolve(ctx, &Request{UserID: "alice"})
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, 1, refresher.calls)
	assert.Equal(t, "fresh-at", got.Token)
	assert.True(t, got.Authenticated)
}

func TestResolve_RefreshFailureDowngradesToHint(t *testing.T) {
	refresher := &stubRefresher{err: errors.New("invalid_grant")}
	r, creds := newTestResolver(t, ClaimsDecoder{}, WithRefresher(refresher))
	ctx := context.Background()

	require.NoError(t, creds.Store(ctx, "alice", "google", &credstore.Credential{
		AccessToken:  "stale",
		RefreshToken: "revoked",
		UserID:       "alice",
		Provider:     "google",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}))

	got, err := r.Resolve(ctx, &Request{UserID: "alice"})
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, authctx.AuthTypeNone, got.AuthType)
	assert.Equal(t, "alice", got.UserID)
	assert.False(t, got.Authenticated)
}

func TestResolve_IdentifierOnlyHint(t *testing.T) {
	r, _ := newTestResolver(t, ClaimsDecoder{})

	got, err := r.Resolve(context.Background(), &Request{Body: []byte(`{"user_id":"newcomer"}`)})
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, authctx.AuthTypeNone, got.AuthType)
	assert.Equal(t, "newcomer", got.UserID)
	assert.False(t, got.Authenticated)
	assert.Empty(t, got.Token)
}

func TestResolve_NoMaterial(t *testing.T) {
	r, _ := newTestResolver(t, ClaimsDecoder{})

	got, err := r.Resolve(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = r.Resolve(context.Background(), &Request{Body: []byte(`{"other":"field"}`)})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResolve_UserInfoIsCachedPerToken(t *testing.T) {
	fetcher := &stubUserInfo{claims: map[string]string{"email": "alice@example.com"}}
	r, creds := newTestResolver(t, ClaimsDecoder{}, WithUserInfo(fetcher))
	ctx := context.Background()

	require.NoError(t, creds.Store(ctx, "alice", "google", &credstore.Credential{
		AccessToken: "at-1", UserID: "alice", Provider: "google",
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	for i := 0; i < 3; i++ {
		got, err := r.Resolve(ctx, &Request{UserID: "alice"})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "alice@example.com", got.UserInfo["email"])
	}
	assert.Equal(t, 1, fetcher.calls, "userinfo must be fetched once per token")
}

func TestResolve_PicksLongestLivedCredential(t *testing.T) {
	r, creds := newTestResolver(t, ClaimsDecoder{})
	ctx := context.Background()

	require.NoError(t, creds.Store(ctx, "alice", "github", &credstore.Credential{
		AccessToken: "short", UserID: "alice", Provider: "github",
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}))
	require.NoError(t, creds.Store(ctx, "alice", "google", &credstore.Credential{
		AccessToken: "long", UserID: "alice", Provider: "google",
		ExpiresAt: time.Now().Add(2 * time.Hour),
	}))

	got, err := r.Resolve(ctx, &Request{UserID: "alice"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "long", got.Token)
}

func TestPickCredential(t *testing.T) {
	now := time.Now()
	live := &credstore.Credential{AccessToken: "live", ExpiresAt: now.Add(time.Hour)}
	longer := &credstore.Credential{AccessToken: "longer", ExpiresAt: now.Add(2 * time.Hour)}
	expiredRefreshable := &credstore.Credential{
		AccessToken: "stale", RefreshToken: "rt", ExpiresAt: now.Add(-time.Hour),
	}
	expiredDead := &credstore.Credential{AccessToken: "dead", ExpiresAt: now.Add(-time.Hour)}

	tests := []struct {
		name     string
		creds    map[string]*credstore.Credential
		expected *credstore.Credential
	}{
		{
			name:     "empty",
			creds:    map[string]*credstore.Credential{},
			expected: nil,
		},
		{
			name:     "longest-lived live wins",
			creds:    map[string]*credstore.Credential{"a": live, "b": longer},
			expected: longer,
		},
		{
			name:     "live beats refreshable",
			creds:    map[string]*credstore.Credential{"a": expiredRefreshable, "b": live},
			expected: live,
		},
		{
			name:     "refreshable fallback",
			creds:    map[string]*credstore.Credential{"a": expiredDead, "b": expiredRefreshable},
			expected: expiredRefreshable,
		},
		{
			name:     "only non-refreshable expired",
			creds:    map[string]*credstore.Credential{"a": expiredDead},
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Same(t, tt.expected, pickCredential(tt.creds, now))
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Basic dXNlcg==", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		token, ok := bearerToken(tt.header)
		assert.Equal(t, tt.ok, ok, "header %q", tt.header)
		if tt.ok {
			assert.Equal(t, tt.token, token, "header %q", tt.header)
		}
	}
}
