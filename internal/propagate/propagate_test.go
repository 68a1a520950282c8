package propagate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authrelay/internal/connector"
	"authrelay/internal/credstore"
	"authrelay/internal/delegate"
	"authrelay/internal/handoff"
	"authrelay/pkg/authctx"
	pkgoauth "authrelay/pkg/oauth"
)

type stubSource struct {
	cred  *credstore.Credential
	err   error
	calls int
}

func (s *stubSource) ClientCredentials(context.Context, string, string) (*credstore.Credential, error) {
	s.calls++
	return s.cred, s.err
}

func newRegistry(t *testing.T) *handoff.Registry {
	t.Helper()
	r := handoff.NewRegistry(0)
	t.Cleanup(r.Stop)
	return r
}

func bearerContext(token string) *authctx.Context {
	return &authctx.Context{
		AuthType:      authctx.AuthTypeBearer,
		UserID:        "alice",
		Provider:      "google",
		Token:         token,
		Authenticated: true,
	}
}

func TestPropagate_NoPendingContext(t *testing.T) {
	registry := newRegistry(t)
	hook := NewHook(registry)

	_, err := hook.Propagate(context.Background(), "unknown-correlation")
	assert.ErrorIs(t, err, ErrNoPendingContext)
}

func TestPropagate_InjectsIntoContext(t *testing.T) {
	registry := newRegistry(t)
	hook := NewHook(registry)

	id := handoff.NewCorrelationID()
	registry.Publish(id, bearerContext("tok-1"))

	execCtx, err := hook.Propagate(context.Background(), id)
	require.NoError(t, err)

	got, ok := authctx.FromContext(execCtx)
	require.True(t, ok)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, "tok-1", got.Token)

	// Consume-once: a second propagation for the same id fails.
	_, err = hook.Propagate(context.Background(), id)
	assert.ErrorIs(t, err, ErrNoPendingContext)
}

func TestPropagate_UpdatesDelegates(t *testing.T) {
	registry := newRegistry(t)

	var captured http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Header.Clone()
	}))
	t.Cleanup(server.Close)

	d := delegate.New("peer-a", server.URL)
	hook := NewHook(registry, WithDelegates(d))

	id := handoff.NewCorrelationID()
	registry.Publish(id, bearerContext("tok-1"))

	_, err := hook.Propagate(context.Background(), id)
	require.NoError(t, err)

	resp, err := d.Client().Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer tok-1", captured.Get("Authorization"))
	assert.Equal(t, "alice", captured.Get(delegate.HeaderForwardedUserID))
}

func TestPropagate_RefreshesPrimaryInsideThreshold(t *testing.T) {
	registry := newRegistry(t)

	source := &stubSource{cred: &credstore.Credential{
		AccessToken: "fresh-primary",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}
	c := connector.New(connector.Config{
		Name: "github-tools", URL: "http://localhost:0", Provider: "corp-dex",
	}, source)

	// Primary expires in 600s; the default 15-minute threshold covers it.
	c.Cache().SetPrimary(&pkgoauth.Token{
		AccessToken: "stale-primary",
		ExpiresAt:   time.Now().Add(600 * time.Second),
	})

	hook := NewHook(registry, WithConnectors(c))

	id := handoff.NewCorrelationID()
	registry.Publish(id, bearerContext("caller-tok"))

	_, err := hook.Propagate(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, 1, source.calls)
	assert.Equal(t, "fresh-primary", c.Cache().Primary().AccessToken)
	assert.Equal(t, "caller-tok", c.Cache().Passthrough())
}

func TestPropagate_PassthroughReplacedEvenWhenPrimaryFresh(t *testing.T) {
	registry := newRegistry(t)

	source := &stubSource{}
	c := connector.New(connector.Config{
		Name: "github-tools", URL: "http://localhost:0", Provider: "corp-dex",
	}, source)
	c.Cache().SetPrimary(&pkgoauth.Token{
		AccessToken: "fresh",
		ExpiresAt:   time.Now().Add(2 * time.Hour),
	})
	c.Cache().SetPassthrough("old-caller-tok")

	hook := NewHook(registry, WithConnectors(c))

	id := handoff.NewCorrelationID()
	registry.Publish(id, bearerContext("new-caller-tok"))

	_, err := hook.Propagate(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, 0, source.calls, "fresh primary must not be refreshed")
	assert.Equal(t, "new-caller-tok", c.Cache().Passthrough())
}

func TestPropagate_TargetFailureIsNotFatal(t *testing.T) {
	registry := newRegistry(t)

	failing := connector.New(connector.Config{
		Name: "broken", URL: "http://localhost:0", Provider: "corp-dex",
	}, &stubSource{err: errors.New("provider down")})

	healthy := connector.New(connector.Config{
		Name: "healthy", URL: "http://localhost:0", Provider: "corp-dex",
	}, &stubSource{cred: &credstore.Credential{AccessToken: "p"}})

	hook := NewHook(registry, WithConnectors(failing, healthy))

	id := handoff.NewCorrelationID()
	registry.Publish(id, bearerContext("tok"))

	execCtx, err := hook.Propagate(context.Background(), id)
	require.NoError(t, err, "per-target failures must not fail the propagation")

	_, ok := authctx.FromContext(execCtx)
	assert.True(t, ok)
	assert.Equal(t, "p", healthy.Cache().Primary().AccessToken)
	assert.Equal(t, "tok", failing.Cache().Passthrough(),
		"passthrough is replaced even on the failed target")
}

func TestApply_ReportsPerTargetFailures(t *testing.T) {
	failing := connector.New(connector.Config{
		Name: "broken", URL: "http://localhost:0", Provider: "corp-dex",
	}, &stubSource{err: errors.New("provider down")})

	hook := NewHook(newRegistry(t), WithConnectors(failing))

	failures := hook.Apply(context.Background(), bearerContext("tok"))
	require.Len(t, failures, 1)
	assert.Equal(t, "connector/broken", failures[0].Target)
	assert.ErrorContains(t, failures[0], "provider down")
}

func TestApply_IsIdempotent(t *testing.T) {
	source := &stubSource{cred: &credstore.Credential{
		AccessToken: "p",
		ExpiresAt:   time.Now().Add(2 * time.Hour),
	}}
	c := connector.New(connector.Config{
		Name: "github-tools", URL: "http://localhost:0", Provider: "corp-dex",
	}, source)

	hook := NewHook(newRegistry(t), WithConnectors(c))
	authContext := bearerContext("tok")

	require.Empty(t, hook.Apply(context.Background(), authContext))
	firstPrimary := c.Cache().Primary().AccessToken
	firstPassthrough := c.Cache().Passthrough()

	require.Empty(t, hook.Apply(context.Background(), authContext))
	assert.Equal(t, firstPrimary, c.Cache().Primary().AccessToken)
	assert.Equal(t, firstPassthrough, c.Cache().Passthrough())
	assert.Equal(t, 1, source.calls, "the second apply finds a fresh primary and skips the refresh")
}
