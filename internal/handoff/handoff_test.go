package handoff

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authrelay/pkg/authctx"
)

func newTestRegistry(t *testing.T, ttl time.Duration) *Registry {
	t.Helper()
	r := NewRegistry(ttl)
	t.Cleanup(r.Stop)
	return r
}

func TestPublishConsume(t *testing.T) {
	r := newTestRegistry(t, 0)

	id := NewCorrelationID()
	r.Publish(id, &authctx.Context{
		AuthType:      authctx.AuthTypeBearer,
		UserID:        "alice",
		Token:         "tok",
		Authenticated: true,
	})

	got := r.Consume(id)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, "tok", got.Token)

	// Consume-once: the entry is gone.
	assert.Nil(t, r.Consume(id))
	assert.Equal(t, 0, r.Pending())
}

func TestConsumeUnknownID(t *testing.T) {
	r := newTestRegistry(t, 0)
	assert.Nil(t, r.Consume("never-published"))
}

func TestConcurrentUsersAreIsolated(t *testing.T) {
	r := newTestRegistry(t, 0)

	id1, id2 := NewCorrelationID(), NewCorrelationID()
	r.Publish(id1, &authctx.Context{UserID: "u1", Token: "t1"})
	r.Publish(id2, &authctx.Context{UserID: "u2", Token: "t2"})

	got1, got2 := r.Consume(id1), r.Consume(id2)
	require.NotNil(t, got1)
	require.NotNil(t, got2)
	assert.Equal(t, "u1", got1.UserID)
	assert.Equal(t, "u2", got2.UserID)
}

func TestRepublishOverwrites(t *testing.T) {
	r := newTestRegistry(t, 0)

	id := NewCorrelationID()
	r.Publish(id, &authctx.Context{UserID: "alice", Token: "old"})
	r.Publish(id, &authctx.Context{UserID: "alice", Token: "new"})

	got := r.Consume(id)
	require.NotNil(t, got)
	assert.Equal(t, "new", got.Token)
	assert.Nil(t, r.Consume(id))
}

func TestPublishStoresACopy(t *testing.T) {
	r := newTestRegistry(t, 0)

	original := &authctx.Context{UserID: "alice", UserInfo: map[string]string{"email": "a@b"}}
	id := NewCorrelationID()
	r.Publish(id, original)

	original.UserID = "mutated"
	original.UserInfo["email"] = "mutated"

	got := r.Consume(id)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, "a@b", got.UserInfo["email"])
}

func TestEntriesExpire(t *testing.T) {
	r := newTestRegistry(t, 20*time.Millisecond)

	id := NewCorrelationID()
	r.Publish(id, &authctx.Context{UserID: "alice"})

	assert.Eventually(t, func() bool {
		return r.Consume(id) == nil
	}, time.Second, 10*time.Millisecond, "unconsumed entry must expire by TTL")
}

func TestPublishIgnoresEmptyInput(t *testing.T) {
	r := newTestRegistry(t, 0)

	r.Publish("", &authctx.Context{UserID: "alice"})
	r.Publish(NewCorrelationID(), nil)
	assert.Equal(t, 0, r.Pending())
}

func TestConcurrentConsumeDeliversOnce(t *testing.T) {
	r := newTestRegistry(t, 0)

	const consumers = 16
	for i := 0; i < 200; i++ {
		id := NewCorrelationID()
		r.Publish(id, &authctx.Context{UserID: "alice"})

		start := make(chan struct{})
		results := make(chan *authctx.Context, consumers)
		var wg sync.WaitGroup
		for c := 0; c < consumers; c++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				results <- r.Consume(id)
			}()
		}
		close(start)
		wg.Wait()
		close(results)

		delivered := 0
		for got := range results {
			if got != nil {
				delivered++
			}
		}
		require.Equal(t, 1, delivered, "exactly one consumer must receive the context")
	}
}

func TestCorrelationIDFromRequest(t *testing.T) {
	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set(CorrelationHeader, "corr-123")
	assert.Equal(t, "corr-123", CorrelationIDFromRequest(req))

	bare := httptest.NewRequest("POST", "/", nil)
	generated := CorrelationIDFromRequest(bare)
	assert.NotEmpty(t, generated)
	assert.NotEqual(t, generated, CorrelationIDFromRequest(bare), "absent header yields a fresh id per call")
}
