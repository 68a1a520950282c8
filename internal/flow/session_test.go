package flow

import (
	"testing"
	"time"
)

func TestSessionStore_GetByState(t *testing.T) {
	ss := NewSessionStore()
	defer ss.Stop()

	created := ss.Create(&Session{
		UserID:   "alice",
		Provider: "fake",
		Flow:     TypeAuthorizationCode,
		State:    "state-123",
	})

	got := ss.GetByState("state-123")
	if got == nil || got.ID != created.ID {
		t.Fatalf("expected session %s by state, got %v", created.ID, got)
	}
	if ss.GetByState("") != nil {
		t.Fatal("empty state must never match")
	}
	if ss.GetByState("other") != nil {
		t.Fatal("unknown state must not match")
	}
}

func TestSessionStore_CleanupRemovesExpired(t *testing.T) {
	ss := NewSessionStore()
	defer ss.Stop()

	ss.Create(&Session{UserID: "alice", Provider: "p1", ExpiresAt: time.Now().Add(-time.Minute)})
	ss.Create(&Session{UserID: "bob", Provider: "p1", ExpiresAt: time.Now().Add(time.Hour)})

	ss.cleanup()

	if ss.Count() != 1 {
		t.Fatalf("expected 1 live session after cleanup, got %d", ss.Count())
	}
}

func TestSessionStore_DeleteClearsUserIndex(t *testing.T) {
	ss := NewSessionStore()
	defer ss.Stop()

	s := ss.Create(&Session{UserID: "alice", Provider: "p1"})
	ss.Delete(s.ID)

	// A fresh session for the same user must not collide with the old index.
	replacement := ss.Create(&Session{UserID: "alice", Provider: "p1"})
	if got := ss.Get(replacement.ID); got == nil {
		t.Fatal("replacement session missing")
	}
	if ss.Count() != 1 {
		t.Fatalf("expected 1 session, got %d", ss.Count())
	}
}
