package credstore

import (
	"context"
	"sync"
	"time"

	"authrelay/pkg/logging"
)

type memoryKey struct {
	userID   string
	provider string
}

// MemoryStore is a non-durable in-memory credential store for development
// and tests. Safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[memoryKey]*Credential
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds: make(map[memoryKey]*Credential),
	}
}

// Store saves a credential, overwriting any previous entry.
func (s *MemoryStore) Store(ctx context.Context, userID, provider string, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.creds[memoryKey{userID, provider}] = cred.Clone()
	logging.Debug("CredStore", "Stored credential for user=%s provider=%s (expires: %v)",
		logging.TruncateID(userID), provider, cred.ExpiresAt)
	return nil
}

// Get retrieves a credential, applying the shared expiry semantics.
func (s *MemoryStore) Get(ctx context.Context, userID, provider string) (*Credential, error) {
	key := memoryKey{userID, provider}

	s.mu.RLock()
	cred := s.creds[key]
	s.mu.RUnlock()

	out, del := evaluateExpiry(cred, time.Now())
	if del {
		s.mu.Lock()
		// Re-check under the write lock in case another goroutine replaced it.
		if current, ok := s.creds[key]; ok && current == cred {
			delete(s.creds, key)
		}
		s.mu.Unlock()
		logging.Debug("CredStore", "Purged expired credential for user=%s provider=%s",
			logging.TruncateID(userID), provider)
		return nil, nil
	}
	return out.Clone(), nil
}

// Delete removes a credential.
func (s *MemoryStore) Delete(ctx context.Context, userID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.creds, memoryKey{userID, provider})
	return nil
}

// List returns all live credentials for a user keyed by provider.
func (s *MemoryStore) List(ctx context.Context, userID string) (map[string]*Credential, error) {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]*Credential)
	for key, cred := range s.creds {
		if key.userID != userID {
			continue
		}
		if out, _ := evaluateExpiry(cred, now); out != nil {
			result[key.provider] = out.Clone()
		}
	}
	return result, nil
}

// Sweep removes all expired-and-unrefreshable credentials.
func (s *MemoryStore) Sweep(ctx context.Context) (int, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for key, cred := range s.creds {
		if _, del := evaluateExpiry(cred, now); del {
			delete(s.creds, key)
			count++
		}
	}
	return count, nil
}

var _ Store = (*MemoryStore)(nil)
var _ Sweepable = (*MemoryStore)(nil)
