package credstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrBackendUnavailable indicates the backing store could not be reached.
// Callers may retry; the credential state is unknown.
var ErrBackendUnavailable = errors.New("credential store backend unavailable")

// Credential is a stored provider token for one (user, provider) pair.
// It is created or overwritten by a successful flow completion or refresh and
// owned exclusively by the store.
type Credential struct {
	// AccessToken is the bearer token obtained from the provider.
	AccessToken string `json:"access_token"`

	// TokenType is typically "Bearer".
	TokenType string `json:"token_type,omitempty"`

	// RefreshToken allows renewing the access token (optional).
	RefreshToken string `json:"refresh_token,omitempty"`

	// ExpiresAt is the access token expiry, zero when it does not expire.
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// Scope is the granted scope(s), space-separated.
	Scope string `json:"scope,omitempty"`

	// UserID is the owning user.
	UserID string `json:"user_id"`

	// Provider is the identity provider this credential belongs to.
	Provider string `json:"provider"`

	// Extra carries provider-specific values (id_token, user claims, ...).
	Extra map[string]string `json:"extra,omitempty"`
}

// IsExpired reports whether the credential is past its expiry at the given
// instant. Credentials without an expiry never expire.
func (c *Credential) IsExpired(now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return c.ExpiresAt.Before(now)
}

// Refreshable reports whether the credential can be renewed.
func (c *Credential) Refreshable() bool {
	return c.RefreshToken != ""
}

// Clone returns a deep copy so callers can never alias store-owned state.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	clone := *c
	if c.Extra != nil {
		clone.Extra = make(map[string]string, len(c.Extra))
		for k, v := range c.Extra {
			clone.Extra[k] = v
		}
	}
	return &clone
}

// Store persists credentials per (user, provider). All backends share
// identical expiry semantics:
//
//   - Get returns (nil, nil) when no credential exists.
//   - Get deletes the entry and returns (nil, nil) when it is expired and has
//     no refresh token.
//   - Get returns an expired credential when a refresh token is present; the
//     caller is responsible for refreshing and overwriting it.
//
// Implementations must support concurrent access across distinct
// (user, provider) keys without global serialization of backend I/O.
type Store interface {
	// Store creates or overwrites the credential for (userID, provider).
	Store(ctx context.Context, userID, provider string, cred *Credential) error

	// Get retrieves the credential for (userID, provider), applying the
	// expiry semantics described above.
	Get(ctx context.Context, userID, provider string) (*Credential, error)

	// Delete removes the credential for (userID, provider). Deleting an
	// absent credential is not an error.
	Delete(ctx context.Context, userID, provider string) error

	// List returns all live credentials for a user, keyed by provider.
	// Expired-and-unrefreshable entries are excluded.
	List(ctx context.Context, userID string) (map[string]*Credential, error)
}

// Sweepable is implemented by backends that can purge expired entries in
// bulk. The optional background sweeper uses it.
type Sweepable interface {
	// Sweep removes all expired-and-unrefreshable credentials and returns
	// how many were removed.
	Sweep(ctx context.Context) (int, error)
}

// credKey derives a filesystem- and Kubernetes-safe identifier for a
// (user, provider) pair. Uses SHA256 so user IDs (often emails) never appear
// in file names or object names.
func credKey(userID, provider string) string {
	hash := sha256.Sum256([]byte(userID + "\x00" + provider))
	return hex.EncodeToString(hash[:16])
}

// userKey derives a stable identifier for a user, used for list lookups.
func userKey(userID string) string {
	hash := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(hash[:16])
}

// evaluateExpiry applies the shared Get semantics to a raw credential.
// Returns the credential to hand out (possibly nil) and whether the stored
// entry should be deleted.
func evaluateExpiry(cred *Credential, now time.Time) (out *Credential, del bool) {
	if cred == nil {
		return nil, false
	}
	if cred.IsExpired(now) && !cred.Refreshable() {
		return nil, true
	}
	return cred, false
}
