package flow

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the engine. HTTP mapping happens at the API
// boundary.
var (
	// ErrSessionNotFound means the flow session does not exist (never
	// created, already completed, or garbage-collected).
	ErrSessionNotFound = errors.New("flow session not found")

	// ErrSessionExpired means the flow session existed but its
	// provider-supplied lifetime has elapsed. The session is deleted when
	// this error is returned.
	ErrSessionExpired = errors.New("flow session expired")

	// ErrProviderUnavailable means the identity provider could not be
	// reached or answered with a server error. Retryable by the caller.
	ErrProviderUnavailable = errors.New("identity provider unavailable")

	// ErrUnknownProvider means no provider with the given name is configured.
	ErrUnknownProvider = errors.New("unknown provider")
)

// Standard OAuth error codes relevant to the device flow (RFC 8628 §3.5).
const (
	errAuthorizationPending = "authorization_pending"
	errSlowDown             = "slow_down"
	errAccessDenied         = "access_denied"
	errExpiredToken         = "expired_token"
)

// FlowError is a typed provider rejection of a flow step. Retryable reports
// whether the caller may try again (after the poll interval for device
// flows); access_denied and expired_token are terminal and must not be
// retried.
type FlowError struct {
	// Code is the OAuth error code from the provider.
	Code string

	// Description is the provider's human-readable error description.
	Description string

	// StatusCode is the HTTP status the provider answered with.
	StatusCode int
}

// Error implements the error interface.
func (e *FlowError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider rejected flow step: %s (%s)", e.Code, e.Description)
	}
	return fmt.Sprintf("provider rejected flow step: %s", e.Code)
}

// Retryable reports whether the caller may retry the flow step.
func (e *FlowError) Retryable() bool {
	return e.Code == errAuthorizationPending || e.Code == errSlowDown
}

// Terminal reports whether the flow has failed for good.
func (e *FlowError) Terminal() bool {
	return e.Code == errAccessDenied || e.Code == errExpiredToken
}
