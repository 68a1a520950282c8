// Package credstore persists provider credentials per (user, provider) pair.
//
// Three interchangeable backends implement the Store interface: an in-memory
// map for development and tests, an (optionally AES-256-GCM encrypted)
// file-per-credential store for local use, and a Kubernetes Secret backend
// for in-cluster deployments. All backends share identical expiry semantics:
// a credential that is past its expiry and has no refresh token is deleted on
// read and reported as absent, while an expired credential that still has a
// refresh token is handed back so the caller can refresh it.
package credstore
