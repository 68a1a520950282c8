// Package oauth provides shared OAuth 2.0/2.1 types used across authrelay:
// token and authorization-server metadata representations, PKCE challenge
// generation, and WWW-Authenticate header parsing and construction.
//
// The flow engine, resolver, propagation hook and connector cache all share
// these types so that expiry semantics (IsExpired, TokenRefreshThreshold)
// are identical everywhere a token is inspected.
package oauth
