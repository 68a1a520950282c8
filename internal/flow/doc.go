// Package flow runs OAuth 2.0 flows against configured identity providers
// and stores the resulting credentials.
//
// Three grant types are supported: the RFC 8628 device authorization grant,
// the authorization-code grant with PKCE (RFC 7636), and the
// client-credentials grant. Device and authorization-code flows are
// asynchronous: Initiate creates an in-memory session and Complete advances
// it, one provider poll per call. Client-credentials flows complete inside
// Initiate.
//
// Provider endpoints are discovered from RFC 8414 authorization server
// metadata, falling back to OpenID Connect discovery, and cached per issuer.
package flow
