// Package resolver turns inbound request material into a normalized
// authctx.Context.
//
// Two authentication paths are supported and their precedence is fixed: a
// bearer token in the Authorization header always wins over a stored
// session, and a bare user identifier with no stored credential resolves to
// an unauthenticated hint. How bearer tokens are judged is a pluggable
// BearerValidator strategy, selected once at startup.
package resolver
