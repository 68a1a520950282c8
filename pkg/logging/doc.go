// Package logging provides the structured logging system for authrelay.
//
// It is a thin wrapper around Go's standard slog package that tags every
// entry with a subsystem identifier and supports printf-style messages:
//
//	logging.Init(logging.LevelInfo, os.Stderr)
//	logging.Info("Flow", "Initiated device flow for user=%s", logging.TruncateID(userID))
//	logging.Error("CredStore", err, "Failed to persist credential")
//
// Subsystems used across the codebase: Bootstrap, Config, Flow, CredStore,
// Resolver, Handoff, Propagate, Delegate, Connector, API, Audit.
//
// Security-sensitive operations (credential writes, deletions, refreshes,
// forwarding decisions) go through Audit, which emits INFO entries with an
// [AUDIT] prefix for easy filtering. Token values are never logged anywhere;
// identifiers are truncated with TruncateID before logging.
package logging
