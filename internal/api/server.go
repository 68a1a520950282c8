// Package api exposes the administrative HTTP surface: flow initiation and
// completion, credential status and revocation, and a side-effect-free
// dual-auth status probe. Handlers map 1:1 onto engine and resolver
// operations.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"authrelay/internal/credstore"
	"authrelay/internal/flow"
	"authrelay/internal/handoff"
	"authrelay/internal/resolver"
	"authrelay/pkg/authctx"
	"authrelay/pkg/logging"
	pkgoauth "authrelay/pkg/oauth"
)

// realm reported in WWW-Authenticate challenges.
const realm = "authrelay"

// maxBodySize bounds request bodies read by the handlers.
const maxBodySize = 1 << 20

// Propagator applies a pending auth context to all targets. Satisfied by
// the propagation hook.
type Propagator interface {
	Propagate(ctx context.Context, correlationID string) (context.Context, error)
}

// Server wires the admin endpoints to the engine, resolver and registry.
type Server struct {
	engine     *flow.Engine
	resolver   *resolver.Resolver
	registry   *handoff.Registry
	creds      credstore.Store
	propagator Propagator
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithPropagator enables the /propagate endpoint, letting execution phases
// trigger propagation for a correlation id over HTTP.
func WithPropagator(p Propagator) ServerOption {
	return func(s *Server) {
		s.propagator = p
	}
}

// NewServer creates the admin API server.
func NewServer(engine *flow.Engine, res *resolver.Resolver, registry *handoff.Registry, creds credstore.Store, opts ...ServerOption) *Server {
	s := &Server{
		engine:   engine,
		resolver: res,
		registry: registry,
		creds:    creds,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/initiate", s.handleInitiate)
	mux.HandleFunc("POST /auth/complete", s.handleComplete)
	mux.HandleFunc("GET /auth/status", s.handleStatus)
	mux.HandleFunc("POST /auth/revoke", s.handleRevoke)
	mux.HandleFunc("GET /auth/dual-status", s.handleDualStatus)
	if s.propagator != nil {
		mux.HandleFunc("POST /propagate", s.handlePropagate)
	}
	return mux
}

type propagateRequest struct {
	CorrelationID string `json:"correlation_id"`
}

func (s *Server) handlePropagate(w http.ResponseWriter, r *http.Request) {
	var req propagateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.CorrelationID == "" {
		writeError(w, http.StatusBadRequest, "correlation_id is required")
		return
	}

	if _, err := s.propagator.Propagate(r.Context(), req.CorrelationID); err != nil {
		writeError(w, http.StatusNotFound, "no pending auth context for correlation id")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "propagated"})
}

type initiateRequest struct {
	UserID   string `json:"user_id"`
	Provider string `json:"provider"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Provider == "" {
		writeError(w, http.StatusBadRequest, "user_id and provider are required")
		return
	}

	initiation, err := s.engine.Initiate(r.Context(), req.UserID, req.Provider)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	logging.Audit(logging.AuditEvent{
		Action:   "flow_initiate",
		Outcome:  "success",
		UserID:   req.UserID,
		Provider: req.Provider,
	})
	writeJSON(w, http.StatusOK, initiation)
}

type completeRequest struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code,omitempty"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	completion, err := s.engine.Complete(r.Context(), req.SessionID, req.Code)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, completion)
}

// statusEntry is one credential in a status response. Token values are
// never included.
type statusEntry struct {
	Provider      string `json:"provider"`
	Authenticated bool   `json:"authenticated"`
	ExpiresAt     string `json:"expires_at,omitempty"`
	Refreshable   bool   `json:"refreshable"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}

	creds, err := s.creds.List(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list credentials")
		return
	}

	entries := make([]statusEntry, 0, len(creds))
	for _, cred := range creds {
		entry := statusEntry{
			Provider:      cred.Provider,
			Authenticated: true,
			Refreshable:   cred.Refreshable(),
		}
		if !cred.ExpiresAt.IsZero() {
			entry.ExpiresAt = cred.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		}
		entries = append(entries, entry)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":     userID,
		"credentials": entries,
	})
}

type revokeRequest struct {
	UserID   string `json:"user_id"`
	Provider string `json:"provider"`
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Provider == "" {
		writeError(w, http.StatusBadRequest, "user_id and provider are required")
		return
	}

	if err := s.engine.Revoke(r.Context(), req.UserID, req.Provider); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to revoke credential")
		return
	}

	logging.Audit(logging.AuditEvent{
		Action:   "credential_revoke",
		Outcome:  "success",
		UserID:   req.UserID,
		Provider: req.Provider,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// dualStatusResponse reports which resolution path matched, without side
// effects and without echoing token material.
type dualStatusResponse struct {
	Resolved      bool   `json:"resolved"`
	AuthType      string `json:"auth_type"`
	UserID        string `json:"user_id,omitempty"`
	Provider      string `json:"provider,omitempty"`
	Authenticated bool   `json:"authenticated"`
}

func (s *Server) handleDualStatus(w http.ResponseWriter, r *http.Request) {
	authContext, err := s.resolver.Resolve(r.Context(), &resolver.Request{
		AuthorizationHeader: r.Header.Get("Authorization"),
		UserID:              r.URL.Query().Get("user_id"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "resolution failed")
		return
	}
	if authContext == nil {
		w.Header().Set("WWW-Authenticate", pkgoauth.BuildWWWAuthenticate(realm, "invalid_token", "no acceptable authentication material"))
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	writeJSON(w, http.StatusOK, dualStatusResponse{
		Resolved:      true,
		AuthType:      string(authContext.AuthType),
		UserID:        authContext.UserID,
		Provider:      authContext.Provider,
		Authenticated: authContext.Authenticated,
	})
}

// ResolveMiddleware resolves every request and publishes the outcome to the
// handoff registry under the request's correlation id. The id is echoed in
// the response so callers can hand it to the later execution phase.
func (s *Server) ResolveMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := handoff.CorrelationIDFromRequest(r)
		w.Header().Set(handoff.CorrelationHeader, correlationID)

		body, r2, ok := peekBody(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}

		authContext, err := s.resolver.Resolve(r.Context(), &resolver.Request{
			AuthorizationHeader: r.Header.Get("Authorization"),
			Body:                body,
		})
		if err == nil && authContext != nil {
			s.registry.Publish(correlationID, authContext)
			r2 = r2.WithContext(authctx.NewContext(r2.Context(), authContext))
		}

		next.ServeHTTP(w, r2)
	})
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var flowErr *flow.FlowError
	switch {
	case errors.Is(err, flow.ErrSessionNotFound), errors.Is(err, flow.ErrSessionExpired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, flow.ErrUnknownProvider):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &flowErr):
		writeError(w, http.StatusBadRequest, flowErr.Error())
	case errors.Is(err, flow.ErrProviderUnavailable):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		logging.Error("API", err, "Unexpected engine error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return false
	}
	return true
}

// peekBody reads the request body for resolution and restores it so the
// next handler can read it again.
func peekBody(r *http.Request) ([]byte, *http.Request, bool) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, r, true
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, r, false
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, r, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
