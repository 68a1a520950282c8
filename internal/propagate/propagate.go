// Package propagate distributes a consumed auth context outward: into the
// local execution context, to remote delegates, and into external connector
// token caches. The flow is strictly one-way; nothing downstream mutates or
// re-publishes the context.
package propagate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"authrelay/internal/connector"
	"authrelay/internal/delegate"
	"authrelay/internal/handoff"
	"authrelay/pkg/authctx"
	"authrelay/pkg/logging"
)

// ErrNoPendingContext means nothing was published under the correlation id,
// or the entry was already consumed or expired.
var ErrNoPendingContext = errors.New("no pending auth context for correlation id")

// ForwardingError is a failure to apply the auth context to one target.
// Always non-fatal: the remaining targets are still updated.
type ForwardingError struct {
	// Target names the delegate or connector that failed.
	Target string

	// Err is the underlying failure.
	Err error
}

func (e *ForwardingError) Error() string {
	return fmt.Sprintf("failed to forward auth context to %s: %v", e.Target, e.Err)
}

func (e *ForwardingError) Unwrap() error {
	return e.Err
}

// Hook applies resolved auth contexts to every registered target.
type Hook struct {
	registry   *handoff.Registry
	delegates  []*delegate.Delegate
	connectors []*connector.Connector

	now func() time.Time
}

// HookOption configures a Hook.
type HookOption func(*Hook)

// WithDelegates registers remote delegates.
func WithDelegates(delegates ...*delegate.Delegate) HookOption {
	return func(h *Hook) {
		h.delegates = append(h.delegates, delegates...)
	}
}

// WithConnectors registers external connectors.
func WithConnectors(connectors ...*connector.Connector) HookOption {
	return func(h *Hook) {
		h.connectors = append(h.connectors, connectors...)
	}
}

// WithClock overrides the clock used for refresh-threshold decisions.
func WithClock(now func() time.Time) HookOption {
	return func(h *Hook) {
		h.now = now
	}
}

// NewHook creates a propagation hook over a handoff registry.
func NewHook(registry *handoff.Registry, opts ...HookOption) *Hook {
	h := &Hook{
		registry: registry,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Propagate consumes the pending auth context for a correlation id and
// applies it everywhere: the returned context carries it for local
// execution, delegates get their forwarding headers rewritten, and
// connector caches get their passthrough token overwritten (plus a primary
// refresh when inside the threshold). Per-target failures are logged and
// skipped.
func (h *Hook) Propagate(ctx context.Context, correlationID string) (context.Context, error) {
	authContext := h.registry.Consume(correlationID)
	if authContext == nil {
		return ctx, fmt.Errorf("%w: %s", ErrNoPendingContext, logging.TruncateID(correlationID))
	}

	failures := h.Apply(ctx, authContext)
	for _, failure := range failures {
		logging.Warn("Propagate", "%v", failure)
	}

	logging.Debug("Propagate", "Propagated auth context for correlation=%s user=%s (delegates=%d connectors=%d failures=%d)",
		logging.TruncateID(correlationID), logging.TruncateID(authContext.UserID),
		len(h.delegates), len(h.connectors), len(failures))

	return authctx.NewContext(ctx, authContext), nil
}

// Apply fans the auth context out to all targets and returns the per-target
// failures. Applying the same context twice leaves every target in the same
// state.
func (h *Hook) Apply(ctx context.Context, authContext *authctx.Context) []*ForwardingError {
	var (
		mu       sync.Mutex
		failures []*ForwardingError
	)
	record := func(target string, err error) {
		mu.Lock()
		failures = append(failures, &ForwardingError{Target: target, Err: err})
		mu.Unlock()
	}

	g, groupCtx := errgroup.WithContext(ctx)

	for _, d := range h.delegates {
		d := d
		g.Go(func() error {
			if err := d.Update(groupCtx, authContext); err != nil {
				record("delegate/"+d.Name(), err)
			}
			return nil
		})
	}

	now := h.now()
	for _, c := range h.connectors {
		c := c
		g.Go(func() error {
			if err := c.EnsurePrimary(groupCtx, now); err != nil {
				record("connector/"+c.Name(), err)
			}
			// The passthrough token is replaced unconditionally, even when
			// the primary refresh failed or was skipped.
			c.Cache().SetPassthrough(authContext.Token)
			return nil
		})
	}

	// Workers never return errors; Wait only orders completion.
	_ = g.Wait()

	return failures
}
