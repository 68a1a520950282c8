package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"authrelay/internal/api"
	"authrelay/internal/connector"
	"authrelay/internal/credstore"
	"authrelay/internal/delegate"
	"authrelay/internal/handoff"
	"authrelay/internal/propagate"
	"authrelay/internal/resolver"
	"authrelay/pkg/logging"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API and propagation wiring",
		Long: `serve starts the admin HTTP API and wires the full pipeline:
resolver, handoff registry, propagation hook, configured delegates and
connectors. Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, cleanup, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	engine := buildEngine(cfg, store)
	defer engine.Stop()

	validator, err := buildValidator(ctx, cfg)
	if err != nil {
		return err
	}

	res := resolver.New(validator, store,
		resolver.WithRefresher(engine),
		resolver.WithUserInfo(engine),
	)
	defer res.Stop()

	registry := handoff.NewRegistry(time.Duration(cfg.Handoff.TTLMinutes) * time.Minute)
	defer registry.Stop()

	hookOpts := []propagate.HookOption{}
	if len(cfg.Delegates) > 0 {
		var exchanger *delegate.Exchanger
		delegates := make([]*delegate.Delegate, 0, len(cfg.Delegates))
		for _, dc := range cfg.Delegates {
			var opts []delegate.DelegateOption
			if dc.Exchange != nil {
				if exchanger == nil {
					exchanger = delegate.NewExchanger()
				}
				opts = append(opts, delegate.WithExchange(exchanger, dc.Exchange))
			}
			delegates = append(delegates, delegate.New(dc.Name, dc.URL, opts...))
		}
		hookOpts = append(hookOpts, propagate.WithDelegates(delegates...))
	}
	if len(cfg.Connectors) > 0 {
		connectors := make([]*connector.Connector, 0, len(cfg.Connectors))
		for _, cc := range cfg.Connectors {
			connectors = append(connectors, connector.New(cc, engine))
		}
		hookOpts = append(hookOpts, propagate.WithConnectors(connectors...))
	}
	hook := propagate.NewHook(registry, hookOpts...)

	if cfg.Store.SweepIntervalMinutes > 0 {
		if sweepable, ok := store.(credstore.Sweepable); ok {
			go credstore.RunSweeper(ctx, sweepable,
				time.Duration(cfg.Store.SweepIntervalMinutes)*time.Minute)
		}
	}

	server := api.NewServer(engine, res, registry, store, api.WithPropagator(hook))
	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           server.ResolveMiddleware(server.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Bootstrap", "Admin API listening on %s (validation mode: %s, store: %s)",
			cfg.Server.Listen, cfg.Resolver.ValidationMode, cfg.Store.Backend)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logging.Info("Bootstrap", "Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}
