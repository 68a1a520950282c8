package cmd

import (
	"context"
	"fmt"
	"os"

	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"authrelay/internal/config"
	"authrelay/internal/credstore"
	"authrelay/internal/flow"
	"authrelay/internal/resolver"
	"authrelay/pkg/logging"
)

// loadConfig reads the configuration and initializes logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logging.Init(logging.ParseLevel(cfg.Logging.Level), os.Stderr)

	return cfg, nil
}

// buildStore constructs the configured credential store backend. The
// returned cleanup stops background resources and is safe to call once.
func buildStore(cfg *config.Config) (credstore.Store, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return credstore.NewMemoryStore(), func() {}, nil

	case config.BackendFile:
		store, err := credstore.NewFileStore(credstore.FileStoreConfig{
			Dir:     cfg.Store.Dir,
			Encrypt: cfg.Store.Encrypt,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := store.Watch(); err != nil {
			logging.Warn("Bootstrap", "File store watch unavailable: %v", err)
		}
		return store, func() { _ = store.Close() }, nil

	case config.BackendKubernetes:
		restConfig, err := ctrl.GetConfig()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load kubeconfig: %w", err)
		}
		k8sClient, err := client.New(restConfig, client.Options{})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create kubernetes client: %w", err)
		}
		return credstore.NewKubernetesStore(k8sClient, cfg.Store.Namespace), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// buildEngine constructs the flow engine over the configured providers.
func buildEngine(cfg *config.Config, store credstore.Store) *flow.Engine {
	return flow.NewEngine(cfg.Providers, store)
}

// buildValidator resolves the configured validation mode into a bearer
// validator strategy.
func buildValidator(ctx context.Context, cfg *config.Config) (resolver.BearerValidator, error) {
	switch cfg.Resolver.ValidationMode {
	case config.ModeAlwaysValid:
		logging.Warn("Bootstrap", "Bearer validation mode is always-valid; do not use in production")
		return resolver.AlwaysValid{}, nil
	case config.ModeAlwaysInvalid:
		logging.Warn("Bootstrap", "Bearer validation mode is always-invalid; all bearer tokens will be rejected")
		return resolver.AlwaysInvalid{}, nil
	case config.ModeDecode:
		return resolver.ClaimsDecoder{}, nil
	case config.ModeVerify:
		return resolver.NewOIDCVerifier(ctx, cfg.Resolver.Issuer, cfg.Resolver.Audience)
	default:
		return nil, fmt.Errorf("unknown validation mode %q", cfg.Resolver.ValidationMode)
	}
}
