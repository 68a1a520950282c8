// Package config loads the authrelay configuration: a YAML file with
// defaults, overridden by AUTHRELAY_* environment variables. The bearer
// validation mode is resolved once at startup into an injected validator
// strategy; nothing reads the environment after Load returns.
package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"authrelay/internal/connector"
	"authrelay/internal/delegate"
	"authrelay/internal/flow"
)

// Bearer validation modes. always-valid and always-invalid are test modes;
// decode extracts JWT claims without signature verification; verify checks
// signatures against the issuer's JWKS.
const (
	ModeAlwaysValid   = "always-valid"
	ModeAlwaysInvalid = "always-invalid"
	ModeDecode        = "decode"
	ModeVerify        = "verify"
)

// Credential store backends.
const (
	BackendMemory     = "memory"
	BackendFile       = "file"
	BackendKubernetes = "kubernetes"
)

// Config is the full authrelay configuration.
type Config struct {
	Server     ServerConfig          `yaml:"server"`
	Logging    LoggingConfig         `yaml:"logging"`
	Resolver   ResolverConfig        `yaml:"resolver"`
	Store      StoreConfig           `yaml:"store"`
	Handoff    HandoffConfig         `yaml:"handoff"`
	Providers  []flow.ProviderConfig `yaml:"providers"`
	Delegates  []DelegateConfig      `yaml:"delegates"`
	Connectors []connector.Config    `yaml:"connectors"`
}

// ServerConfig configures the admin API listener.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ResolverConfig configures the dual authentication resolver.
type ResolverConfig struct {
	// ValidationMode selects the bearer validation strategy.
	ValidationMode string `yaml:"validationMode"`

	// Issuer and Audience configure the verify mode.
	Issuer   string `yaml:"issuer,omitempty"`
	Audience string `yaml:"audience,omitempty"`
}

// StoreConfig configures the credential store backend.
type StoreConfig struct {
	Backend string `yaml:"backend"`

	// Dir and Encrypt apply to the file backend.
	Dir     string `yaml:"dir,omitempty"`
	Encrypt bool   `yaml:"encrypt,omitempty"`

	// Namespace applies to the kubernetes backend.
	Namespace string `yaml:"namespace,omitempty"`

	// SweepIntervalMinutes enables the periodic expiry sweep when > 0.
	SweepIntervalMinutes int `yaml:"sweepIntervalMinutes,omitempty"`
}

// HandoffConfig configures the handoff registry.
type HandoffConfig struct {
	// TTLMinutes is how long unconsumed entries survive (default 5).
	TTLMinutes int `yaml:"ttlMinutes,omitempty"`
}

// DelegateConfig describes one remote delegate.
type DelegateConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`

	// Exchange enables cross-realm token exchange for this delegate.
	Exchange *delegate.ExchangeConfig `yaml:"exchange,omitempty"`
}

// envOverrides are environment variables layered on top of the file.
type envOverrides struct {
	Listen         string `envconfig:"LISTEN"`
	LogLevel       string `envconfig:"LOG_LEVEL"`
	ValidationMode string `envconfig:"VALIDATION_MODE"`
	StoreBackend   string `envconfig:"STORE_BACKEND"`
	StoreDir       string `envconfig:"STORE_DIR"`
	Namespace      string `envconfig:"STORE_NAMESPACE"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Listen: "127.0.0.1:8090"},
		Logging:  LoggingConfig{Level: "info"},
		Resolver: ResolverConfig{ValidationMode: ModeDecode},
		Store:    StoreConfig{Backend: BackendMemory},
		Handoff:  HandoffConfig{TTLMinutes: 5},
	}
}

// Load reads the configuration file at path (missing file uses defaults),
// applies AUTHRELAY_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults + env only.
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	var env envOverrides
	if err := envconfig.Process("authrelay", &env); err != nil {
		return nil, fmt.Errorf("failed to process environment overrides: %w", err)
	}
	applyEnv(cfg, &env)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, env *envOverrides) {
	if env.Listen != "" {
		cfg.Server.Listen = env.Listen
	}
	if env.LogLevel != "" {
		cfg.Logging.Level = env.LogLevel
	}
	if env.ValidationMode != "" {
		cfg.Resolver.ValidationMode = env.ValidationMode
	}
	if env.StoreBackend != "" {
		cfg.Store.Backend = env.StoreBackend
	}
	if env.StoreDir != "" {
		cfg.Store.Dir = env.StoreDir
	}
	if env.Namespace != "" {
		cfg.Store.Namespace = env.Namespace
	}
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	switch c.Resolver.ValidationMode {
	case ModeAlwaysValid, ModeAlwaysInvalid, ModeDecode:
	case ModeVerify:
		if c.Resolver.Issuer == "" || c.Resolver.Audience == "" {
			return fmt.Errorf("validation mode %q requires resolver.issuer and resolver.audience", ModeVerify)
		}
	default:
		return fmt.Errorf("unknown validation mode %q", c.Resolver.ValidationMode)
	}

	switch c.Store.Backend {
	case BackendMemory, BackendFile:
	case BackendKubernetes:
		if c.Store.Namespace == "" {
			return fmt.Errorf("store backend %q requires store.namespace", BackendKubernetes)
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
		if p.Issuer == "" {
			return fmt.Errorf("provider %s: issuer is required", p.Name)
		}
		if p.ClientID == "" {
			return fmt.Errorf("provider %s: clientID is required", p.Name)
		}
		switch p.Flow {
		case flow.TypeDevice, flow.TypeClientCredentials:
		case flow.TypeAuthorizationCode:
			if p.RedirectURL == "" {
				return fmt.Errorf("provider %s: redirectURL is required for the authorization-code flow", p.Name)
			}
		default:
			return fmt.Errorf("provider %s: unknown flow type %q", p.Name, p.Flow)
		}
	}

	for _, d := range c.Delegates {
		if d.Name == "" || d.URL == "" {
			return fmt.Errorf("delegates require name and url")
		}
	}
	for _, conn := range c.Connectors {
		if conn.Name == "" || conn.URL == "" {
			return fmt.Errorf("connectors require name and url")
		}
		if conn.Provider == "" {
			return fmt.Errorf("connector %s: provider is required", conn.Name)
		}
		if !seen[conn.Provider] {
			return fmt.Errorf("connector %s references unknown provider %q", conn.Name, conn.Provider)
		}
	}

	return nil
}
