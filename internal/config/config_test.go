package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authrelay/internal/connector"
	"authrelay/internal/flow"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8090", cfg.Server.Listen)
	assert.Equal(t, ModeDecode, cfg.Resolver.ValidationMode)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, 5, cfg.Handoff.TTLMinutes)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ModeDecode, cfg.Resolver.ValidationMode)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: 0.0.0.0:9000
resolver:
  validationMode: always-valid
store:
  backend: file
  dir: /var/lib/authrelay
  encrypt: true
providers:
  - name: corp-dex
    issuer: https://dex.corp.example
    clientID: authrelay
    clientSecret: s3cret
    scope: openid email
    flow: device
connectors:
  - name: github-tools
    url: https://tools.corp.example/mcp
    provider: corp-dex
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	assert.Equal(t, ModeAlwaysValid, cfg.Resolver.ValidationMode)
	assert.Equal(t, BackendFile, cfg.Store.Backend)
	assert.True(t, cfg.Store.Encrypt)

	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, flow.TypeDevice, cfg.Providers[0].Flow)
	require.Len(t, cfg.Connectors, 1)
	assert.Equal(t, "corp-dex", cfg.Connectors[0].Provider)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
resolver:
  validationMode: decode
`)
	t.Setenv("AUTHRELAY_VALIDATION_MODE", "always-invalid")
	t.Setenv("AUTHRELAY_LISTEN", "127.0.0.1:7000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeAlwaysInvalid, cfg.Resolver.ValidationMode)
	assert.Equal(t, "127.0.0.1:7000", cfg.Server.Listen)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid defaults", func(c *Config) {}, ""},
		{"bad mode", func(c *Config) { c.Resolver.ValidationMode = "sometimes" }, "unknown validation mode"},
		{"verify without issuer", func(c *Config) { c.Resolver.ValidationMode = ModeVerify }, "requires resolver.issuer"},
		{"verify complete", func(c *Config) {
			c.Resolver.ValidationMode = ModeVerify
			c.Resolver.Issuer = "https://dex.corp.example"
			c.Resolver.Audience = "authrelay"
		}, ""},
		{"bad backend", func(c *Config) { c.Store.Backend = "redis" }, "unknown store backend"},
		{"kubernetes without namespace", func(c *Config) { c.Store.Backend = BackendKubernetes }, "requires store.namespace"},
		{"provider missing issuer", func(c *Config) {
			c.Providers = []flow.ProviderConfig{{Name: "p", ClientID: "c", Flow: flow.TypeDevice}}
		}, "issuer is required"},
		{"duplicate provider", func(c *Config) {
			c.Providers = []flow.ProviderConfig{
				{Name: "p", Issuer: "https://a", ClientID: "c", Flow: flow.TypeDevice},
				{Name: "p", Issuer: "https://b", ClientID: "c", Flow: flow.TypeDevice},
			}
		}, "duplicate provider"},
		{"authcode without redirect", func(c *Config) {
			c.Providers = []flow.ProviderConfig{{Name: "p", Issuer: "https://a", ClientID: "c", Flow: flow.TypeAuthorizationCode}}
		}, "redirectURL is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidate_ConnectorProviderReference(t *testing.T) {
	cfg := Default()
	cfg.Providers = []flow.ProviderConfig{{
		Name: "corp-dex", Issuer: "https://dex", ClientID: "c", Flow: flow.TypeClientCredentials,
	}}

	cfg.Connectors = []connector.Config{{Name: "tools", URL: "https://t/mcp", Provider: "corp-dex"}}
	assert.NoError(t, cfg.Validate())

	cfg.Connectors = []connector.Config{{Name: "tools", URL: "https://t/mcp", Provider: "missing"}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}
