// Package connector manages authenticated connections to external MCP tool
// servers. Each connector carries two tokens: a primary service token
// obtained via the client-credentials grant, refreshed ahead of expiry, and
// a passthrough copy of the caller's token, overwritten on every
// propagation.
package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"authrelay/internal/credstore"
	pkgoauth "authrelay/pkg/oauth"
	"authrelay/pkg/logging"
)

// PrimarySource obtains a service-level credential for a connector via the
// client-credentials grant. Satisfied by the flow engine.
type PrimarySource interface {
	ClientCredentials(ctx context.Context, userID, provider string) (*credstore.Credential, error)
}

// Config describes one external connector.
type Config struct {
	// Name identifies the connector ("github-tools", "jira", ...).
	Name string `yaml:"name"`

	// URL is the MCP server endpoint (streamable HTTP).
	URL string `yaml:"url"`

	// Provider is the identity provider used for the primary token's
	// client-credentials grant.
	Provider string `yaml:"provider"`

	// Scope requested when connecting.
	Scope string `yaml:"scope,omitempty"`

	// PrimaryHeader is the header carrying the primary token on requests
	// the connector makes. Defaults to Authorization with a Bearer prefix.
	PrimaryHeader string `yaml:"primaryHeader,omitempty"`

	// RefreshThresholdMinutes is how many minutes before expiry the primary
	// token is refreshed during propagation (default 15).
	RefreshThresholdMinutes int `yaml:"refreshThresholdMinutes,omitempty"`
}

// Connector is a named MCP tool server plus its token cache.
type Connector struct {
	name          string
	url           string
	provider      string
	scope         string
	primaryHeader string

	cache  *TokenCache
	source PrimarySource

	mu        sync.Mutex
	mcpClient *client.Client
}

// serviceUser namespaces connector credentials in the credential store so
// they never collide with end-user credentials.
func serviceUser(name string) string {
	return "connector:" + name
}

// New creates a connector from its configuration.
func New(cfg Config, source PrimarySource) *Connector {
	threshold := time.Duration(cfg.RefreshThresholdMinutes) * time.Minute
	primaryHeader := cfg.PrimaryHeader
	if primaryHeader == "" {
		primaryHeader = "Authorization"
	}
	return &Connector{
		name:          cfg.Name,
		url:           cfg.URL,
		provider:      cfg.Provider,
		scope:         cfg.Scope,
		primaryHeader: primaryHeader,
		cache:         NewTokenCache(threshold),
		source:        source,
	}
}

// Name returns the connector's configured name.
func (c *Connector) Name() string {
	return c.name
}

// Cache exposes the connector's token cache.
func (c *Connector) Cache() *TokenCache {
	return c.cache
}

// EnsurePrimary refreshes the primary token when it is missing or inside
// the refresh threshold. No-op otherwise.
func (c *Connector) EnsurePrimary(ctx context.Context, now time.Time) error {
	if !c.cache.NeedsRefresh(now) {
		return nil
	}

	cred, err := c.source.ClientCredentials(ctx, serviceUser(c.name), c.provider)
	if err != nil {
		return fmt.Errorf("failed to obtain primary token for connector %s: %w", c.name, err)
	}

	c.cache.SetPrimary(&pkgoauth.Token{
		AccessToken: cred.AccessToken,
		TokenType:   cred.TokenType,
		ExpiresAt:   cred.ExpiresAt,
		Scope:       cred.Scope,
	})

	logging.Info("Connector", "Refreshed primary token for connector=%s (expires: %v)",
		c.name, cred.ExpiresAt)
	return nil
}

// Headers returns the auth headers for an outbound connector request:
// the primary header plus the passthrough header when a caller token is
// cached.
func (c *Connector) Headers() map[string]string {
	headers := make(map[string]string, 2)
	if primary := c.cache.Primary(); primary != nil && primary.AccessToken != "" {
		value := primary.AccessToken
		if c.primaryHeader == "Authorization" {
			value = "Bearer " + value
		}
		headers[c.primaryHeader] = value
	}
	if passthrough := c.cache.Passthrough(); passthrough != "" {
		headers[PassthroughHeader] = passthrough
	}
	return headers
}

// Connect establishes the MCP session. The transport injects the primary
// token on every request and persists refreshed tokens back into the cache.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mcpClient != nil {
		return nil
	}

	opts := []transport.StreamableHTTPCOption{
		transport.WithHTTPOAuth(transport.OAuthConfig{
			TokenStore: &cacheTokenStore{cache: c.cache},
			Scopes:     []string{c.scope},
		}),
	}

	mcpClient, err := client.NewStreamableHttpClient(c.url, opts...)
	if err != nil {
		return fmt.Errorf("failed to create MCP client for connector %s: %w", c.name, err)
	}

	_, err = mcpClient.Initialize(ctx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: "2024-11-05",
			ClientInfo: mcp.Implementation{
				Name:    "authrelay",
				Version: "1.0.0",
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP session for connector %s: %w", c.name, err)
	}

	c.mcpClient = mcpClient
	logging.Info("Connector", "Connected to connector=%s url=%s", c.name, c.url)
	return nil
}

// ListTools returns the tools the connector exposes.
func (c *Connector) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	mcpClient, err := c.connected()
	if err != nil {
		return nil, err
	}
	result, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool invokes one tool on the connector.
func (c *Connector) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	mcpClient, err := c.connected()
	if err != nil {
		return nil, err
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return mcpClient.CallTool(ctx, req)
}

// Close shuts down the MCP session.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mcpClient == nil {
		return nil
	}
	err := c.mcpClient.Close()
	c.mcpClient = nil
	return err
}

func (c *Connector) connected() (*client.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mcpClient == nil {
		return nil, fmt.Errorf("connector %s is not connected", c.name)
	}
	return c.mcpClient, nil
}
