package delegate

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/giantswarm/mcp-oauth/providers/oidc"

	"authrelay/pkg/logging"
)

// defaultExchangeScopes is requested when the exchange config names none.
const defaultExchangeScopes = "openid profile email groups"

// ExchangeConfig describes how to exchange the caller's token for one valid
// in a delegate's identity realm (RFC 8693).
type ExchangeConfig struct {
	// TokenEndpoint is the delegate realm's token endpoint. Must be HTTPS.
	TokenEndpoint string `yaml:"tokenEndpoint"`

	// ConnectorID selects the upstream connector at the delegate's IdP that
	// trusts our realm.
	ConnectorID string `yaml:"connectorID"`

	// Scopes to request for the exchanged token.
	Scopes string `yaml:"scopes,omitempty"`

	// ClientID and ClientSecret authenticate the exchange request itself
	// when the delegate realm requires a confidential client.
	ClientID     string `yaml:"clientID,omitempty"`
	ClientSecret string `yaml:"clientSecret,omitempty"`
}

// ExchangeRequest is one token exchange operation.
type ExchangeRequest struct {
	Config *ExchangeConfig

	// SubjectToken is the caller's token to exchange.
	SubjectToken string

	// UserID keys the exchange cache. Must come from the resolved auth
	// context, not raw request input.
	UserID string
}

// ExchangeResult is the outcome of a successful exchange.
type ExchangeResult struct {
	AccessToken     string
	IssuedTokenType string
	FromCache       bool
}

// Exchanger performs RFC 8693 token exchange against delegate realms,
// caching results by (endpoint, connector, user). Safe for concurrent use.
type Exchanger struct {
	client *oidc.TokenExchangeClient
	cache  *oidc.TokenExchangeCache
}

// ExchangerOptions configures an Exchanger.
type ExchangerOptions struct {
	// Logger for the underlying exchange client (nil uses the default).
	Logger *slog.Logger

	// AllowPrivateIP permits token endpoints on private addresses. Reduces
	// SSRF protection; internal deployments only.
	AllowPrivateIP bool

	// HTTPClient overrides the exchange HTTP client, e.g. for custom TLS.
	HTTPClient *http.Client

	// CacheMaxEntries bounds the exchange cache (0 = library default).
	CacheMaxEntries int
}

// NewExchanger creates an exchanger with default options.
func NewExchanger() *Exchanger {
	return NewExchangerWithOptions(ExchangerOptions{})
}

// NewExchangerWithOptions creates an exchanger with custom options.
func NewExchangerWithOptions(opts ExchangerOptions) *Exchanger {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := oidc.NewTokenExchangeClientWithOptions(oidc.TokenExchangeClientOptions{
		Logger:         logger,
		AllowPrivateIP: opts.AllowPrivateIP,
		HTTPClient:     opts.HTTPClient,
	})

	maxEntries := opts.CacheMaxEntries
	if maxEntries <= 0 {
		maxEntries = oidc.DefaultCacheMaxEntries
	}

	if opts.AllowPrivateIP {
		logging.Warn("Delegate", "Token exchanger created with AllowPrivateIP=true, SSRF protection is reduced")
	}

	return &Exchanger{
		client: client,
		cache:  oidc.NewTokenExchangeCacheWithMaxEntries(maxEntries),
	}
}

func validateExchangeRequest(req *ExchangeRequest) error {
	if req == nil {
		return fmt.Errorf("exchange request is nil")
	}
	if req.Config == nil {
		return fmt.Errorf("exchange config is nil")
	}
	if req.SubjectToken == "" {
		return fmt.Errorf("subject token is required")
	}
	if req.Config.TokenEndpoint == "" {
		return fmt.Errorf("token endpoint is required")
	}
	// Tokens must never travel over plaintext connections.
	if !strings.HasPrefix(req.Config.TokenEndpoint, "https://") {
		return fmt.Errorf("token endpoint must use HTTPS (got: %s)", req.Config.TokenEndpoint)
	}
	if req.Config.ConnectorID == "" {
		return fmt.Errorf("connector ID is required")
	}
	if req.UserID == "" {
		return fmt.Errorf("user ID is required for cache key generation")
	}
	return nil
}

// Exchange exchanges the caller's token for one valid at the delegate realm.
// Results are cached until the exchanged token's expiry.
func (e *Exchanger) Exchange(ctx context.Context, req *ExchangeRequest) (*ExchangeResult, error) {
	if err := validateExchangeRequest(req); err != nil {
		return nil, err
	}

	scopes := req.Config.Scopes
	if scopes == "" {
		scopes = defaultExchangeScopes
	}

	cacheKey := oidc.GenerateCacheKey(req.Config.TokenEndpoint, req.Config.ConnectorID, req.UserID)
	if cached := e.cache.Get(cacheKey); cached != nil {
		logging.Debug("Delegate", "Exchange cache hit for user=%s endpoint=%s",
			logging.TruncateID(req.UserID), req.Config.TokenEndpoint)
		return &ExchangeResult{
			AccessToken:     cached.AccessToken,
			IssuedTokenType: cached.IssuedTokenType,
			FromCache:       true,
		}, nil
	}

	logging.Debug("Delegate", "Exchanging token for user=%s endpoint=%s connector=%s",
		logging.TruncateID(req.UserID), req.Config.TokenEndpoint, req.Config.ConnectorID)

	resp, err := e.client.Exchange(ctx, oidc.TokenExchangeRequest{
		TokenEndpoint:      req.Config.TokenEndpoint,
		SubjectToken:       req.SubjectToken,
		SubjectTokenType:   oidc.TokenTypeAccessToken,
		ConnectorID:        req.Config.ConnectorID,
		Scope:              scopes,
		RequestedTokenType: oidc.TokenTypeAccessToken,
		ClientID:           req.Config.ClientID,
		ClientSecret:       req.Config.ClientSecret,
	})
	if err != nil {
		logging.Warn("Delegate", "Token exchange failed for user=%s endpoint=%s: %v",
			logging.TruncateID(req.UserID), req.Config.TokenEndpoint, err)
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}

	if resp.ExpiresIn > 0 {
		e.cache.Set(cacheKey, resp.AccessToken, resp.IssuedTokenType, resp.ExpiresIn)
	}

	logging.Info("Delegate", "Exchanged token for user=%s endpoint=%s",
		logging.TruncateID(req.UserID), req.Config.TokenEndpoint)

	return &ExchangeResult{
		AccessToken:     resp.AccessToken,
		IssuedTokenType: resp.IssuedTokenType,
		FromCache:       false,
	}, nil
}
