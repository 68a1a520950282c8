package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"authrelay/internal/credstore"
	"authrelay/pkg/logging"
	pkgoauth "authrelay/pkg/oauth"
)

// Type selects which OAuth grant a provider uses.
type Type string

const (
	// TypeDevice is the RFC 8628 device authorization grant.
	TypeDevice Type = "device"

	// TypeAuthorizationCode is the authorization-code grant with PKCE.
	TypeAuthorizationCode Type = "authorization_code"

	// TypeClientCredentials is the client-credentials grant, authenticating
	// the calling service itself rather than an end user.
	TypeClientCredentials Type = "client_credentials"
)

// FlowStatus is the caller-visible state of a flow.
type FlowStatus string

const (
	// StatusPending means the flow is waiting on the user; the session is
	// retained and the caller may poll again after the interval.
	StatusPending FlowStatus = "pending"

	// StatusCompleted means tokens were obtained and stored.
	StatusCompleted FlowStatus = "completed"

	// StatusFailed means the provider terminally rejected the flow; the
	// session is deleted and the caller must not retry.
	StatusFailed FlowStatus = "failed"
)

// grantDeviceCode is the RFC 8628 grant type URN.
const grantDeviceCode = "urn:ietf:params:oauth:grant-type:device_code"

// defaultDeviceInterval is the poll interval when the provider omits one.
const defaultDeviceInterval = 5

// ProviderConfig describes one configured identity provider.
type ProviderConfig struct {
	// Name is the provider key used by callers ("google", "corp-dex", ...).
	Name string `yaml:"name"`

	// Issuer is the provider's issuer URL, used for metadata discovery.
	Issuer string `yaml:"issuer"`

	// ClientID is the OAuth client identifier.
	ClientID string `yaml:"clientID"`

	// ClientSecret is the client secret (confidential clients only).
	ClientSecret string `yaml:"clientSecret,omitempty"`

	// Scope is the space-separated scopes to request.
	Scope string `yaml:"scope,omitempty"`

	// RedirectURL is the callback URL for the authorization-code flow.
	RedirectURL string `yaml:"redirectURL,omitempty"`

	// Flow selects the grant to run for this provider.
	Flow Type `yaml:"flow"`
}

// Initiation is the result of starting a flow. Which fields are populated
// depends on the provider's flow type.
type Initiation struct {
	// SessionID identifies the pending session for Complete calls.
	// Empty for client-credentials flows, which complete synchronously.
	SessionID string `json:"session_id,omitempty"`

	// Status is pending for device/auth-code flows, completed for
	// client-credentials.
	Status FlowStatus `json:"status"`

	// VerificationURL is where the user authorizes the device (device flow).
	VerificationURL string `json:"verification_url,omitempty"`

	// UserCode is the code the user enters at the verification URL.
	UserCode string `json:"user_code,omitempty"`

	// AuthorizationURL is the provider consent URL (authorization-code flow).
	AuthorizationURL string `json:"authorization_url,omitempty"`

	// State is the CSRF state bound to the authorization URL.
	State string `json:"state,omitempty"`

	// ExpiresIn is the session lifetime in seconds.
	ExpiresIn int `json:"expires_in,omitempty"`

	// Interval is the minimum seconds between Complete polls (device flow).
	Interval int `json:"interval,omitempty"`
}

// Completion is the result of a Complete call.
type Completion struct {
	// Status is the flow state after this step.
	Status FlowStatus `json:"status"`

	// Interval is the caller's backoff hint in seconds (device flow,
	// pending only). Raised after slow_down responses.
	Interval int `json:"interval,omitempty"`

	// Err carries the provider's rejection when Status is failed.
	Err *FlowError `json:"error,omitempty"`
}

// Engine runs OAuth flows against configured identity providers and writes
// the resulting credentials into the credential store.
type Engine struct {
	providers  map[string]ProviderConfig
	creds      credstore.Store
	sessions   *SessionStore
	disco      *discoverer
	httpClient *http.Client
}

// Option configures the Engine.
type Option func(*Engine)

// WithHTTPClient overrides the HTTP client used for provider requests.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		e.httpClient = c
	}
}

// NewEngine creates a flow engine for the given providers.
func NewEngine(providers []ProviderConfig, creds credstore.Store, opts ...Option) *Engine {
	e := &Engine{
		providers:  make(map[string]ProviderConfig, len(providers)),
		creds:      creds,
		sessions:   NewSessionStore(),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, p := range providers {
		e.providers[p.Name] = p
	}
	for _, opt := range opts {
		opt(e)
	}
	e.disco = newDiscoverer(e.httpClient)
	return e
}

// Stop releases background resources.
func (e *Engine) Stop() {
	e.sessions.Stop()
}

// Provider returns the configuration for a provider name.
func (e *Engine) Provider(name string) (ProviderConfig, bool) {
	p, ok := e.providers[name]
	return p, ok
}

// Initiate starts the configured flow for (userID, provider).
func (e *Engine) Initiate(ctx context.Context, userID, provider string) (*Initiation, error) {
	cfg, ok := e.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	switch cfg.Flow {
	case TypeDevice:
		return e.initiateDevice(ctx, userID, cfg)
	case TypeAuthorizationCode:
		return e.initiateAuthCode(ctx, userID, cfg)
	case TypeClientCredentials:
		return e.initiateClientCredentials(ctx, userID, cfg)
	default:
		return nil, fmt.Errorf("provider %s has unsupported flow type %q", provider, cfg.Flow)
	}
}

// deviceAuthResponse is the provider's RFC 8628 device authorization response.
type deviceAuthResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval,omitempty"`
}

func (e *Engine) initiateDevice(ctx context.Context, userID string, cfg ProviderConfig) (*Initiation, error) {
	metadata, err := e.disco.Metadata(ctx, cfg.Issuer)
	if err != nil {
		return nil, err
	}
	if !metadata.SupportsDeviceFlow() {
		return nil, fmt.Errorf("provider %s does not advertise a device authorization endpoint", cfg.Name)
	}

	form := url.Values{}
	form.Set("client_id", cfg.ClientID)
	if cfg.Scope != "" {
		form.Set("scope", cfg.Scope)
	}

	body, flowErr, err := e.postForm(ctx, metadata.DeviceAuthorizationEndpoint, form)
	if err != nil {
		return nil, err
	}
	if flowErr != nil {
		return nil, flowErr
	}

	var deviceResp deviceAuthResponse
	if err := json.Unmarshal(body, &deviceResp); err != nil {
		return nil, fmt.Errorf("failed to parse device authorization response: %w", err)
	}
	if deviceResp.Interval <= 0 {
		deviceResp.Interval = defaultDeviceInterval
	}

	session := e.sessions.Create(&Session{
		UserID:     userID,
		Provider:   cfg.Name,
		Flow:       TypeDevice,
		DeviceCode: deviceResp.DeviceCode,
		Interval:   deviceResp.Interval,
		ExpiresAt:  time.Now().Add(time.Duration(deviceResp.ExpiresIn) * time.Second),
	})

	logging.Info("Flow", "Initiated device flow for user=%s provider=%s (expires_in=%d)",
		logging.TruncateID(userID), cfg.Name, deviceResp.ExpiresIn)

	verificationURL := deviceResp.VerificationURIComplete
	if verificationURL == "" {
		verificationURL = deviceResp.VerificationURI
	}

	return &Initiation{
		SessionID:       session.ID,
		Status:          StatusPending,
		VerificationURL: verificationURL,
		UserCode:        deviceResp.UserCode,
		ExpiresIn:       deviceResp.ExpiresIn,
		Interval:        deviceResp.Interval,
	}, nil
}

func (e *Engine) initiateAuthCode(ctx context.Context, userID string, cfg ProviderConfig) (*Initiation, error) {
	metadata, err := e.disco.Metadata(ctx, cfg.Issuer)
	if err != nil {
		return nil, err
	}

	pkce, err := pkgoauth.GeneratePKCE()
	if err != nil {
		return nil, err
	}

	state := uuid.NewString()

	authURL, err := url.Parse(metadata.AuthorizationEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid authorization endpoint: %w", err)
	}

	query := authURL.Query()
	query.Set("response_type", "code")
	query.Set("client_id", cfg.ClientID)
	query.Set("redirect_uri", cfg.RedirectURL)
	query.Set("state", state)
	query.Set("code_challenge", pkce.CodeChallenge)
	query.Set("code_challenge_method", pkce.CodeChallengeMethod)
	if cfg.Scope != "" {
		query.Set("scope", cfg.Scope)
	}
	authURL.RawQuery = query.Encode()

	session := e.sessions.Create(&Session{
		UserID:       userID,
		Provider:     cfg.Name,
		Flow:         TypeAuthorizationCode,
		State:        state,
		CodeVerifier: pkce.CodeVerifier,
		ExpiresAt:    time.Now().Add(authCodeSessionTTL),
	})

	logging.Info("Flow", "Initiated authorization-code flow for user=%s provider=%s",
		logging.TruncateID(userID), cfg.Name)

	return &Initiation{
		SessionID:        session.ID,
		Status:           StatusPending,
		AuthorizationURL: authURL.String(),
		State:            state,
		ExpiresIn:        int(authCodeSessionTTL.Seconds()),
	}, nil
}

// authCodeSessionTTL bounds how long an authorization-code session may wait
// for the user to return from the consent screen.
const authCodeSessionTTL = 10 * time.Minute

func (e *Engine) initiateClientCredentials(ctx context.Context, userID string, cfg ProviderConfig) (*Initiation, error) {
	if _, err := e.ClientCredentials(ctx, userID, cfg.Name); err != nil {
		return nil, err
	}
	return &Initiation{Status: StatusCompleted}, nil
}

// ClientCredentials runs the client-credentials grant for a provider and
// stores the resulting credential under (userID, provider). Also used by the
// connector cache to obtain and refresh service-level tokens.
func (e *Engine) ClientCredentials(ctx context.Context, userID, provider string) (*credstore.Credential, error) {
	cfg, ok := e.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	metadata, err := e.disco.Metadata(ctx, cfg.Issuer)
	if err != nil {
		return nil, err
	}

	ccConfig := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     metadata.TokenEndpoint,
		Scopes:       strings.Fields(cfg.Scope),
	}

	tokenCtx := context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	token, err := ccConfig.Token(tokenCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: client-credentials grant failed: %v", ErrProviderUnavailable, err)
	}

	cred := &credstore.Credential{
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		ExpiresAt:   token.Expiry,
		Scope:       cfg.Scope,
		UserID:      userID,
		Provider:    provider,
	}
	if err := e.creds.Store(ctx, userID, provider, cred); err != nil {
		return nil, err
	}

	logging.Info("Flow", "Completed client-credentials flow for user=%s provider=%s",
		logging.TruncateID(userID), provider)

	return cred, nil
}

// Complete advances a pending flow session. For device flows this performs
// exactly one poll of the token endpoint; callers are expected to respect
// the returned interval between calls. For authorization-code flows the
// authorizationCode obtained from the callback must be supplied.
func (e *Engine) Complete(ctx context.Context, sessionID, authorizationCode string) (*Completion, error) {
	session := e.sessions.Get(sessionID)
	if session == nil {
		return nil, ErrSessionNotFound
	}
	if session.Expired(time.Now()) {
		e.sessions.Delete(sessionID)
		return nil, ErrSessionExpired
	}

	cfg, ok := e.providers[session.Provider]
	if !ok {
		e.sessions.Delete(sessionID)
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, session.Provider)
	}

	switch session.Flow {
	case TypeDevice:
		return e.completeDevice(ctx, session, cfg)
	case TypeAuthorizationCode:
		return e.completeAuthCode(ctx, session, cfg, authorizationCode)
	default:
		return nil, fmt.Errorf("session %s has unsupported flow type %q", sessionID, session.Flow)
	}
}

func (e *Engine) completeDevice(ctx context.Context, session *Session, cfg ProviderConfig) (*Completion, error) {
	metadata, err := e.disco.Metadata(ctx, cfg.Issuer)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", grantDeviceCode)
	form.Set("device_code", session.DeviceCode)
	form.Set("client_id", cfg.ClientID)
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}

	body, flowErr, err := e.postForm(ctx, metadata.TokenEndpoint, form)
	if err != nil {
		return nil, err
	}

	if flowErr != nil {
		switch flowErr.Code {
		case errAuthorizationPending:
			return &Completion{Status: StatusPending, Interval: session.Interval}, nil
		case errSlowDown:
			interval := e.sessions.BumpInterval(session.ID)
			return &Completion{Status: StatusPending, Interval: interval}, nil
		case errAccessDenied, errExpiredToken:
			e.sessions.Delete(session.ID)
			logging.Info("Flow", "Device flow terminally failed for user=%s provider=%s: %s",
				logging.TruncateID(session.UserID), session.Provider, flowErr.Code)
			return &Completion{Status: StatusFailed, Err: flowErr}, nil
		default:
			// Unrecognized provider error codes are treated as terminal.
			e.sessions.Delete(session.ID)
			return &Completion{Status: StatusFailed, Err: flowErr}, nil
		}
	}

	cred, err := e.storeTokenResponse(ctx, session.UserID, session.Provider, body)
	if err != nil {
		return nil, err
	}
	e.sessions.Delete(session.ID)

	logging.Info("Flow", "Completed device flow for user=%s provider=%s (expires: %v)",
		logging.TruncateID(session.UserID), session.Provider, cred.ExpiresAt)

	return &Completion{Status: StatusCompleted}, nil
}

func (e *Engine) completeAuthCode(ctx context.Context, session *Session, cfg ProviderConfig, code string) (*Completion, error) {
	if code == "" {
		return nil, fmt.Errorf("authorization code is required to complete an authorization-code flow")
	}

	metadata, err := e.disco.Metadata(ctx, cfg.Issuer)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", cfg.RedirectURL)
	form.Set("client_id", cfg.ClientID)
	form.Set("code_verifier", session.CodeVerifier)
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}

	body, flowErr, err := e.postForm(ctx, metadata.TokenEndpoint, form)
	if err != nil {
		return nil, err
	}
	if flowErr != nil {
		e.sessions.Delete(session.ID)
		return &Completion{Status: StatusFailed, Err: flowErr}, nil
	}

	cred, err := e.storeTokenResponse(ctx, session.UserID, session.Provider, body)
	if err != nil {
		return nil, err
	}
	e.sessions.Delete(session.ID)

	logging.Info("Flow", "Completed authorization-code flow for user=%s provider=%s (expires: %v)",
		logging.TruncateID(session.UserID), session.Provider, cred.ExpiresAt)

	return &Completion{Status: StatusCompleted}, nil
}

// Refresh re-exchanges the stored refresh token for (userID, provider) and
// overwrites the stored credential. The previous refresh token is preserved
// when the provider omits one from the refresh response.
func (e *Engine) Refresh(ctx context.Context, userID, provider string) (*credstore.Credential, error) {
	cfg, ok := e.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	current, err := e.creds.Get(ctx, userID, provider)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("no credential to refresh for user=%s provider=%s",
			logging.TruncateID(userID), provider)
	}
	if !current.Refreshable() {
		return nil, fmt.Errorf("credential for user=%s provider=%s has no refresh token",
			logging.TruncateID(userID), provider)
	}

	metadata, err := e.disco.Metadata(ctx, cfg.Issuer)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", current.RefreshToken)
	form.Set("client_id", cfg.ClientID)
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}

	body, flowErr, err := e.postForm(ctx, metadata.TokenEndpoint, form)
	if err != nil {
		return nil, err
	}
	if flowErr != nil {
		return nil, flowErr
	}

	cred, err := e.buildCredential(userID, provider, body)
	if err != nil {
		return nil, err
	}
	if cred.RefreshToken == "" {
		cred.RefreshToken = current.RefreshToken
	}
	if err := e.creds.Store(ctx, userID, provider, cred); err != nil {
		return nil, err
	}

	logging.Audit(logging.AuditEvent{
		Action:   "credential_refresh",
		Outcome:  "success",
		UserID:   userID,
		Provider: provider,
	})

	return cred, nil
}

// Revoke deletes the stored credential and any pending session for
// (userID, provider).
func (e *Engine) Revoke(ctx context.Context, userID, provider string) error {
	e.sessions.DeleteByUser(userID, provider)
	return e.creds.Delete(ctx, userID, provider)
}

// UserInfo fetches identity claims from the provider's userinfo endpoint
// using the given access token. Returns string-valued claims only.
func (e *Engine) UserInfo(ctx context.Context, provider, accessToken string) (map[string]string, error) {
	cfg, ok := e.providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	metadata, err := e.disco.Metadata(ctx, cfg.Issuer)
	if err != nil {
		return nil, err
	}
	if metadata.UserinfoEndpoint == "" {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadata.UserinfoEndpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request failed with status %d", resp.StatusCode)
	}

	var raw map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse userinfo response: %w", err)
	}

	claims := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			claims[k] = s
		}
	}
	return claims, nil
}

// tokenResponse is a successful provider token endpoint response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// storeTokenResponse parses a token response and writes the credential.
func (e *Engine) storeTokenResponse(ctx context.Context, userID, provider string, body []byte) (*credstore.Credential, error) {
	cred, err := e.buildCredential(userID, provider, body)
	if err != nil {
		return nil, err
	}
	if err := e.creds.Store(ctx, userID, provider, cred); err != nil {
		return nil, err
	}
	return cred, nil
}

func (e *Engine) buildCredential(userID, provider string, body []byte) (*credstore.Credential, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	cred := &credstore.Credential{
		AccessToken:  tr.AccessToken,
		TokenType:    tr.TokenType,
		RefreshToken: tr.RefreshToken,
		Scope:        tr.Scope,
		UserID:       userID,
		Provider:     provider,
	}
	if tr.ExpiresIn > 0 {
		cred.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	if tr.IDToken != "" {
		cred.Extra = map[string]string{"id_token": tr.IDToken}
	}
	return cred, nil
}

// tokenErrorResponse is a provider error response per RFC 6749 §5.2.
type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// postForm posts a form-encoded request to a provider endpoint.
// Returns the raw body on HTTP 200, a FlowError on a 4xx OAuth error, and an
// error (wrapping ErrProviderUnavailable) on network failures and 5xx.
func (e *Engine) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, *FlowError, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read provider response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil, nil
	case resp.StatusCode >= 500:
		// Body intentionally not included in the error; it may contain hints.
		logging.Debug("Flow", "Provider server error: status=%d body=%s", resp.StatusCode, string(body))
		return nil, nil, fmt.Errorf("%w: provider returned status %d", ErrProviderUnavailable, resp.StatusCode)
	default:
		var tokenErr tokenErrorResponse
		if err := json.Unmarshal(body, &tokenErr); err != nil || tokenErr.Error == "" {
			logging.Debug("Flow", "Unparseable provider error: status=%d body=%s", resp.StatusCode, string(body))
			return nil, nil, fmt.Errorf("provider request failed with status %d", resp.StatusCode)
		}
		return nil, &FlowError{
			Code:        tokenErr.Error,
			Description: tokenErr.ErrorDescription,
			StatusCode:  resp.StatusCode,
		}, nil
	}
}
