package oauth

import (
	"fmt"
	"regexp"
	"strings"
)

// AuthChallenge represents parsed information from a WWW-Authenticate header.
type AuthChallenge struct {
	// Scheme is the authentication scheme (typically "Bearer" for OAuth 2.0).
	Scheme string

	// Realm is the protection realm (often the authorization server URL).
	Realm string

	// Scope is the space-separated list of required OAuth scopes.
	Scope string

	// Error is the error code from the WWW-Authenticate header (if any).
	Error string

	// ErrorDescription is a human-readable error description (if any).
	ErrorDescription string
}

var paramRegex = regexp.MustCompile(`(\w+)="([^"]*)"`)

// ParseWWWAuthenticate parses a WWW-Authenticate header value.
// It supports the Bearer scheme with OAuth 2.0 parameters, for example:
//
//	Bearer realm="https://auth.example.com", scope="openid profile"
func ParseWWWAuthenticate(header string) *AuthChallenge {
	if header == "" {
		return nil
	}

	challenge := &AuthChallenge{}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 0 {
		return nil
	}
	challenge.Scheme = strings.TrimSpace(parts[0])

	if len(parts) == 1 {
		return challenge
	}

	for _, match := range paramRegex.FindAllStringSubmatch(parts[1], -1) {
		if len(match) != 3 {
			continue
		}
		switch strings.ToLower(match[1]) {
		case "realm":
			challenge.Realm = match[2]
		case "scope":
			challenge.Scope = match[2]
		case "error":
			challenge.Error = match[2]
		case "error_description":
			challenge.ErrorDescription = match[2]
		}
	}

	return challenge
}

// IsOAuthChallenge checks if the challenge represents an OAuth Bearer
// authentication challenge (as opposed to other auth types).
func (c *AuthChallenge) IsOAuthChallenge() bool {
	if c == nil {
		return false
	}
	return strings.EqualFold(c.Scheme, "Bearer") && c.Realm != ""
}

// BuildWWWAuthenticate builds a WWW-Authenticate header value for a 401
// response. The error code and description are optional.
func BuildWWWAuthenticate(realm, errorCode, errorDescription string) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf(`Bearer realm=%q`, realm))
	if errorCode != "" {
		b.WriteString(fmt.Sprintf(`, error=%q`, errorCode))
	}
	if errorDescription != "" {
		b.WriteString(fmt.Sprintf(`, error_description=%q`, errorDescription))
	}
	return b.String()
}
