package oauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWWWAuthenticate(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		expected *AuthChallenge
	}{
		{
			name:   "full bearer challenge",
			header: `Bearer realm="https://auth.example.com", scope="openid profile", error="invalid_token", error_description="token expired"`,
			expected: &AuthChallenge{
				Scheme:           "Bearer",
				Realm:            "https://auth.example.com",
				Scope:            "openid profile",
				Error:            "invalid_token",
				ErrorDescription: "token expired",
			},
		},
		{
			name:     "scheme only",
			header:   "Bearer",
			expected: &AuthChallenge{Scheme: "Bearer"},
		},
		{
			name:     "empty header",
			header:   "",
			expected: nil,
		},
		{
			name:   "basic scheme is not oauth",
			header: `Basic realm="files"`,
			expected: &AuthChallenge{
				Scheme: "Basic",
				Realm:  "files",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseWWWAuthenticate(tt.header)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestIsOAuthChallenge(t *testing.T) {
	bearer := ParseWWWAuthenticate(`Bearer realm="https://auth.example.com"`)
	require.NotNil(t, bearer)
	assert.True(t, bearer.IsOAuthChallenge())

	basic := ParseWWWAuthenticate(`Basic realm="files"`)
	require.NotNil(t, basic)
	assert.False(t, basic.IsOAuthChallenge())

	var nilChallenge *AuthChallenge
	assert.False(t, nilChallenge.IsOAuthChallenge())
}

func TestBuildWWWAuthenticate(t *testing.T) {
	header := BuildWWWAuthenticate("https://auth.example.com", "invalid_token", "token expired")
	assert.Equal(t, `Bearer realm="https://auth.example.com", error="invalid_token", error_description="token expired"`, header)

	// Build then parse round-trips
	challenge := ParseWWWAuthenticate(header)
	require.NotNil(t, challenge)
	assert.Equal(t, "https://auth.example.com", challenge.Realm)
	assert.Equal(t, "invalid_token", challenge.Error)

	minimal := BuildWWWAuthenticate("authrelay", "", "")
	assert.Equal(t, `Bearer realm="authrelay"`, minimal)
}

func TestGeneratePKCE(t *testing.T) {
	challenge, err := GeneratePKCE()
	require.NoError(t, err)

	assert.Equal(t, "S256", challenge.CodeChallengeMethod)
	assert.NotEmpty(t, challenge.CodeVerifier)
	assert.NotEmpty(t, challenge.CodeChallenge)
	assert.NotEqual(t, challenge.CodeVerifier, challenge.CodeChallenge)

	// Two generations must not collide
	second, err := GeneratePKCE()
	require.NoError(t, err)
	assert.NotEqual(t, challenge.CodeVerifier, second.CodeVerifier)
}
