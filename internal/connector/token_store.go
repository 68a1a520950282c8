package connector

import (
	"context"

	"github.com/mark3labs/mcp-go/client/transport"

	pkgoauth "authrelay/pkg/oauth"
)

// cacheTokenStore binds a connector's TokenCache to mcp-go's
// transport.TokenStore interface. It has no storage of its own: GetToken
// reads the cached primary token and SaveToken writes back whatever the
// transport obtained after a refresh.
type cacheTokenStore struct {
	cache *TokenCache
}

func (s *cacheTokenStore) GetToken(ctx context.Context) (*transport.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	primary := s.cache.Primary()
	if primary == nil || primary.AccessToken == "" {
		return nil, transport.ErrNoToken
	}

	return &transport.Token{
		AccessToken:  primary.AccessToken,
		TokenType:    primary.TokenType,
		RefreshToken: primary.RefreshToken,
		ExpiresAt:    primary.ExpiresAt,
	}, nil
}

func (s *cacheTokenStore) SaveToken(ctx context.Context, token *transport.Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if token == nil {
		return nil
	}

	s.cache.SetPrimary(&pkgoauth.Token{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.ExpiresAt,
	})
	return nil
}

var _ transport.TokenStore = (*cacheTokenStore)(nil)
