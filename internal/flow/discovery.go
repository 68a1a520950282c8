package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"authrelay/pkg/logging"
	pkgoauth "authrelay/pkg/oauth"
)

// metadataCacheTTL is the time-to-live for cached provider metadata.
// After this duration, metadata is re-fetched from the issuer. A 30-minute
// TTL balances caching efficiency with timely endpoint rotation updates.
const metadataCacheTTL = 30 * time.Minute

type metadataCacheEntry struct {
	metadata  *pkgoauth.Metadata
	fetchedAt time.Time
}

// discoverer fetches and caches OAuth 2.0 authorization server metadata
// (RFC 8414) per issuer, with an OpenID Connect discovery fallback.
// Concurrent fetches for the same issuer are deduplicated via singleflight.
type discoverer struct {
	httpClient *http.Client

	mu    sync.RWMutex
	cache map[string]*metadataCacheEntry
	group singleflight.Group
}

func newDiscoverer(httpClient *http.Client) *discoverer {
	return &discoverer{
		httpClient: httpClient,
		cache:      make(map[string]*metadataCacheEntry),
	}
}

// Metadata returns the authorization server metadata for an issuer.
func (d *discoverer) Metadata(ctx context.Context, issuer string) (*pkgoauth.Metadata, error) {
	d.mu.RLock()
	if entry, ok := d.cache[issuer]; ok {
		if time.Since(entry.fetchedAt) < metadataCacheTTL {
			d.mu.RUnlock()
			return entry.metadata, nil
		}
		logging.Debug("Flow", "Metadata cache expired for issuer=%s, refreshing", issuer)
	}
	d.mu.RUnlock()

	result, err, _ := d.group.Do(issuer, func() (interface{}, error) {
		// Double-check after acquiring the singleflight slot.
		d.mu.RLock()
		if entry, ok := d.cache[issuer]; ok {
			if time.Since(entry.fetchedAt) < metadataCacheTTL {
				d.mu.RUnlock()
				return entry.metadata, nil
			}
		}
		d.mu.RUnlock()

		return d.fetch(ctx, issuer)
	})
	if err != nil {
		return nil, err
	}
	return result.(*pkgoauth.Metadata), nil
}

func (d *discoverer) fetch(ctx context.Context, issuer string) (*pkgoauth.Metadata, error) {
	base := strings.TrimSuffix(issuer, "/")

	resp, err := d.get(ctx, base+"/.well-known/oauth-authorization-server")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		// Fall back to OpenID Connect discovery.
		resp, err = d.get(ctx, base+"/.well-known/openid-configuration")
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: metadata discovery returned status %d", ErrProviderUnavailable, resp.StatusCode)
		}
	}
	defer resp.Body.Close()

	var metadata pkgoauth.Metadata
	if err := json.NewDecoder(resp.Body).Decode(&metadata); err != nil {
		return nil, fmt.Errorf("failed to parse provider metadata: %w", err)
	}

	d.mu.Lock()
	d.cache[issuer] = &metadataCacheEntry{
		metadata:  &metadata,
		fetchedAt: time.Now(),
	}
	d.mu.Unlock()

	logging.Debug("Flow", "Fetched provider metadata for issuer=%s (token=%s, device=%s)",
		issuer, metadata.TokenEndpoint, metadata.DeviceAuthorizationEndpoint)

	return &metadata, nil
}

func (d *discoverer) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return resp, nil
}
