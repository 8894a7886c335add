package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dmarkov/itemgw/internal/observability"
)

// KeySource resolves token signing keys. Implementations return an
// *rsa.PublicKey for RSA algorithms or a []byte secret for HMAC.
type KeySource interface {
	// Key returns the verification key for the given key ID and algorithm.
	Key(ctx context.Context, kid, alg string) (any, error)
}

// JSONWebKeySet represents a JSON Web Key Set.
type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

// JSONWebKey represents a single JSON Web Key.
type JSONWebKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
	Use string `json:"use,omitempty"`

	// RSA public key components.
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	// Symmetric key.
	K string `json:"k,omitempty"`
}

// ToRSAPublicKey converts the key to an RSA public key.
func (jwk *JSONWebKey) ToRSAPublicKey() (*rsa.PublicKey, error) {
	if jwk.Kty != "RSA" {
		return nil, fmt.Errorf("key type is not RSA: %s", jwk.Kty)
	}

	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	n := new(big.Int).SetBytes(nBytes)

	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 + int(b)
	}

	return &rsa.PublicKey{N: n, E: e}, nil
}

// ParseJWKS parses a JWKS document.
func ParseJWKS(data []byte) (*JSONWebKeySet, error) {
	var jwks JSONWebKeySet
	if err := json.Unmarshal(data, &jwks); err != nil {
		return nil, fmt.Errorf("failed to parse JWKS: %w", err)
	}
	return &jwks, nil
}

// findKey locates a key by ID within a set. An empty kid matches the first
// key, for single-key sets.
func findKey(jwks *JSONWebKeySet, kid string) (*JSONWebKey, error) {
	if jwks == nil || len(jwks.Keys) == 0 {
		return nil, NewValidationError("no keys available", ErrKeyNotFound)
	}

	for i := range jwks.Keys {
		if jwks.Keys[i].Kid == kid {
			return &jwks.Keys[i], nil
		}
	}

	if kid == "" {
		return &jwks.Keys[0], nil
	}

	return nil, NewValidationError(fmt.Sprintf("key with kid %q not found", kid), ErrKeyNotFound)
}

// JWKSCache caches a JWKS fetched from a remote discovery endpoint. Keys are
// re-fetched after the TTL expires; when a refresh fails, previously cached
// keys continue to be served.
type JWKSCache struct {
	url        string
	ttl        time.Duration
	httpClient *http.Client
	logger     observability.Logger

	mu        sync.RWMutex
	keys      *JSONWebKeySet
	lastFetch time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// JWKSOption is a functional option for the JWKS cache.
type JWKSOption func(*JWKSCache)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		c.httpClient = client
	}
}

// WithJWKSLogger sets the logger.
func WithJWKSLogger(logger observability.Logger) JWKSOption {
	return func(c *JWKSCache) {
		c.logger = logger
	}
}

// NewJWKSCache creates a new JWKS cache for the given URL.
func NewJWKSCache(url string, ttl time.Duration, opts ...JWKSOption) *JWKSCache {
	if ttl <= 0 {
		ttl = time.Hour
	}

	c := &JWKSCache{
		url: url,
		ttl: ttl,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: observability.NopLogger(),
		stopCh: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Key implements KeySource.
func (c *JWKSCache) Key(ctx context.Context, kid, alg string) (any, error) {
	if strings.HasPrefix(alg, "HS") {
		return nil, NewValidationError("JWKS holds no symmetric keys", ErrKeyNotFound)
	}

	c.mu.RLock()
	keys := c.keys
	lastFetch := c.lastFetch
	c.mu.RUnlock()

	if keys == nil || time.Since(lastFetch) > c.ttl {
		if err := c.Refresh(ctx); err != nil {
			if keys == nil {
				return nil, NewValidationError("failed to fetch JWKS", ErrKeyNotFound)
			}
			c.logger.Warn("failed to refresh JWKS, using cached keys",
				observability.Error(err),
				observability.Time("lastFetch", lastFetch),
			)
		}

		c.mu.RLock()
		keys = c.keys
		c.mu.RUnlock()
	}

	jwk, err := findKey(keys, kid)
	if err != nil {
		return nil, err
	}

	return jwk.ToRSAPublicKey()
}

// Refresh fetches the JWKS from the remote URL.
func (c *JWKSCache) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return fmt.Errorf("failed to read JWKS response: %w", err)
	}

	jwks, err := ParseJWKS(body)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.keys = jwks
	c.lastFetch = time.Now()
	c.mu.Unlock()

	c.logger.Info("JWKS refreshed",
		observability.String("url", c.url),
		observability.Int("keyCount", len(jwks.Keys)),
	)

	return nil
}

// StartAutoRefresh starts periodic refresh in the background.
func (c *JWKSCache) StartAutoRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl / 2
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		if err := c.Refresh(ctx); err != nil {
			c.logger.Error("initial JWKS fetch failed", observability.Error(err))
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				if err := c.Refresh(ctx); err != nil {
					c.logger.Error("JWKS refresh failed", observability.Error(err))
				}
			}
		}
	}()
}

// Stop stops the auto-refresh goroutine.
func (c *JWKSCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

// LastFetch returns the time of the last successful fetch.
func (c *JWKSCache) LastFetch() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastFetch
}

// StaticSecret is a KeySource backed by a shared HMAC secret.
type StaticSecret []byte

// Key implements KeySource.
func (s StaticSecret) Key(_ context.Context, _, alg string) (any, error) {
	if !strings.HasPrefix(alg, "HS") {
		return nil, NewValidationError("static secret only serves HMAC algorithms", ErrKeyNotFound)
	}
	if len(s) == 0 {
		return nil, NewValidationError("no HMAC secret configured", ErrKeyNotFound)
	}
	return []byte(s), nil
}

// CompositeKeySource tries multiple key sources in order, returning the
// first key found.
type CompositeKeySource []KeySource

// Key implements KeySource.
func (cs CompositeKeySource) Key(ctx context.Context, kid, alg string) (any, error) {
	var lastErr error
	for _, src := range cs {
		key, err := src.Key(ctx, kid, alg)
		if err == nil {
			return key, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = NewValidationError("no key sources configured", ErrKeyNotFound)
	}
	return nil, lastErr
}
