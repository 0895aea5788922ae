package metricsapi

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mbd888/agentscore/internal/metrics"
)

const (
	// TokenLifetime is how long a signed bearer token is valid.
	TokenLifetime = 2 * time.Minute

	// TokenCacheTTL bounds how long a signed token is reused. A token is
	// never reused past its own expiry, whichever comes first.
	TokenCacheTTL = 55 * time.Minute

	tokenIssuer = "agentscore"
)

// ErrInvalidKey is returned when the API private key cannot be parsed.
var ErrInvalidKey = errors.New("metricsapi: invalid private key")

// ParsePrivateKey decodes a PEM-encoded EC private key.
func ParsePrivateKey(pemKey string) (*ecdsa.PrivateKey, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(pemKey))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// TokenSource signs short-lived ES256 bearer tokens bound to a request URI
// and caches them per URI.
type TokenSource struct {
	keyName  string
	key      *ecdsa.PrivateKey
	lifetime time.Duration
	cacheTTL time.Duration
	now      func() time.Time

	mu     sync.Mutex
	tokens map[string]cachedToken
}

// TokenOption configures a TokenSource.
type TokenOption func(*TokenSource)

// WithTokenClock replaces time.Now, for tests.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(ts *TokenSource) { ts.now = now }
}

// WithTokenLifetime overrides TokenLifetime.
func WithTokenLifetime(d time.Duration) TokenOption {
	return func(ts *TokenSource) { ts.lifetime = d }
}

// NewTokenSource creates a token source for the named API key.
func NewTokenSource(keyName string, key *ecdsa.PrivateKey, opts ...TokenOption) *TokenSource {
	ts := &TokenSource{
		keyName:  keyName,
		key:      key,
		lifetime: TokenLifetime,
		cacheTTL: TokenCacheTTL,
		now:      time.Now,
		tokens:   make(map[string]cachedToken),
	}
	for _, opt := range opts {
		opt(ts)
	}
	return ts
}

// Token returns a bearer token for "method host+path", signing a new one
// when none is cached or the cached one has expired.
func (ts *TokenSource) Token(method, host, path string) (string, error) {
	uri := method + " " + host + path
	now := ts.now()

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if c, ok := ts.tokens[uri]; ok && now.Before(c.expiresAt) {
		return c.token, nil
	}
	ts.sweep(now)

	token, err := ts.sign(uri, now)
	if err != nil {
		return "", err
	}

	expiresAt := now.Add(ts.cacheTTL)
	if tokenExp := now.Add(ts.lifetime); tokenExp.Before(expiresAt) {
		expiresAt = tokenExp
	}
	ts.tokens[uri] = cachedToken{token: token, expiresAt: expiresAt}
	return token, nil
}

// sweep drops expired tokens. URIs carry the agent address, so entries are
// rarely requested twice. Callers hold ts.mu.
func (ts *TokenSource) sweep(now time.Time) {
	for uri, c := range ts.tokens {
		if !now.Before(c.expiresAt) {
			delete(ts.tokens, uri)
		}
	}
}

// Purge drops every cached token. Called after the API rejects a token.
func (ts *TokenSource) Purge() {
	ts.mu.Lock()
	ts.tokens = make(map[string]cachedToken)
	ts.mu.Unlock()
}

// Cached returns the number of cached tokens.
func (ts *TokenSource) Cached() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.tokens)
}

func (ts *TokenSource) sign(uri string, now time.Time) (string, error) {
	if ts.key == nil {
		return "", ErrInvalidKey
	}

	claims := jwt.MapClaims{
		"sub": ts.keyName,
		"iss": tokenIssuer,
		"nbf": now.Unix(),
		"exp": now.Add(ts.lifetime).Unix(),
		"uri": uri,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["kid"] = ts.keyName
	tok.Header["nonce"] = nonce()

	signed, err := tok.SignedString(ts.key)
	if err != nil {
		return "", fmt.Errorf("metricsapi: sign token: %w", err)
	}
	metrics.APITokensIssued.Inc()
	return signed, nil
}

func nonce() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
