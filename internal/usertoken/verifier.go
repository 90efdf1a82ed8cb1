// Package usertoken verifies access tokens minted by the hosted identity
// provider. Keys come from the provider's JWKS document and are cached
// according to its Cache-Control header.
package usertoken

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultLeeway          = 30 * time.Second
	defaultJWKSCacheTTL    = 5 * time.Minute
	defaultMinRefreshDelay = 30 * time.Second
	jwksPath               = "/.well-known/jwks.json"
)

var (
	errUnknownKey = errors.New("unknown token key")
	// ErrInvalidToken wraps every verification failure.
	ErrInvalidToken = errors.New("invalid access token")
)

// Config configures access-token verification. JWKSURL defaults to the
// issuer's well-known JWKS path. An empty Audience disables the aud check,
// since the provider only sets it when an API audience is registered.
type Config struct {
	Issuer     string
	JWKSURL    string
	Audience   string
	Leeway     time.Duration
	HTTPClient *http.Client
}

// Identity is what the API trusts about a caller.
type Identity struct {
	Subject string
	Email   string
	Name    string
}

type claims struct {
	jwt.RegisteredClaims
	Email      string `json:"email"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
}

// Verifier validates RS256 access tokens against a JWKS endpoint.
type Verifier struct {
	issuer     string
	audience   string
	leeway     time.Duration
	jwksURL    string
	httpClient *http.Client

	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	keysExpire  time.Time
	lastRefresh time.Time
	refreshMu   sync.Mutex
	minRefresh  time.Duration
}

// NewVerifier creates a verifier and loads the signing keys once.
func NewVerifier(ctx context.Context, cfg Config) (*Verifier, error) {
	issuer := strings.TrimRight(strings.TrimSpace(cfg.Issuer), "/")
	if issuer == "" {
		return nil, errors.New("token verifier requires issuer")
	}
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		jwksURL = issuer + jwksPath
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	v := &Verifier{
		issuer:     issuer,
		audience:   strings.TrimSpace(cfg.Audience),
		leeway:     leeway,
		jwksURL:    jwksURL,
		httpClient: httpClient,
		minRefresh: defaultMinRefreshDelay,
	}
	if err := v.refreshJWKS(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

// Verify validates the token and returns the caller identity.
func (v *Verifier) Verify(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("%w: token required", ErrInvalidToken)
	}
	c, err := v.parse(token)
	if err != nil && (errors.Is(err, errUnknownKey) || v.keysExpired()) {
		if refreshErr := v.maybeRefresh(ctx); refreshErr == nil {
			c, err = v.parse(token)
		}
	}
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject := strings.TrimSpace(c.Subject)
	if subject == "" {
		return Identity{}, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	name := strings.TrimSpace(strings.TrimSpace(c.GivenName) + " " + strings.TrimSpace(c.FamilyName))
	return Identity{
		Subject: subject,
		Email:   strings.ToLower(strings.TrimSpace(c.Email)),
		Name:    name,
	}, nil
}

func (v *Verifier) parse(token string) (claims, error) {
	c := claims{}
	keys := v.snapshotKeys()
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := keys[strings.TrimSpace(kid)]
		if !ok {
			return nil, errUnknownKey
		}
		return key, nil
	}, opts...)
	if err != nil {
		return c, err
	}
	if !parsed.Valid {
		return c, errors.New("invalid token")
	}
	return c, nil
}

func (v *Verifier) keysExpired() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return time.Now().UTC().After(v.keysExpire)
}

func (v *Verifier) snapshotKeys() map[string]*rsa.PublicKey {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keys
}

// maybeRefresh refetches the JWKS at most once per minRefresh so that forged
// key ids cannot turn every request into a provider round trip.
func (v *Verifier) maybeRefresh(ctx context.Context) error {
	v.refreshMu.Lock()
	defer v.refreshMu.Unlock()
	v.mu.RLock()
	recent := time.Since(v.lastRefresh) < v.minRefresh
	v.mu.RUnlock()
	if recent && !v.keysExpired() {
		return errors.New("jwks refreshed recently")
	}
	return v.refreshJWKS(ctx)
}

func (v *Verifier) refreshJWKS(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return err
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	var payload struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			Use string `json:"use"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(payload.Keys))
	for _, k := range payload.Keys {
		if !strings.EqualFold(strings.TrimSpace(k.Kty), "RSA") {
			continue
		}
		if use := strings.TrimSpace(k.Use); use != "" && use != "sig" {
			continue
		}
		kid := strings.TrimSpace(k.Kid)
		if kid == "" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			continue
		}
		keys[kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("jwks contains no usable rsa keys")
	}

	ttl := parseCacheMaxAge(resp.Header.Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultJWKSCacheTTL
	}
	now := time.Now().UTC()
	v.mu.Lock()
	v.keys = keys
	v.keysExpire = now.Add(ttl)
	v.lastRefresh = now
	v.mu.Unlock()
	return nil
}

func parseRSAPublicKey(nRaw, eRaw string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(nRaw))
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(eRaw))
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	if n.Sign() <= 0 || !e.IsInt64() || e.Int64() <= 1 {
		return nil, errors.New("invalid rsa key")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func parseCacheMaxAge(cacheControl string) time.Duration {
	for _, part := range strings.Split(cacheControl, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		raw, ok := strings.CutPrefix(part, "max-age=")
		if !ok {
			continue
		}
		secs, err := time.ParseDuration(strings.TrimSpace(raw) + "s")
		if err != nil {
			return 0
		}
		return secs
	}
	return 0
}
