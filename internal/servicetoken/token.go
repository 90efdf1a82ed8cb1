// Package servicetoken issues and checks the short-lived RS256 JWTs the api
// service presents to the ingest service.
package servicetoken

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultTokenTTL is the lifetime of an issued token.
	DefaultTokenTTL = 60 * time.Second
	// DefaultLeeway is clock skew tolerance for validation.
	DefaultLeeway = 15 * time.Second
	// DefaultKeyID is the kid header used when none is configured.
	DefaultKeyID = "internal-active"
)

// Claims carries the scopes granted to the calling service.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scp,omitempty"`
}

// HasScope reports whether scope was granted.
func (c Claims) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// Key names a PEM key either inline or by file path. Inline wins.
type Key struct {
	PEM  string
	Path string
}

func (k Key) load() ([]byte, error) {
	if pemText := strings.TrimSpace(k.PEM); pemText != "" {
		return []byte(pemText), nil
	}
	path := strings.TrimSpace(k.Path)
	if path == "" {
		return nil, errors.New("key pem or path is required")
	}
	return os.ReadFile(path)
}

// Signer issues tokens for one issuing service.
type Signer struct {
	issuer string
	ttl    time.Duration
	key    *rsa.PrivateKey
	kid    string
	now    func() time.Time
}

// SignerOptions configures token signing.
type SignerOptions struct {
	PrivateKey Key
	KeyID      string
	Issuer     string
	TTL        time.Duration
}

// NewSigner loads the RSA private key and returns a signer.
func NewSigner(opts SignerOptions) (*Signer, error) {
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		return nil, errors.New("service token issuer is required")
	}
	raw, err := opts.PrivateKey.load()
	if err != nil {
		return nil, fmt.Errorf("load service private key: %w", err)
	}
	key, err := parseRSAPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse service private key: %w", err)
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	kid := strings.TrimSpace(opts.KeyID)
	if kid == "" {
		kid = DefaultKeyID
	}
	return &Signer{issuer: issuer, ttl: ttl, key: key, kid: kid, now: time.Now}, nil
}

// Sign issues a token for audience carrying scopes.
func (s *Signer) Sign(audience string, scopes ...string) (string, error) {
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return "", errors.New("service token audience is required")
	}
	now := s.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   s.issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        randomJTI(),
		},
		Scopes: scopes,
	}
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	t.Header["kid"] = s.kid
	return t.SignedString(s.key)
}

// Verifier validates tokens addressed to one audience.
type Verifier struct {
	audience string
	issuers  []string
	leeway   time.Duration
	keys     map[string]*rsa.PublicKey
}

// VerifierOptions configures verification. PublicKeys maps kid to key.
type VerifierOptions struct {
	PublicKeys     map[string]Key
	Audience       string
	AllowedIssuers []string
	Leeway         time.Duration
}

// NewVerifier loads the public keys and returns a verifier.
func NewVerifier(opts VerifierOptions) (*Verifier, error) {
	audience := strings.TrimSpace(opts.Audience)
	if audience == "" {
		return nil, errors.New("service token audience is required")
	}
	var issuers []string
	for _, issuer := range opts.AllowedIssuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			issuers = append(issuers, issuer)
		}
	}
	if len(issuers) == 0 {
		return nil, errors.New("at least one allowed issuer is required")
	}
	keys := make(map[string]*rsa.PublicKey, len(opts.PublicKeys))
	for kid, src := range opts.PublicKeys {
		kid = strings.TrimSpace(kid)
		if kid == "" {
			continue
		}
		raw, err := src.load()
		if err != nil {
			return nil, fmt.Errorf("load service public key %q: %w", kid, err)
		}
		pub, err := parseRSAPublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse service public key %q: %w", kid, err)
		}
		keys[kid] = pub
	}
	if len(keys) == 0 {
		return nil, errors.New("service token verifier requires an rsa public key")
	}
	leeway := opts.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	return &Verifier{audience: audience, issuers: issuers, leeway: leeway, keys: keys}, nil
}

// Verify validates signature, expiry, audience, issuer and jti.
func (v *Verifier) Verify(token string) (Claims, error) {
	claims := Claims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, errors.New("token required")
	}
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		kid = strings.TrimSpace(kid)
		if kid == "" {
			return nil, errors.New("token key id required")
		}
		pub, ok := v.keys[kid]
		if !ok {
			return nil, errors.New("unknown token key")
		}
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return claims, err
	}
	if !slices.Contains(v.issuers, claims.Issuer) {
		return claims, errors.New("issuer not allowed")
	}
	if claims.ID == "" {
		return claims, errors.New("jti required")
	}
	return claims, nil
}

// BearerToken extracts a bearer token from the Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func randomJTI() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func parseRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if pkcs1, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return pkcs1, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	privateKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not rsa")
	}
	return privateKey, nil
}

func parseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("invalid pem")
	}
	if pubAny, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		pub, ok := pubAny.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not rsa")
		}
		return pub, nil
	}
	if pub, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return pub, nil
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("certificate key is not rsa")
	}
	return pub, nil
}
