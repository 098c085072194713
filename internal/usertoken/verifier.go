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
	defaultAudience     = "authenticated"
	defaultLeeway       = 30 * time.Second
	defaultJWKSCacheTTL = 5 * time.Minute
)

var (
	ErrInvalidToken = errors.New("invalid access token")
	errUnknownKey   = errors.New("unknown token key")
)

// Config configures access-token verification. Exactly one of Secret (HS256)
// or JWKSURL (RS256) must be set. Issuer is checked only when non-empty.
type Config struct {
	Secret     string
	JWKSURL    string
	Issuer     string
	Audience   string
	Leeway     time.Duration
	HTTPClient *http.Client
}

// Identity is what a verified token proves.
type Identity struct {
	UserID    string
	Email     string
	ExpiresAt time.Time
}

type claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates remote-store access tokens.
type Verifier struct {
	issuer   string
	audience string
	leeway   time.Duration
	secret   []byte

	jwksURL    string
	httpClient *http.Client

	mu         sync.RWMutex
	rsaKeys    map[string]any
	keysExpire time.Time
}

// NewVerifier creates a token verifier. JWKS keys are fetched on first use.
func NewVerifier(cfg Config) (*Verifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	switch {
	case secret == "" && jwksURL == "":
		return nil, errors.New("token verifier requires secret or jwksURL")
	case secret != "" && jwksURL != "":
		return nil, errors.New("token verifier accepts secret or jwksURL, not both")
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	v := &Verifier{
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: audience,
		leeway:   leeway,
		jwksURL:  jwksURL,
	}
	if secret != "" {
		v.secret = []byte(secret)
	}
	if cfg.HTTPClient != nil {
		v.httpClient = cfg.HTTPClient
	} else {
		v.httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return v, nil
}

// Verify validates the token and returns the identity it carries.
func (v *Verifier) Verify(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	var (
		c   claims
		err error
	)
	if v.secret != nil {
		c, err = v.parse(token, jwt.SigningMethodHS256.Alg(), func(*jwt.Token) (any, error) {
			return v.secret, nil
		})
	} else {
		c, err = v.verifyJWKS(ctx, token)
	}
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject := strings.TrimSpace(c.Subject)
	if subject == "" {
		return Identity{}, fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	if c.ExpiresAt == nil {
		return Identity{}, fmt.Errorf("%w: expiry missing", ErrInvalidToken)
	}
	return Identity{UserID: subject, Email: c.Email, ExpiresAt: c.ExpiresAt.Time.UTC()}, nil
}

func (v *Verifier) verifyJWKS(ctx context.Context, token string) (claims, error) {
	if v.keysExpired() {
		if err := v.refreshJWKS(ctx); err != nil {
			return claims{}, err
		}
	}
	c, err := v.parse(token, jwt.SigningMethodRS256.Alg(), v.keyFunc(v.copyKeys()))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, errUnknownKey) {
		return c, err
	}
	if refreshErr := v.refreshJWKS(ctx); refreshErr != nil {
		return c, refreshErr
	}
	return v.parse(token, jwt.SigningMethodRS256.Alg(), v.keyFunc(v.copyKeys()))
}

func (v *Verifier) keyFunc(keys map[string]any) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		kid = strings.TrimSpace(kid)
		if kid == "" {
			return nil, errUnknownKey
		}
		key, ok := keys[kid]
		if !ok {
			return nil, errUnknownKey
		}
		return key, nil
	}
}

func (v *Verifier) parse(token, alg string, keyFunc jwt.Keyfunc) (claims, error) {
	c := claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{alg}),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &c, keyFunc, opts...)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return c, err
	}
	return c, nil
}

func (v *Verifier) keysExpired() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return time.Now().UTC().After(v.keysExpire)
}

func (v *Verifier) copyKeys() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]any, len(v.rsaKeys))
	for kid, key := range v.rsaKeys {
		out[kid] = key
	}
	return out
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
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return err
	}

	keys := make(map[string]any, len(payload.Keys))
	for _, k := range payload.Keys {
		if strings.ToUpper(strings.TrimSpace(k.Kty)) != "RSA" {
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

	v.mu.Lock()
	v.rsaKeys = keys
	v.keysExpire = time.Now().UTC().Add(ttl)
	v.mu.Unlock()
	return nil
}

func parseRSAPublicKey(nRaw, eRaw string) (any, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(nRaw))
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(eRaw))
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nBytes)
	eBig := new(big.Int).SetBytes(eBytes)
	if n.Sign() <= 0 || !eBig.IsInt64() {
		return nil, errors.New("invalid rsa key")
	}
	e := int(eBig.Int64())
	if e <= 0 {
		return nil, errors.New("invalid rsa exponent")
	}
	return &rsa.PublicKey{N: n, E: e}, nil
}

func parseCacheMaxAge(cacheControl string) time.Duration {
	for _, part := range strings.Split(cacheControl, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if !strings.HasPrefix(part, "max-age=") {
			continue
		}
		secs, err := time.ParseDuration(strings.TrimPrefix(part, "max-age=") + "s")
		if err != nil {
			return 0
		}
		return secs
	}
	return 0
}
