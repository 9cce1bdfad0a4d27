package usertoken

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer       = "threadstream-auth"
	defaultAudience     = "threadstream-api"
	defaultLeeway       = 30 * time.Second
	defaultJWKSCacheTTL = 5 * time.Minute
	jwksFetchTimeout    = 5 * time.Second
)

var (
	// ErrInvalidToken covers every verification failure callers should map to 401.
	ErrInvalidToken = errors.New("invalid token")
	errUnknownKey   = errors.New("unknown token key")
)

// Config configures user access-token verification. Exactly one of Secret
// (HS256) or JWKSURL (RS256 with key rotation) must be set.
type Config struct {
	Secret     string
	JWKSURL    string
	Issuer     string
	Audience   string
	Leeway     time.Duration
	HTTPClient *http.Client
}

// Verifier validates bearer tokens and extracts the subject user id.
type Verifier struct {
	issuer   string
	audience string
	leeway   time.Duration
	secret   []byte

	jwksURL string
	http    *resty.Client

	mu         sync.RWMutex
	rsaKeys    map[string]*rsa.PublicKey
	keysExpire time.Time
}

// NewVerifier creates a token verifier. JWKS mode fetches keys eagerly so a
// bad URL fails at startup.
func NewVerifier(cfg Config) (*Verifier, error) {
	v := &Verifier{
		issuer:   strings.TrimSpace(cfg.Issuer),
		audience: strings.TrimSpace(cfg.Audience),
		leeway:   cfg.Leeway,
	}
	if v.issuer == "" {
		v.issuer = defaultIssuer
	}
	if v.audience == "" {
		v.audience = defaultAudience
	}
	if v.leeway <= 0 {
		v.leeway = defaultLeeway
	}

	secret := strings.TrimSpace(cfg.Secret)
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	switch {
	case secret != "" && jwksURL != "":
		return nil, errors.New("token verifier takes either a secret or a jwks url, not both")
	case secret != "":
		v.secret = []byte(secret)
		return v, nil
	case jwksURL == "":
		return nil, errors.New("token verifier requires a secret or a jwks url")
	}

	v.jwksURL = jwksURL
	if cfg.HTTPClient != nil {
		v.http = resty.NewWithClient(cfg.HTTPClient)
	} else {
		v.http = resty.New().SetTimeout(jwksFetchTimeout)
	}
	if err := v.refreshJWKS(context.Background()); err != nil {
		return nil, err
	}
	return v, nil
}

// VerifySubject validates the token and returns its subject.
func (v *Verifier) VerifySubject(token string) (string, error) {
	claims, err := v.verify(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", fmt.Errorf("%w: subject missing", ErrInvalidToken)
	}
	return subject, nil
}

func (v *Verifier) verify(token string) (jwt.RegisteredClaims, error) {
	if v.secret != nil {
		return v.parse(token, jwt.SigningMethodHS256.Alg(), func(*jwt.Token) (any, error) {
			return v.secret, nil
		})
	}
	claims, err := v.parse(token, jwt.SigningMethodRS256.Alg(), v.rsaKeyFunc())
	if err == nil {
		return claims, nil
	}
	if !errors.Is(err, errUnknownKey) && !v.keysExpired() {
		return claims, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), jwksFetchTimeout)
	defer cancel()
	if refreshErr := v.refreshJWKS(ctx); refreshErr != nil {
		return claims, refreshErr
	}
	return v.parse(token, jwt.SigningMethodRS256.Alg(), v.rsaKeyFunc())
}

func (v *Verifier) parse(token, alg string, keyFunc jwt.Keyfunc) (jwt.RegisteredClaims, error) {
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, keyFunc,
		jwt.WithValidMethods([]string{alg}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return claims, err
	}
	if !parsed.Valid {
		return claims, errors.New("token not valid")
	}
	return claims, nil
}

func (v *Verifier) rsaKeyFunc() jwt.Keyfunc {
	v.mu.RLock()
	keys := v.rsaKeys
	v.mu.RUnlock()
	return func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		key, ok := keys[strings.TrimSpace(kid)]
		if !ok {
			return nil, errUnknownKey
		}
		return key, nil
	}
}

func (v *Verifier) keysExpired() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return time.Now().UTC().After(v.keysExpire)
}

type jwksDocument struct {
	Keys []struct {
		Kty string `json:"kty"`
		Kid string `json:"kid"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (v *Verifier) refreshJWKS(ctx context.Context) error {
	var doc jwksDocument
	resp, err := v.http.R().SetContext(ctx).SetResult(&doc).Get(v.jwksURL)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode())
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		kid := strings.TrimSpace(k.Kid)
		if kid == "" || !strings.EqualFold(strings.TrimSpace(k.Kty), "RSA") {
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

	ttl := cacheMaxAge(resp.Header().Get("Cache-Control"))
	if ttl <= 0 {
		ttl = defaultJWKSCacheTTL
	}
	v.mu.Lock()
	v.rsaKeys = keys
	v.keysExpire = time.Now().UTC().Add(ttl)
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
	if n.Sign() <= 0 || !e.IsInt64() || e.Int64() <= 0 {
		return nil, errors.New("invalid rsa key")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

func cacheMaxAge(cacheControl string) time.Duration {
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		secs, err := time.ParseDuration(strings.TrimSpace(value) + "s")
		if err != nil {
			return 0
		}
		return secs
	}
	return 0
}
