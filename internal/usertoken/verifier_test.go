package usertoken

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func claimsFor(sub string, issuedAt time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		Subject:   sub,
		Issuer:    "issuer-a",
		Audience:  jwt.ClaimStrings{"aud-a"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		NotBefore: jwt.NewNumericDate(time.Now().Add(-time.Second)),
	}
}

func TestNewVerifierNeedsExactlyOneKeySource(t *testing.T) {
	if _, err := NewVerifier(Config{}); err == nil {
		t.Fatalf("expected missing key source to fail")
	}
	if _, err := NewVerifier(Config{Secret: "s", JWKSURL: "http://example"}); err == nil {
		t.Fatalf("expected both key sources to fail")
	}
}

func TestHS256VerifySubject(t *testing.T) {
	v, err := NewVerifier(Config{Secret: "top-secret", Issuer: "issuer-a", Audience: "aud-a"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claimsFor("user-a", time.Now())).SignedString([]byte("top-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if sub, err := v.VerifySubject(signed); err != nil || sub != "user-a" {
		t.Fatalf("verify failed: sub=%s err=%v", sub, err)
	}

	forged, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claimsFor("user-a", time.Now())).SignedString([]byte("other"))
	if _, err := v.VerifySubject(forged); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", err)
	}

	noSub, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claimsFor("", time.Now())).SignedString([]byte("top-secret"))
	if _, err := v.VerifySubject(noSub); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for missing subject, got %v", err)
	}
}

func TestJWKSVerifySubjectAndRefreshOnUnknownKid(t *testing.T) {
	key1, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key1: %v", err)
	}
	key2, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key2: %v", err)
	}

	var active atomic.Value
	active.Store("kid-1")
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=1")
		kid := active.Load().(string)
		key := key1.PublicKey
		if kid == "kid-2" {
			key = key2.PublicKey
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK(kid, key)}})
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(Config{JWKSURL: jwksServer.URL, Issuer: "issuer-a", Audience: "aud-a"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	token1 := jwt.NewWithClaims(jwt.SigningMethodRS256, claimsFor("user-a", time.Now()))
	token1.Header["kid"] = "kid-1"
	signed1, err := token1.SignedString(key1)
	if err != nil {
		t.Fatalf("sign token1: %v", err)
	}
	if sub, err := v.VerifySubject(signed1); err != nil || sub != "user-a" {
		t.Fatalf("verify token1 failed: sub=%s err=%v", sub, err)
	}

	active.Store("kid-2")
	token2 := jwt.NewWithClaims(jwt.SigningMethodRS256, claimsFor("user-b", time.Now()))
	token2.Header["kid"] = "kid-2"
	signed2, err := token2.SignedString(key2)
	if err != nil {
		t.Fatalf("sign token2: %v", err)
	}
	if sub, err := v.VerifySubject(signed2); err != nil || sub != "user-b" {
		t.Fatalf("verify token2 failed: sub=%s err=%v", sub, err)
	}
}

func TestRejectsFutureIssuedAt(t *testing.T) {
	v, err := NewVerifier(Config{Secret: "s", Issuer: "issuer-a", Audience: "aud-a", Leeway: 5 * time.Second})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claimsFor("user-1", time.Now().Add(2*time.Minute))).SignedString([]byte("s"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	if _, err := v.VerifySubject(signed); err == nil {
		t.Fatalf("expected future iat token to fail")
	}
}

func TestCacheMaxAge(t *testing.T) {
	cases := map[string]time.Duration{
		"":                      0,
		"no-store":              0,
		"public, max-age=60":    time.Minute,
		"MAX-AGE=5, private":    5 * time.Second,
		"max-age=bogus, public": 0,
	}
	for in, want := range cases {
		if got := cacheMaxAge(in); got != want {
			t.Fatalf("cacheMaxAge(%q) = %v, want %v", in, got, want)
		}
	}
}

func toJWK(kid string, key rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"kid": kid,
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}
