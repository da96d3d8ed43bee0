package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	testIssuer   = "chatforge-identity"
	testAudience = "chatforge-api"
)

func TestNewVerifierRequiresJWKSURL(t *testing.T) {
	if _, err := NewVerifier(Config{}); err == nil {
		t.Fatal("expected missing jwks url to fail")
	}
}

func TestVerifySubjectRefreshesOnKeyRotation(t *testing.T) {
	oldKey := mustGenerateKey(t)
	newKey := mustGenerateKey(t)

	activeKid := "rotation-old"
	keysByKid := map[string]*rsa.PrivateKey{"rotation-old": oldKey, "rotation-new": newKey}
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=1")
		resp := map[string]any{"keys": []map[string]string{jwkFor(activeKid, keysByKid[activeKid].PublicKey)}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer jwksServer.Close()

	v, err := NewVerifier(Config{JWKSURL: jwksServer.URL, Issuer: testIssuer, Audience: testAudience})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	signed := signSubjectToken(t, oldKey, "rotation-old", "sub-aaa")
	if sub, err := v.VerifySubject(signed); err != nil || sub != "sub-aaa" {
		t.Fatalf("verify with initial key: sub=%q err=%v", sub, err)
	}

	// Provider rotates its signing key; the verifier must refetch the JWKS
	// when it sees the unknown kid.
	activeKid = "rotation-new"
	signed = signSubjectToken(t, newKey, "rotation-new", "sub-bbb")
	if sub, err := v.VerifySubject(signed); err != nil || sub != "sub-bbb" {
		t.Fatalf("verify after rotation: sub=%q err=%v", sub, err)
	}
}

func TestVerifySubjectRejectsWrongAudience(t *testing.T) {
	key := mustGenerateKey(t)
	v := newVerifierWithKey(t, key, "kid-main")

	claims := baseClaims("sub-ccc")
	claims.Audience = jwt.ClaimStrings{"some-other-service"}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "kid-main"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := v.VerifySubject(signed); err == nil {
		t.Fatal("expected audience mismatch to fail")
	}
}

func TestVerifySubjectRejectsFutureIssuedAt(t *testing.T) {
	key := mustGenerateKey(t)
	v := newVerifierWithKey(t, key, "kid-main")

	claims := baseClaims("sub-ddd")
	claims.IssuedAt = jwt.NewNumericDate(time.Now().Add(2 * time.Minute))
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "kid-main"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := v.VerifySubject(signed); err == nil {
		t.Fatal("expected future iat token to fail")
	}
}

func mustGenerateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return key
}

func newVerifierWithKey(t *testing.T, key *rsa.PrivateKey, kid string) *Verifier {
	t.Helper()
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := map[string]any{"keys": []map[string]string{jwkFor(kid, key.PublicKey)}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(jwksServer.Close)

	v, err := NewVerifier(Config{
		JWKSURL:  jwksServer.URL,
		Issuer:   testIssuer,
		Audience: testAudience,
		Leeway:   5 * time.Second,
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return v
}

func baseClaims(subject string) jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    testIssuer,
		Audience:  jwt.ClaimStrings{testAudience},
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-time.Second)),
	}
}

func signSubjectToken(t *testing.T, key *rsa.PrivateKey, kid, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, baseClaims(subject))
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func jwkFor(kid string, key rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"kid": kid,
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}
