package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testIssuer = "https://securetoken.example.com/test-project"

func newSigningKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return privateKey
}

func jwksPayload(publicKey rsa.PublicKey, keyID string) map[string]any {
	return map[string]any{
		"keys": []any{map[string]string{
			"kty": "RSA",
			"alg": "RS256",
			"kid": keyID,
			"use": "sig",
			"n":   encodeBigInt(publicKey.N),
			"e":   encodeBigInt(publicKey.E),
		}},
	}
}

func signTestToken(t *testing.T, privateKey *rsa.PrivateKey, keyID string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = keyID
	signed, err := token.SignedString(privateKey)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestVerifierExtractsIdentityClaims(t *testing.T) {
	privateKey := newSigningKey(t)
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwksPayload(privateKey.PublicKey, "test-key"))
	}))
	defer jwksServer.Close()

	now := time.Now().UTC()
	signedToken := signTestToken(t, privateKey, "test-key", jwt.MapClaims{
		"aud":          "test-project",
		"iss":          testIssuer,
		"sub":          "u1",
		"exp":          now.Add(5 * time.Minute).Unix(),
		"iat":          now.Unix(),
		"phone_number": "+910000000001",
		"firebase":     map[string]any{"sign_in_provider": "phone"},
	})

	verifier, err := NewVerifier(VerifierConfig{
		Audience:       "test-project",
		JWKSURL:        jwksServer.URL,
		AllowedIssuers: []string{testIssuer},
		HTTPClient:     jwksServer.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	identity, err := verifier.Verify(context.Background(), signedToken)
	if err != nil {
		t.Fatalf("expected verification to succeed: %v", err)
	}
	if identity.Subject != "u1" {
		t.Fatalf("unexpected subject %q", identity.Subject)
	}
	if identity.Phone != "+910000000001" {
		t.Fatalf("unexpected phone %q", identity.Phone)
	}
	if identity.Provider != "phone" {
		t.Fatalf("unexpected provider %q", identity.Provider)
	}
	if identity.RawClaims["aud"] != "test-project" {
		t.Fatalf("expected raw claims to be preserved, got %v", identity.RawClaims)
	}
}

func TestVerifierDefaultsProviderWhenClaimAbsent(t *testing.T) {
	privateKey := newSigningKey(t)
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwksPayload(privateKey.PublicKey, "test-key"))
	}))
	defer jwksServer.Close()

	now := time.Now().UTC()
	signedToken := signTestToken(t, privateKey, "test-key", jwt.MapClaims{
		"aud":            "test-project",
		"iss":            testIssuer,
		"sub":            "u2",
		"exp":            now.Add(time.Minute).Unix(),
		"iat":            now.Unix(),
		"email":          "user@example.com",
		"email_verified": true,
	})

	verifier, err := NewVerifier(VerifierConfig{
		Audience:       "test-project",
		JWKSURL:        jwksServer.URL,
		AllowedIssuers: []string{testIssuer},
		HTTPClient:     jwksServer.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	identity, err := verifier.Verify(context.Background(), signedToken)
	if err != nil {
		t.Fatalf("expected verification to succeed: %v", err)
	}
	if identity.Provider != "firebase" {
		t.Fatalf("expected default provider name, got %q", identity.Provider)
	}
	if identity.Email != "user@example.com" || !identity.EmailVerified {
		t.Fatalf("expected verified email to be extracted, got %+v", identity)
	}
}

func TestVerifierRejectsExpiredToken(t *testing.T) {
	privateKey := newSigningKey(t)
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwksPayload(privateKey.PublicKey, "test-key"))
	}))
	defer jwksServer.Close()

	now := time.Now().UTC()
	signedToken := signTestToken(t, privateKey, "test-key", jwt.MapClaims{
		"aud": "test-project",
		"iss": testIssuer,
		"sub": "u1",
		"exp": now.Add(-5 * time.Minute).Unix(),
		"iat": now.Add(-10 * time.Minute).Unix(),
	})

	verifier, err := NewVerifier(VerifierConfig{
		Audience:       "test-project",
		JWKSURL:        jwksServer.URL,
		AllowedIssuers: []string{testIssuer},
		HTTPClient:     jwksServer.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	_, err = verifier.Verify(context.Background(), signedToken)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token error for expired token, got %v", err)
	}
}

func TestVerifierRejectsUntrustedIssuer(t *testing.T) {
	privateKey := newSigningKey(t)
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwksPayload(privateKey.PublicKey, "test-key"))
	}))
	defer jwksServer.Close()

	now := time.Now().UTC()
	signedToken := signTestToken(t, privateKey, "test-key", jwt.MapClaims{
		"aud": "test-project",
		"iss": "https://evil.example.com",
		"sub": "u1",
		"exp": now.Add(time.Minute).Unix(),
		"iat": now.Unix(),
	})

	verifier, err := NewVerifier(VerifierConfig{
		Audience:       "test-project",
		JWKSURL:        jwksServer.URL,
		AllowedIssuers: []string{testIssuer},
		HTTPClient:     jwksServer.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	_, err = verifier.Verify(context.Background(), signedToken)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token error for untrusted issuer, got %v", err)
	}
}

func TestVerifierRejectsMismatchedSignature(t *testing.T) {
	privateKey := newSigningKey(t)
	otherKey := newSigningKey(t)

	// JWKS serves the first key but the token is signed with the second.
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jwksPayload(privateKey.PublicKey, "test-key"))
	}))
	defer jwksServer.Close()

	now := time.Now().UTC()
	signedToken := signTestToken(t, otherKey, "test-key", jwt.MapClaims{
		"aud": "test-project",
		"iss": testIssuer,
		"sub": "u1",
		"exp": now.Add(time.Minute).Unix(),
		"iat": now.Unix(),
	})

	verifier, err := NewVerifier(VerifierConfig{
		Audience:       "test-project",
		JWKSURL:        jwksServer.URL,
		AllowedIssuers: []string{testIssuer},
		HTTPClient:     jwksServer.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	_, err = verifier.Verify(context.Background(), signedToken)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token error for bad signature, got %v", err)
	}
}

func TestVerifierReportsUnavailableKeyMaterialUntilRemedied(t *testing.T) {
	privateKey := newSigningKey(t)

	var healthy atomic.Bool
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			http.Error(w, "unavailable", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(jwksPayload(privateKey.PublicKey, "test-key"))
	}))
	defer jwksServer.Close()

	now := time.Now().UTC()
	signedToken := signTestToken(t, privateKey, "test-key", jwt.MapClaims{
		"aud": "test-project",
		"iss": testIssuer,
		"sub": "u1",
		"exp": now.Add(time.Minute).Unix(),
		"iat": now.Unix(),
	})

	verifier, err := NewVerifier(VerifierConfig{
		Audience:       "test-project",
		JWKSURL:        jwksServer.URL,
		AllowedIssuers: []string{testIssuer},
		HTTPClient:     jwksServer.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		_, err = verifier.Verify(context.Background(), signedToken)
		if !errors.Is(err, ErrVerifierUnavailable) {
			t.Fatalf("attempt %d: expected verifier unavailable, got %v", attempt, err)
		}
	}

	healthy.Store(true)
	if _, err := verifier.Verify(context.Background(), signedToken); err != nil {
		t.Fatalf("expected verification to recover after key fetch, got %v", err)
	}
}

func TestVerifierFetchesKeysOnceUnderConcurrentFirstUse(t *testing.T) {
	privateKey := newSigningKey(t)

	var fetches atomic.Int64
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		_ = json.NewEncoder(w).Encode(jwksPayload(privateKey.PublicKey, "test-key"))
	}))
	defer jwksServer.Close()

	now := time.Now().UTC()
	signedToken := signTestToken(t, privateKey, "test-key", jwt.MapClaims{
		"aud": "test-project",
		"iss": testIssuer,
		"sub": "u1",
		"exp": now.Add(time.Minute).Unix(),
		"iat": now.Unix(),
	})

	verifier, err := NewVerifier(VerifierConfig{
		Audience:       "test-project",
		JWKSURL:        jwksServer.URL,
		AllowedIssuers: []string{testIssuer},
		HTTPClient:     jwksServer.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	var wg sync.WaitGroup
	failures := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := verifier.Verify(context.Background(), signedToken); err != nil {
				failures <- err
			}
		}()
	}
	wg.Wait()
	close(failures)
	for err := range failures {
		t.Fatalf("concurrent verification failed: %v", err)
	}

	if fetches.Load() != 1 {
		t.Fatalf("expected a single JWKS fetch across concurrent first use, got %d", fetches.Load())
	}
}

func TestVerifierRejectsSymmetricallySignedToken(t *testing.T) {
	verifier, err := NewVerifier(VerifierConfig{
		Audience:       "test-project",
		JWKSURL:        "https://example.com/jwks",
		AllowedIssuers: []string{testIssuer},
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"aud": "test-project",
		"iss": testIssuer,
		"sub": "u1",
		"exp": now.Add(time.Minute).Unix(),
	})
	signedToken, err := token.SignedString([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	_, err = verifier.Verify(context.Background(), signedToken)
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token error for HS256 token, got %v", err)
	}
}

func TestNewVerifierValidatesConfiguration(t *testing.T) {
	_, err := NewVerifier(VerifierConfig{
		Audience:       " ",
		JWKSURL:        "https://example.com/jwks",
		AllowedIssuers: []string{testIssuer},
	})
	if !errors.Is(err, ErrInvalidVerifierConfig) {
		t.Fatalf("expected invalid verifier config error, got %v", err)
	}
	if !strings.Contains(err.Error(), errMissingAudienceConfig.Error()) {
		t.Fatalf("expected audience validation error to be reported, got %v", err)
	}

	_, err = NewVerifier(VerifierConfig{
		Audience:       "test-project",
		JWKSURL:        " ",
		AllowedIssuers: []string{testIssuer},
	})
	if !errors.Is(err, ErrInvalidVerifierConfig) {
		t.Fatalf("expected invalid verifier config error, got %v", err)
	}
	if !strings.Contains(err.Error(), errMissingJWKSURL.Error()) {
		t.Fatalf("expected jwks validation error to be reported, got %v", err)
	}

	_, err = NewVerifier(VerifierConfig{
		Audience:       "test-project",
		JWKSURL:        "https://example.com/jwks",
		AllowedIssuers: []string{"", "   "},
	})
	if !errors.Is(err, ErrInvalidVerifierConfig) {
		t.Fatalf("expected invalid verifier config error, got %v", err)
	}
	if !strings.Contains(err.Error(), errNoAllowedIssuers.Error()) {
		t.Fatalf("expected allowed issuers validation error to be reported, got %v", err)
	}
}

func encodeBigInt(value interface{}) string {
	switch v := value.(type) {
	case *big.Int:
		return base64.RawURLEncoding.EncodeToString(v.Bytes())
	case int:
		return encodeBigInt(int64(v))
	case int64:
		return base64.RawURLEncoding.EncodeToString(big.NewInt(v).Bytes())
	case uint64:
		return base64.RawURLEncoding.EncodeToString(new(big.Int).SetUint64(v).Bytes())
	default:
		return ""
	}
}
