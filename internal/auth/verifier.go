package auth

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

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	defaultJWKSCacheTTL = 10 * time.Minute
	defaultProviderName = "firebase"
)

var (
	// ErrInvalidToken covers malformed, expired, or otherwise untrusted
	// tokens. Requests failing this way never reach the account store.
	ErrInvalidToken = errors.New("auth: invalid identity token")

	// ErrVerifierUnavailable indicates the issuer's key material could not
	// be loaded. It is reported on every call until a fetch succeeds.
	ErrVerifierUnavailable = errors.New("auth: verifier key material unavailable")

	// ErrInvalidVerifierConfig is returned by NewVerifier for unusable configuration.
	ErrInvalidVerifierConfig = errors.New("auth: invalid verifier config")

	errMissingToken          = errors.New("identity token must not be empty")
	errMissingKeyIdentifier  = errors.New("token missing key identifier")
	errKeyNotFound           = errors.New("signing key not found in JWKS")
	errUntrustedIssuer       = errors.New("token issuer not allowed")
	errMissingSubject        = errors.New("token missing subject claim")
	errMissingAudienceConfig = errors.New("audience configuration required")
	errMissingJWKSURL        = errors.New("jwks url configuration required")
	errNoAllowedIssuers      = errors.New("no allowed issuers configured")
)

// ExternalIdentity is the verified outcome of token validation. It is
// request-scoped and never persisted; the account store keys off
// (Provider, Subject) only.
type ExternalIdentity struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
	Phone         string
	Issuer        string
	Expiry        time.Time
	IssuedAt      time.Time
	RawClaims     map[string]interface{}
}

// VerifierConfig bundles configuration required to instantiate a Verifier.
type VerifierConfig struct {
	Audience       string
	JWKSURL        string
	AllowedIssuers []string
	ProviderName   string
	HTTPClient     *http.Client
	CacheTTL       time.Duration
	Logger         *zap.Logger
	Clock          func() time.Time
}

// Verifier validates externally-issued identity tokens offline using
// cached JWKS. Key material is fetched lazily on first use and shared
// process-wide; concurrent first calls trigger a single fetch.
type Verifier struct {
	config     VerifierConfig
	logger     *zap.Logger
	httpClient *http.Client
	clock      func() time.Time
	cache      *jwksCache
	issuers    map[string]struct{}
}

// NewVerifier constructs a verifier with validated configuration.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingAudienceConfig)
	}

	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingJWKSURL)
	}

	issuers := make(map[string]struct{})
	for _, issuer := range cfg.AllowedIssuers {
		normalized := strings.TrimSpace(issuer)
		if normalized == "" {
			continue
		}
		issuers[normalized] = struct{}{}
	}
	if len(issuers) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errNoAllowedIssuers)
	}

	providerName := strings.TrimSpace(cfg.ProviderName)
	if providerName == "" {
		providerName = defaultProviderName
	}

	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = defaultJWKSCacheTTL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Verifier{
		config: VerifierConfig{
			Audience:     audience,
			JWKSURL:      jwksURL,
			ProviderName: providerName,
			HTTPClient:   httpClient,
			CacheTTL:     cacheTTL,
			Logger:       logger,
			Clock:        clock,
		},
		logger:     logger,
		httpClient: httpClient,
		clock:      clock,
		cache:      &jwksCache{ttl: cacheTTL},
		issuers:    issuers,
	}, nil
}

// Verify validates the provided token and returns the external identity it
// attests to. Signature, issuer, audience, and expiry are all enforced;
// there is no claims-only fallback.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (ExternalIdentity, error) {
	if strings.TrimSpace(rawToken) == "" {
		return ExternalIdentity{}, fmt.Errorf("%w: %v", ErrInvalidToken, errMissingToken)
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(
		rawToken,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			keyID, _ := token.Header["kid"].(string)
			if keyID == "" {
				return nil, errMissingKeyIdentifier
			}
			return v.lookupKey(ctx, keyID)
		},
		jwt.WithAudience(v.config.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(v.clock),
	)
	if err != nil {
		if errors.Is(err, ErrVerifierUnavailable) {
			return ExternalIdentity{}, err
		}
		return ExternalIdentity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return ExternalIdentity{}, fmt.Errorf("%w: signature invalid", ErrInvalidToken)
	}

	issuer, _ := claims.GetIssuer()
	if _, allowed := v.issuers[issuer]; !allowed {
		return ExternalIdentity{}, fmt.Errorf("%w: %v", ErrInvalidToken, errUntrustedIssuer)
	}

	subject, _ := claims.GetSubject()
	if subject == "" {
		return ExternalIdentity{}, fmt.Errorf("%w: %v", ErrInvalidToken, errMissingSubject)
	}

	identity := ExternalIdentity{
		Provider:  v.config.ProviderName,
		Subject:   subject,
		Issuer:    issuer,
		RawClaims: map[string]interface{}(claims),
	}
	if expiry, err := claims.GetExpirationTime(); err == nil && expiry != nil {
		identity.Expiry = expiry.Time
	}
	if issuedAt, err := claims.GetIssuedAt(); err == nil && issuedAt != nil {
		identity.IssuedAt = issuedAt.Time
	}
	if email, ok := claims["email"].(string); ok {
		identity.Email = strings.TrimSpace(email)
	}
	if verified, ok := claims["email_verified"].(bool); ok {
		identity.EmailVerified = verified
	}
	if phone, ok := claims["phone_number"].(string); ok {
		identity.Phone = strings.TrimSpace(phone)
	}
	if signIn := signInProvider(claims); signIn != "" {
		identity.Provider = signIn
	}

	return identity, nil
}

// signInProvider extracts the nested sign_in_provider claim emitted by the
// identity platform, e.g. "google.com" or "phone".
func signInProvider(claims jwt.MapClaims) string {
	nested, ok := claims["firebase"].(map[string]interface{})
	if !ok {
		return ""
	}
	value, _ := nested["sign_in_provider"].(string)
	return strings.TrimSpace(value)
}

func (v *Verifier) lookupKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	now := v.clock()
	if key := v.cache.get(keyID, now); key != nil {
		return key, nil
	}

	if err := v.refreshKeys(ctx, now); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerifierUnavailable, err)
	}

	if key := v.cache.get(keyID, now); key != nil {
		return key, nil
	}

	return nil, errKeyNotFound
}

func (v *Verifier) refreshKeys(ctx context.Context, fetchedAt time.Time) error {
	// Single-flight: one fetch serves all concurrent first callers, and a
	// failed fetch stays retryable on the next call.
	v.cache.refreshMu.Lock()
	defer v.cache.refreshMu.Unlock()

	if v.cache.fresh(fetchedAt) {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.config.JWKSURL, nil)
	if err != nil {
		return err
	}

	response, err := v.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks request returned status %d", response.StatusCode)
	}

	var document jwksDocument
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return err
	}

	keyMap := make(map[string]*rsa.PublicKey, len(document.Keys))
	for _, key := range document.Keys {
		if key.KeyType != "RSA" || key.Use != "sig" {
			continue
		}
		publicKey, err := key.toRSAPublicKey()
		if err != nil {
			v.logger.Debug("skipping jwk", zap.String("kid", key.KeyID), zap.Error(err))
			continue
		}
		keyMap[key.KeyID] = publicKey
	}

	if len(keyMap) == 0 {
		return errors.New("jwks document contained no usable keys")
	}

	v.cache.store(keyMap, fetchedAt)
	return nil
}

type jwksCache struct {
	mu        sync.RWMutex
	refreshMu sync.Mutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
	ttl       time.Duration
}

func (c *jwksCache) get(keyID string, now time.Time) *rsa.PublicKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.keys == nil || now.After(c.expiresAt) {
		return nil
	}
	return c.keys[keyID]
}

func (c *jwksCache) fresh(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.keys != nil && !now.After(c.expiresAt)
}

func (c *jwksCache) store(keys map[string]*rsa.PublicKey, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = keys
	c.expiresAt = now.Add(c.ttl)
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	KeyType string `json:"kty"`
	Alg     string `json:"alg"`
	KeyID   string `json:"kid"`
	Use     string `json:"use"`
	Modulus string `json:"n"`
	Exp     string `json:"e"`
}

func (k jwk) toRSAPublicKey() (*rsa.PublicKey, error) {
	modulusBytes, err := base64.RawURLEncoding.DecodeString(k.Modulus)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus encoding: %w", err)
	}
	exponentBytes, err := base64.RawURLEncoding.DecodeString(k.Exp)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent encoding: %w", err)
	}

	if len(exponentBytes) == 0 {
		return nil, errors.New("missing exponent bytes")
	}

	exponent := 0
	for _, b := range exponentBytes {
		exponent = exponent<<8 + int(b)
	}
	if exponent == 0 {
		return nil, errors.New("invalid exponent value")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulusBytes),
		E: exponent,
	}, nil
}
