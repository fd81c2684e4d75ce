package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultSessionTTL = 30 * time.Minute

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingAccountID     = errors.New("account id must be provided")
)

// SessionIssuerConfig configures the local session credential issuer.
type SessionIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	SessionTTL    time.Duration
	Clock         func() time.Time
}

// SessionToken is the signed credential handed back to the caller together
// with its issuance metadata. TokenID is the one-time redemption id.
type SessionToken struct {
	Token     string
	TokenID   string
	AccountID string
	IssuedAt  time.Time
	ExpiresAt time.Time
	ExpiresIn int64
}

// SessionIssuer mints local HS256 session credentials after the external
// identity has been bridged to an account.
type SessionIssuer struct {
	config SessionIssuerConfig
	clock  func() time.Time
}

// NewSessionIssuer constructs a SessionIssuer with sane defaults.
func NewSessionIssuer(cfg SessionIssuerConfig) *SessionIssuer {
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionIssuer{
		config: SessionIssuerConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			Audience:      cfg.Audience,
			SessionTTL:    ttl,
			Clock:         clock,
		},
		clock: clock,
	}
}

// Issue produces a signed session credential for the resolved account.
func (i *SessionIssuer) Issue(_ context.Context, accountID string) (SessionToken, error) {
	if len(i.config.SigningSecret) == 0 {
		return SessionToken{}, errMissingSigningSecret
	}
	if accountID == "" {
		return SessionToken{}, errMissingAccountID
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.SessionTTL).UTC()
	tokenID := uuid.NewString()

	registered := jwt.RegisteredClaims{
		ID:        tokenID,
		Subject:   accountID,
		Issuer:    i.config.Issuer,
		Audience:  []string{i.config.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return SessionToken{}, err
	}

	return SessionToken{
		Token:     signed,
		TokenID:   tokenID,
		AccountID: accountID,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
		ExpiresIn: int64(expiresAt.Sub(now).Seconds()),
	}, nil
}

// Validate ensures a bridge-issued session credential is well formed and
// returns the account id and token id it carries.
func (i *SessionIssuer) Validate(tokenString string) (accountID, tokenID string, err error) {
	if len(i.config.SigningSecret) == 0 {
		return "", "", errMissingSigningSecret
	}

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.config.SigningSecret, nil
		},
		jwt.WithAudience(i.config.Audience),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return "", "", err
	}
	if claims.Subject == "" {
		return "", "", errMissingAccountID
	}
	return claims.Subject, claims.ID, nil
}
