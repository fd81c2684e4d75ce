// Package bridge translates a verified external identity into a local
// session. It performs a single linear pass over its collaborators and
// surfaces the first failure; the only internally-handled error is the
// provisioning conflict, which reroutes to one re-resolve.
package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/tickerwatch/identity-bridge/internal/accounts"
	"github.com/tickerwatch/identity-bridge/internal/auth"
	"go.uber.org/zap"
)

var (
	// ErrStorage wraps account lookup failures.
	ErrStorage = errors.New("bridge: account lookup failed")

	// ErrProvisionFailed wraps non-conflict provisioning failures.
	ErrProvisionFailed = errors.New("bridge: account provisioning failed")

	// ErrIssueFailed wraps session issuance failures. The account may
	// already exist durably at this point; the next call resolves it and
	// retries issuance only.
	ErrIssueFailed = errors.New("bridge: session issuance failed")

	errMissingVerifier = errors.New("bridge: token verifier required")
	errMissingStore    = errors.New("bridge: account store required")
	errMissingIssuer   = errors.New("bridge: session issuer required")
)

// TokenVerifier validates an external bearer token.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (auth.ExternalIdentity, error)
}

// AccountStore resolves and provisions local accounts.
type AccountStore interface {
	Resolve(ctx context.Context, provider, subject string) (accounts.Account, error)
	Provision(ctx context.Context, identity auth.ExternalIdentity) (accounts.Account, error)
	UpgradeEmail(ctx context.Context, account accounts.Account, email string) (accounts.Account, error)
	RecordSession(ctx context.Context, session accounts.Session) error
}

// SessionIssuer mints the local credential for a resolved account.
type SessionIssuer interface {
	Issue(ctx context.Context, accountID string) (auth.SessionToken, error)
}

// Config describes the collaborators of the bridge.
type Config struct {
	Verifier TokenVerifier
	Store    AccountStore
	Issuer   SessionIssuer
	Logger   *zap.Logger
}

// Bridge sequences verify, resolve, provision-on-miss, and issue.
type Bridge struct {
	verifier TokenVerifier
	store    AccountStore
	issuer   SessionIssuer
	logger   *zap.Logger
}

// Result is the uniform successful outcome of an exchange.
type Result struct {
	Account accounts.Account
	Session auth.SessionToken
}

// New constructs a Bridge after validating its dependencies.
func New(cfg Config) (*Bridge, error) {
	if cfg.Verifier == nil {
		return nil, errMissingVerifier
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Issuer == nil {
		return nil, errMissingIssuer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		verifier: cfg.Verifier,
		store:    cfg.Store,
		issuer:   cfg.Issuer,
		logger:   logger,
	}, nil
}

// Exchange verifies the external token, establishes the canonical account,
// and issues a session for it. No step is retried; idempotency lives in
// the store's uniqueness constraint, so concurrent calls for one subject
// converge on a single account.
func (b *Bridge) Exchange(ctx context.Context, rawToken string) (Result, error) {
	identity, err := b.verifier.Verify(ctx, rawToken)
	if err != nil {
		return Result{}, err
	}

	account, err := b.resolveOrProvision(ctx, identity)
	if err != nil {
		return Result{}, err
	}

	session, err := b.issuer.Issue(ctx, account.ID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrIssueFailed, err)
	}
	record := accounts.Session{
		ID:        session.TokenID,
		AccountID: account.ID,
		IssuedAt:  session.IssuedAt,
		ExpiresAt: session.ExpiresAt,
	}
	if err := b.store.RecordSession(ctx, record); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrIssueFailed, err)
	}

	return Result{Account: account, Session: session}, nil
}

func (b *Bridge) resolveOrProvision(ctx context.Context, identity auth.ExternalIdentity) (accounts.Account, error) {
	account, err := b.store.Resolve(ctx, identity.Provider, identity.Subject)
	if err == nil {
		return b.maybeUpgradeEmail(ctx, account, identity), nil
	}
	if !errors.Is(err, accounts.ErrNotFound) {
		return accounts.Account{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	account, err = b.store.Provision(ctx, identity)
	if err == nil {
		b.logger.Info("account provisioned",
			zap.String("provider", identity.Provider),
			zap.String("account_id", account.ID))
		return account, nil
	}
	if !errors.Is(err, accounts.ErrLinkExists) {
		return accounts.Account{}, fmt.Errorf("%w: %v", ErrProvisionFailed, err)
	}

	// Lost the provisioning race: another call already bound this subject.
	b.logger.Debug("provisioning conflict, re-resolving",
		zap.String("provider", identity.Provider))
	account, err = b.store.Resolve(ctx, identity.Provider, identity.Subject)
	if err != nil {
		return accounts.Account{}, fmt.Errorf("%w: re-resolve after conflict: %v", ErrProvisionFailed, err)
	}
	return account, nil
}

// maybeUpgradeEmail replaces a placeholder address with the provider's
// verified one. Failures are logged and ignored; the exchange proceeds
// with the stored account as-is.
func (b *Bridge) maybeUpgradeEmail(ctx context.Context, account accounts.Account, identity auth.ExternalIdentity) accounts.Account {
	if identity.Email == "" || !identity.EmailVerified {
		return account
	}
	upgraded, err := b.store.UpgradeEmail(ctx, account, identity.Email)
	if err != nil {
		b.logger.Warn("email upgrade failed",
			zap.String("account_id", account.ID),
			zap.Error(err))
		return account
	}
	return upgraded
}
