package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tickerwatch/identity-bridge/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates no account is linked to the queried identity.
	// It is a normal outcome, not a storage failure.
	ErrNotFound = errors.New("accounts: no linked account")

	// ErrLinkExists indicates another writer already bound the same
	// (provider, subject) pair. Callers are expected to resolve again.
	ErrLinkExists = errors.New("accounts: identity link already exists")

	// ErrAccountMissing indicates the referenced account row is gone.
	ErrAccountMissing = errors.New("accounts: account does not exist")

	errMissingDatabase = errors.New("accounts: database connection required")
	errMissingSubject  = errors.New("accounts: identity subject required")
)

// StoreConfig describes the dependencies required by the account store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store owns local accounts and their identity links. All write
// coordination is delegated to the database: the identity_links composite
// key is the single guard against duplicate provisioning.
//
// The *gorm.DB must be opened with TranslateError enabled so uniqueness
// violations surface as gorm.ErrDuplicatedKey.
type Store struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewStore constructs the account store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, now: clock, logger: logger}, nil
}

// Resolve returns the account linked to the given (provider, subject)
// pair. A miss is reported as ErrNotFound; any other failure wraps the
// underlying storage error.
func (s *Store) Resolve(ctx context.Context, provider, subject string) (Account, error) {
	provider = normalize(provider)
	subject = normalize(subject)
	if subject == "" {
		return Account{}, errMissingSubject
	}

	var link IdentityLink
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		First(&link).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("accounts: lookup link: %w", err)
	}

	var account Account
	err = s.db.WithContext(ctx).
		Where("id = ?", link.AccountID).
		First(&account).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// A link without its account means a failed manual intervention,
		// not a first login. Surfacing it as a storage fault keeps the
		// provisioner from minting a second account for the subject.
		return Account{}, fmt.Errorf("accounts: link %s/%s references missing account %s: %w",
			link.Provider, link.Subject, link.AccountID, ErrAccountMissing)
	}
	if err != nil {
		return Account{}, fmt.Errorf("accounts: lookup account: %w", err)
	}
	return account, nil
}

// Provision creates the account and identity link for a first-seen
// external identity. When the identity carries a verified email already
// owned by an existing account, the new link is attached to that account
// instead of creating a duplicate.
//
// Account and link are written in one transaction; a failure after the
// account insert rolls everything back, so no orphaned account survives.
// When a concurrent writer wins the race for the same subject the
// transaction fails with ErrLinkExists and the caller must re-resolve.
func (s *Store) Provision(ctx context.Context, identity auth.ExternalIdentity) (Account, error) {
	subject := normalize(identity.Subject)
	if subject == "" {
		return Account{}, errMissingSubject
	}

	var account Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, found, err := s.findByEmail(tx, identity)
		if err != nil {
			return err
		}
		if found {
			account = existing
			s.logger.Info("linking identity to account owning verified email",
				zap.String("provider", normalize(identity.Provider)),
				zap.String("account_id", account.ID))
		} else {
			account = s.newAccount(identity)
			if err := tx.Create(&account).Error; err != nil {
				return fmt.Errorf("accounts: create account: %w", err)
			}
		}

		link := IdentityLink{
			Provider:  normalize(identity.Provider),
			Subject:   subject,
			AccountID: account.ID,
			CreatedAt: s.now().UTC(),
		}
		if err := tx.Create(&link).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrLinkExists
			}
			return fmt.Errorf("accounts: create link: %w", err)
		}
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// UpgradeEmail replaces a placeholder address once the provider supplies a
// real one. Best effort: the bridge treats failures as non-fatal.
func (s *Store) UpgradeEmail(ctx context.Context, account Account, email string) (Account, error) {
	email = normalize(email)
	if email == "" || email == account.Email {
		return account, nil
	}
	if account.Email != "" && !account.HasPlaceholderEmail() {
		return account, nil
	}

	err := s.db.WithContext(ctx).
		Model(&Account{}).
		Where("id = ?", account.ID).
		Updates(map[string]interface{}{
			"email":          email,
			"email_verified": true,
		}).
		Error
	if err != nil {
		return account, fmt.Errorf("accounts: upgrade email: %w", err)
	}
	account.Email = email
	account.EmailVerified = true
	return account, nil
}

// RecordSession persists an issued credential against its account.
// ErrAccountMissing is returned when the account row no longer exists.
func (s *Store) RecordSession(ctx context.Context, session Session) error {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&Account{}).
		Where("id = ?", session.AccountID).
		Count(&count).
		Error
	if err != nil {
		return fmt.Errorf("accounts: check account: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("accounts: record session for %s: %w", session.AccountID, ErrAccountMissing)
	}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		return fmt.Errorf("accounts: record session: %w", err)
	}
	return nil
}

func (s *Store) findByEmail(tx *gorm.DB, identity auth.ExternalIdentity) (Account, bool, error) {
	email := normalize(identity.Email)
	if email == "" || !identity.EmailVerified {
		return Account{}, false, nil
	}
	var account Account
	err := tx.Where("email = ?", email).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Account{}, false, nil
	}
	if err != nil {
		return Account{}, false, fmt.Errorf("accounts: lookup by email: %w", err)
	}
	return account, true, nil
}

func (s *Store) newAccount(identity auth.ExternalIdentity) Account {
	email := normalize(identity.Email)
	verified := identity.EmailVerified
	phone := normalize(identity.Phone)
	if email == "" {
		// The provider verified the contact it did supply, so the
		// synthesized address is marked verified as well.
		if phone != "" {
			email = phone + "@" + PlaceholderEmailDomain
		} else {
			email = normalize(identity.Subject) + "@" + PlaceholderEmailDomain
		}
		verified = true
	}
	return Account{
		ID:            uuid.NewString(),
		Email:         email,
		EmailVerified: verified,
		Phone:         phone,
		CreatedAt:     s.now().UTC(),
	}
}
