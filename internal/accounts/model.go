package accounts

import (
	"strings"
	"time"
)

// PlaceholderEmailDomain is appended when the external identity carries no
// usable email address. Accounts holding such an address are upgraded the
// first time a verified email arrives for the same subject.
const PlaceholderEmailDomain = "placeholder.example"

// Account is the canonical local record owned by this service. Exactly one
// Account exists per distinct external subject; the IdentityLink table
// enforces that.
type Account struct {
	ID            string    `gorm:"column:id;primaryKey;size:36;not null"`
	Email         string    `gorm:"column:email;size:320;index"`
	EmailVerified bool      `gorm:"column:email_verified;not null"`
	Phone         string    `gorm:"column:phone;size:32"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing local accounts.
func (Account) TableName() string {
	return "accounts"
}

// IdentityLink binds an external (provider, subject) pair to exactly one
// local account. The composite primary key is the store-level uniqueness
// guard that makes provisioning idempotent under concurrent first logins.
type IdentityLink struct {
	Provider  string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject   string    `gorm:"column:subject;primaryKey;size:190;not null"`
	AccountID string    `gorm:"column:account_id;size:36;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing identity links.
func (IdentityLink) TableName() string {
	return "identity_links"
}

// Session records a credential issued for an account. Sessions are
// re-creatable and never unique per account; rows exist for introspection
// and audit, not for enforcement.
type Session struct {
	ID        string    `gorm:"column:id;primaryKey;size:36;not null"`
	AccountID string    `gorm:"column:account_id;size:36;not null;index"`
	IssuedAt  time.Time `gorm:"column:issued_at;not null"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null"`
}

// TableName exposes the table backing issued sessions.
func (Session) TableName() string {
	return "sessions"
}

// HasPlaceholderEmail reports whether the account still carries a
// synthesized address rather than one supplied by the identity provider.
func (a Account) HasPlaceholderEmail() bool {
	return strings.HasSuffix(a.Email, "@"+PlaceholderEmailDomain)
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
