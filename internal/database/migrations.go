package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/tickerwatch/identity-bridge/internal/accounts"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRenamePlaceholderDomain = "2026-07-14_rename_placeholder_email_domain"

// legacyPlaceholderDomain was used before the placeholder address format
// was settled. Accounts created by the previous deployment still carry it.
const legacyPlaceholderDomain = "yourapp.com"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRenamePlaceholderDomain, apply: renamePlaceholderDomain},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func renamePlaceholderDomain(db *gorm.DB) error {
	oldSuffix := "@" + legacyPlaceholderDomain
	newSuffix := "@" + accounts.PlaceholderEmailDomain
	update := fmt.Sprintf(
		"UPDATE accounts SET email = replace(email, '%s', '%s') WHERE email LIKE '%%%s';",
		oldSuffix, newSuffix, oldSuffix,
	)
	return db.Exec(update).Error
}
