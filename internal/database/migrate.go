package database

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nofearsk/rtspserver/internal/models"
	"gorm.io/gorm"
)

// migration represents a single versioned schema change.
type migration struct {
	Version     string
	Description string
	Up          func(tx *gorm.DB) error
}

// migrationRecord tracks applied migrations in the database.
type migrationRecord struct {
	ID          uint      `gorm:"primarykey"`
	Version     string    `gorm:"uniqueIndex;not null"`
	Description string    `gorm:"not null"`
	AppliedAt   time.Time `gorm:"not null"`
}

// TableName returns the table name for migration records.
func (migrationRecord) TableName() string {
	return "schema_migrations"
}

// allMigrations returns the registered migrations. Versions already recorded
// in schema_migrations are skipped on later startups.
func allMigrations() []migration {
	return []migration{
		{
			Version:     "001",
			Description: "Create feeds and settings tables",
			Up: func(tx *gorm.DB) error {
				return tx.AutoMigrate(
					&models.Feed{},
					&models.Setting{},
				)
			},
		},
	}
}

// Migrate applies all pending schema migrations. It is safe to call on every
// startup; applied versions are skipped.
func (db *DB) Migrate(ctx context.Context) error {
	if err := db.DB.WithContext(ctx).AutoMigrate(&migrationRecord{}); err != nil {
		return fmt.Errorf("initializing migrations table: %w", err)
	}

	applied, err := db.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("getting applied migrations: %w", err)
	}

	migrations := allMigrations()
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		db.logger.InfoContext(ctx, "applying migration",
			slog.String("version", m.Version),
			slog.String("description", m.Description),
		)

		err := db.Transaction(ctx, func(tx *gorm.DB) error {
			if err := m.Up(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{
				Version:     m.Version,
				Description: m.Description,
				AppliedAt:   time.Now().UTC(),
			}).Error
		})
		if err != nil {
			return fmt.Errorf("applying migration %s: %w", m.Version, err)
		}
	}

	return nil
}

// appliedVersions returns the set of migration versions already applied.
func (db *DB) appliedVersions(ctx context.Context) (map[string]bool, error) {
	var records []migrationRecord
	if err := db.DB.WithContext(ctx).Find(&records).Error; err != nil {
		return nil, err
	}

	applied := make(map[string]bool, len(records))
	for _, record := range records {
		applied[record.Version] = true
	}
	return applied, nil
}
