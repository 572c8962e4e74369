package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/tandem/internal/exercise"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationReleaseClosedOpenKeys  = "2026-08-14_release_closed_open_keys"
	migrationBackfillCloseDurations = "2026-09-02_backfill_close_durations"
)

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
		{name: migrationReleaseClosedOpenKeys, apply: releaseClosedOpenKeys},
		{name: migrationBackfillCloseDurations, apply: backfillCloseDurations},
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
		err = db.Transaction(func(transaction *gorm.DB) error {
			if err := migration.apply(transaction); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return transaction.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// releaseClosedOpenKeys clears the open-session key on closed rows so a new session can open.
func releaseClosedOpenKeys(db *gorm.DB) error {
	return db.Model(&exercise.Session{}).
		Where("completed_at_ms IS NOT NULL AND open_key IS NOT NULL").
		Update("open_key", nil).Error
}

// backfillCloseDurations derives duration_ms for closed rows written before it was stored.
// Countdowns are capped at their deadline.
func backfillCloseDurations(db *gorm.DB) error {
	return db.Model(&exercise.Session{}).
		Where("completed_at_ms IS NOT NULL AND duration_ms IS NULL").
		Update("duration_ms", gorm.Expr("MAX(0, MIN(completed_at_ms, COALESCE(deadline_ms, completed_at_ms)) - started_at_ms)")).Error
}
