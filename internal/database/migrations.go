package database

import (
	"errors"
	"time"

	"github.com/jemzy/jemzy-views/internal/jemzyapi"
	"github.com/jemzy/jemzy-views/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillFailureKinds = "2026-10-02_backfill_failure_kinds"
	migrationDropEmptySnapshots   = "2026-10-09_drop_empty_query_snapshots"
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
		{name: migrationBackfillFailureKinds, apply: backfillFailureKinds},
		{name: migrationDropEmptySnapshots, apply: dropEmptyQuerySnapshots},
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
		if err := db.Transaction(migration.apply); err != nil {
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

// Failed mutations without a failure kind are classified from their status code:
// a recorded upstream status means a status failure, no status means transport.
func backfillFailureKinds(db *gorm.DB) error {
	failedWithoutKind := db.Model(&store.MutationRecord{}).
		Where("outcome = ? AND failure_kind = ''", store.OutcomeFailed)
	if err := failedWithoutKind.Session(&gorm.Session{}).
		Where("status_code > 0").
		Update("failure_kind", string(jemzyapi.KindStatus)).Error; err != nil {
		return err
	}
	return failedWithoutKind.Session(&gorm.Session{}).
		Where("status_code = 0").
		Update("failure_kind", string(jemzyapi.KindTransport)).Error
}

func dropEmptyQuerySnapshots(db *gorm.DB) error {
	return db.Where("payload_json = '' OR payload_json = 'null'").Delete(&store.QuerySnapshot{}).Error
}
