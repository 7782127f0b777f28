package database

import (
	"errors"
	"time"

	"github.com/cyclelink/backend/internal/chat"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillMemberJoinedAt = "2026-07-20_backfill_member_joined_at"

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
		{name: migrationBackfillMemberJoinedAt, apply: backfillMemberJoinedAt},
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

// Member rows imported from the legacy backend carried no join timestamp.
func backfillMemberJoinedAt(db *gorm.DB) error {
	return db.Model(&chat.ConversationMember{}).
		Where("joined_at_s <= 0").
		Update("joined_at_s", time.Now().UTC().Unix()).Error
}
