package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/someday/internal/notes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillRootThreadIDs = "2026-10-01_backfill_root_thread_ids"
	migrationStripProviderPrefix   = "2026-10-02_strip_provider_prefix"

	legacyProviderPrefix = "google:"
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

func migrationDefinitions() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationBackfillRootThreadIDs, apply: backfillRootThreadIDs},
		{name: migrationStripProviderPrefix, apply: stripProviderPrefix},
	}
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range migrationDefinitions() {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		}); err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// Roots written with thread_id equal to their own id are normalized to the empty marker.
func backfillRootThreadIDs(db *gorm.DB) error {
	return db.Model(&notes.Note{}).
		Where("thread_id = id").
		Update("thread_id", "").Error
}

type userColumn struct {
	table  string
	column string
	// peers are the remaining primary key columns; a prefixed row whose stripped key already
	// exists is dropped in favour of the canonical row.
	peers []string
	keyed bool
}

var userColumns = []userColumn{
	{table: "notes", column: "user_id"},
	{table: "comments", column: "user_id"},
	{table: "profiles", column: "id", keyed: true},
	{table: "follows", column: "follower_id", peers: []string{"followed_id"}, keyed: true},
	{table: "follows", column: "followed_id", peers: []string{"follower_id"}, keyed: true},
	{table: "cheers", column: "user_id", peers: []string{"note_id"}, keyed: true},
}

// stripProviderPrefix rewrites legacy provider-qualified user ids to canonical ids on every
// user-keyed column.
func stripProviderPrefix(db *gorm.DB) error {
	start := len(legacyProviderPrefix) + 1
	pattern := legacyProviderPrefix + "%"
	for _, target := range userColumns {
		if target.keyed {
			match := "canonical." + target.column + " = substr(" + target.table + "." + target.column + ", ?)"
			for _, peer := range target.peers {
				match += " AND canonical." + peer + " = " + target.table + "." + peer
			}
			if err := db.Exec(
				"DELETE FROM "+target.table+" WHERE "+target.column+" LIKE ? AND EXISTS "+
					"(SELECT 1 FROM "+target.table+" AS canonical WHERE "+match+")",
				pattern, start,
			).Error; err != nil {
				return err
			}
		}
		if err := db.Exec(
			"UPDATE "+target.table+" SET "+target.column+" = substr("+target.column+", ?) WHERE "+target.column+" LIKE ?",
			start, pattern,
		).Error; err != nil {
			return err
		}
	}
	return db.Exec("DELETE FROM follows WHERE follower_id = followed_id").Error
}
