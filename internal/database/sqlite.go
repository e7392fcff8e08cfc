package database

import (
	"fmt"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/bitdrop/internal/claims"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/drops"
)

const orphanedAttemptFailure = "signing attempt interrupted by restart"

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(schemaModels()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, registeredMigrations, logger); err != nil {
		return nil, err
	}

	orphaned, err := failOrphanedAttempts(db, time.Now().UTC())
	if err != nil && logger != nil {
		logger.Warn("orphaned attempt cleanup failed", zap.Error(err))
	}
	if orphaned > 0 && logger != nil {
		logger.Warn("failed orphaned signing attempts", zap.Int64("count", orphaned))
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

func schemaModels() []any {
	models := drops.Models()
	return append(models, &claims.AttemptRecord{}, &migrationRecord{})
}

// failOrphanedAttempts marks attempts left in the requested state by a previous
// process as failed; their continuations no longer exist.
func failOrphanedAttempts(db *gorm.DB, now time.Time) (int64, error) {
	result := db.Model(&claims.AttemptRecord{}).
		Where("state = ?", claims.StateRequested).
		Updates(map[string]any{
			"state":        claims.StateFailed,
			"failure":      orphanedAttemptFailure,
			"updated_at_s": now.Unix(),
		})
	return result.RowsAffected, result.Error
}
