package database

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/bitdrop/internal/claims"
	"github.com/MarcoPoloResearchLab/bitdrop/internal/drops"
)

func openTestDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.AutoMigrate(schemaModels()...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func insertDrop(testContext *testing.T, database *gorm.DB, hash, payload string) {
	testContext.Helper()
	if err := database.Create(&drops.Drop{
		Hash:             hash,
		CampaignID:       1,
		FunderAddress:    "mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn",
		FunderPublicKey:  "02aa",
		Path:             "path",
		AuxPayloadHex:    payload,
		CreatedAtSeconds: 1,
	}).Error; err != nil {
		testContext.Fatalf("failed to insert drop: %v", err)
	}
}

func storedPayload(testContext *testing.T, database *gorm.DB, hash string) string {
	testContext.Helper()
	var stored drops.Drop
	if err := database.Where("hash = ?", hash).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload drop: %v", err)
	}
	return stored.AuxPayloadHex
}

func lowercasePayloads(db *gorm.DB) error {
	return db.Model(&drops.Drop{}).
		Where("aux_payload_hex <> lower(aux_payload_hex)").
		Update("aux_payload_hex", gorm.Expr("lower(aux_payload_hex)")).Error
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database := openTestDatabase(testContext)
	migrations := []migrationDefinition{{name: "lowercase_payloads", apply: lowercasePayloads}}

	insertDrop(testContext, database, "before", "DEADBEEF")
	if err := applyMigrations(database, migrations, zap.NewNop()); err != nil {
		testContext.Fatalf("first run failed: %v", err)
	}
	if payload := storedPayload(testContext, database, "before"); payload != "deadbeef" {
		testContext.Fatalf("expected migration to rewrite payload, got %q", payload)
	}

	var record migrationRecord
	if err := database.Where("name = ?", "lowercase_payloads").Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	insertDrop(testContext, database, "after", "ABCD")
	if err := applyMigrations(database, migrations, zap.NewNop()); err != nil {
		testContext.Fatalf("second run failed: %v", err)
	}
	if payload := storedPayload(testContext, database, "after"); payload != "ABCD" {
		testContext.Fatalf("applied migration must not rerun, got %q", payload)
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migrations: %v", err)
	}
	if count != 1 {
		testContext.Fatalf("expected 1 migration record, got %d", count)
	}
}

func TestApplyMigrationsStopsAtFailure(testContext *testing.T) {
	database := openTestDatabase(testContext)
	applied := []string{}
	migrations := []migrationDefinition{
		{name: "first", apply: func(*gorm.DB) error { applied = append(applied, "first"); return nil }},
		{name: "broken", apply: func(*gorm.DB) error { return errors.New("no such column") }},
		{name: "third", apply: func(*gorm.DB) error { applied = append(applied, "third"); return nil }},
	}

	if err := applyMigrations(database, migrations, zap.NewNop()); err == nil {
		testContext.Fatalf("expected migration failure")
	}
	if len(applied) != 1 || applied[0] != "first" {
		testContext.Fatalf("expected only the first migration to run, got %v", applied)
	}

	var names []string
	if err := database.Model(&migrationRecord{}).Order("name").Pluck("name", &names).Error; err != nil {
		testContext.Fatalf("failed to list migrations: %v", err)
	}
	if len(names) != 1 || names[0] != "first" {
		testContext.Fatalf("failed migration must not be recorded, got %v", names)
	}
}

func TestFailOrphanedAttempts(testContext *testing.T) {
	database := openTestDatabase(testContext)

	records := []claims.AttemptRecord{
		{AttemptID: "pending", DropHash: "drop-a", DigestHex: "00", State: claims.StateRequested, RequestedAtSeconds: 1, UpdatedAtSeconds: 1},
		{AttemptID: "done", DropHash: "drop-b", DigestHex: "00", State: claims.StateFinalized, SignedTxHex: "01", RequestedAtSeconds: 1, UpdatedAtSeconds: 2},
	}
	for _, record := range records {
		if err := database.Create(&record).Error; err != nil {
			testContext.Fatalf("failed to insert attempt: %v", err)
		}
	}

	now := time.Unix(1_800_000_000, 0).UTC()
	affected, err := failOrphanedAttempts(database, now)
	if err != nil {
		testContext.Fatalf("cleanup failed: %v", err)
	}
	if affected != 1 {
		testContext.Fatalf("expected one orphaned attempt, got %d", affected)
	}

	var pending claims.AttemptRecord
	if err := database.Where("attempt_id = ?", "pending").Take(&pending).Error; err != nil {
		testContext.Fatalf("failed to reload attempt: %v", err)
	}
	if pending.State != claims.StateFailed || pending.Failure != orphanedAttemptFailure || pending.UpdatedAtSeconds != now.Unix() {
		testContext.Fatalf("unexpected orphaned attempt %+v", pending)
	}

	var done claims.AttemptRecord
	if err := database.Where("attempt_id = ?", "done").Take(&done).Error; err != nil {
		testContext.Fatalf("failed to reload attempt: %v", err)
	}
	if done.State != claims.StateFinalized {
		testContext.Fatalf("finalized attempt must be untouched, got %s", done.State)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "bitdrop.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	for _, table := range []string{"campaigns", "drops", "claim_keys", "claim_attempts", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}

	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
