package database

import (
	"path/filepath"
	"testing"

	"github.com/cyclelink/backend/internal/chat"
)

func TestOpenSQLiteMigratesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	db, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	for _, table := range []string{"chat_messages", "chat_conversation_members", "user_identities", "db_migrations"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %s to exist", table)
		}
	}

	var count int64
	if err := db.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 recorded migration, got %d", count)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	db, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unexpected handle error: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	reopened, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("unexpected reopen error: %v", err)
	}
	var count int64
	if err := reopened.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected migrations to apply once, got %d records", count)
	}
}

func TestBackfillMemberJoinedAt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	db, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	legacy := chat.ConversationMember{
		ConversationID: "dm:alice:bob",
		UserID:         "alice",
	}
	if err := db.Create(&legacy).Error; err != nil {
		t.Fatalf("unexpected insert error: %v", err)
	}
	if err := backfillMemberJoinedAt(db); err != nil {
		t.Fatalf("unexpected backfill error: %v", err)
	}

	var row chat.ConversationMember
	if err := db.Where("conversation_id = ? AND user_id = ?", "dm:alice:bob", "alice").Take(&row).Error; err != nil {
		t.Fatalf("unexpected select error: %v", err)
	}
	if row.JoinedAtSeconds <= 0 {
		t.Fatalf("expected joined_at_s to be backfilled, got %d", row.JoinedAtSeconds)
	}
}
