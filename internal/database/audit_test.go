package database

import (
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB creates an in-memory SQLite database for testing.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := db.AutoMigrate(&AuditEvent{}, &Setting{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	return db
}

func TestAuditRecordAndQuery(t *testing.T) {
	a := NewAuditor(setupTestDB(t), 0)

	a.Record("alice", EventCommandValidated, "ls -la", "allowed", "")
	a.Record("alice", EventCommandValidated, "rm -rf /", "denied", "dangerous pattern")
	a.Record("bob", EventWorkspaceCreated, "workspace-bob", "", "")

	events, err := a.Query(QueryOptions{OwnerID: "alice"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for alice, got %d", len(events))
	}

	events, err = a.Query(QueryOptions{EventType: EventWorkspaceCreated})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 || events[0].OwnerID != "bob" {
		t.Errorf("expected bob's workspace event, got %+v", events)
	}
}

func TestAuditPurgeExpired(t *testing.T) {
	db := setupTestDB(t)
	a := NewAuditor(db, 30)

	old := AuditEvent{OwnerID: "alice", EventType: EventSessionClosed}
	if err := db.Create(&old).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	db.Model(&old).Update("created_at", time.Now().AddDate(0, 0, -60))

	a.Record("alice", EventSessionOpened, "s1", "", "")

	n, err := a.PurgeExpired()
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged row, got %d", n)
	}

	events, _ := a.Query(QueryOptions{OwnerID: "alice"})
	if len(events) != 1 || events[0].EventType != EventSessionOpened {
		t.Errorf("expected only the fresh event to remain, got %+v", events)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	DB = setupTestDB(t)
	defer func() { DB = nil }()

	if err := SetSetting("auth_key", "k1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := SetSetting("auth_key", "k2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, err := GetSetting("auth_key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != "k2" {
		t.Errorf("expected k2, got %s", v)
	}
}
