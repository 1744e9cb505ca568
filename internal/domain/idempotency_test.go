package domain

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestIdempotency_TableName(t *testing.T) {
	if got := (Idempotency{}).TableName(); got != "idempotency" {
		t.Fatalf("TableName() = %q; want idempotency", got)
	}
}

func TestIdempotency_MigrateInsertAndUniqueScope(t *testing.T) {
	db := newTestDB(t)
	if err := db.AutoMigrate(&Idempotency{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !db.Migrator().HasIndex(&Idempotency{}, "ux_user_scope_key") {
		t.Fatalf("expected unique index ux_user_scope_key")
	}

	now := time.Now().UTC()
	rec := Idempotency{
		ID:         "i1",
		UserID:     "u1",
		Scope:      "/api/edit",
		Key:        "k1",
		StatusCode: 200,
		Response:   datatypes.JSON(`{"message":"ok"}`),
		ExpiresAt:  now.Add(time.Hour),
	}
	if err := db.Create(&rec).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}

	dup := rec
	dup.ID = "i2"
	if err := db.Create(&dup).Error; err == nil {
		t.Fatalf("expected unique violation for same (user, scope, key)")
	}

	other := rec
	other.ID = "i3"
	other.Scope = "/api/generate/generate-image"
	if err := db.Create(&other).Error; err != nil {
		t.Fatalf("different scope should insert: %v", err)
	}

	var got Idempotency
	if err := db.First(&got, "id = ?", "i1").Error; err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got.Response) != `{"message":"ok"}` {
		t.Fatalf("response = %s", got.Response)
	}
}
