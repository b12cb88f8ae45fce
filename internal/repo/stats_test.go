package repo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm/logger"
)

func TestLoadStats_EmptyAndPopulated(t *testing.T) {
	db := newRepoDB(t)
	ctx := context.Background()

	s, err := LoadStats(ctx, db)
	if err != nil {
		t.Fatalf("LoadStats: %v", err)
	}
	if s != (Stats{}) {
		t.Fatalf("expected zero stats, got %+v", s)
	}

	now := time.Now().UTC()
	if err := CreateLink(ctx, db, sampleLink("s1")); err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	if _, err := AppendStagingItem(ctx, db, 1, 1, now); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := AppendStagingItem(ctx, db, 1, 2, now); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := UpsertDeletion(ctx, db, 1, 1, now.Add(time.Hour), now); err != nil {
		t.Fatalf("UpsertDeletion: %v", err)
	}

	s, err = LoadStats(ctx, db)
	if err != nil {
		t.Fatalf("LoadStats: %v", err)
	}
	want := Stats{Links: 1, StagingEntries: 1, StagedItems: 2, DeletionsScheduled: 1}
	if s != want {
		t.Fatalf("stats = %+v; want %+v", s, want)
	}
}

func TestLoadStats_NoTables(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "empty.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	db.Logger = logger.Default.LogMode(logger.Silent)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if _, err := LoadStats(context.Background(), db); err == nil {
		t.Fatalf("expected error without migrations")
	}
}
