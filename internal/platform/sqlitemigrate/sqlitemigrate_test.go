package sqlitemigrate

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "migrate.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func countMigrations(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	return n
}

func TestApply_RunsOnce(t *testing.T) {
	t.Parallel()
	db := openDB(t)
	migrations := fstest.MapFS{
		"001_items.sql": &fstest.MapFile{Data: []byte("-- +migrate Up\nCREATE TABLE items(id TEXT PRIMARY KEY);\n-- +migrate Down\nDROP TABLE items;")},
	}
	for i := 0; i < 2; i++ {
		if err := Apply(context.Background(), db, migrations, ""); err != nil {
			t.Fatalf("Apply() run %d err=%v", i, err)
		}
	}
	if n := countMigrations(t, db); n != 1 {
		t.Fatalf("migrations=%d, want 1", n)
	}
	if _, err := db.Exec("INSERT INTO items(id) VALUES ('a')"); err != nil {
		t.Fatalf("items table missing: %v", err)
	}
}

func TestApply_FailedMigrationNotRecorded(t *testing.T) {
	t.Parallel()
	db := openDB(t)
	bad := fstest.MapFS{"001_bad.sql": &fstest.MapFile{Data: []byte("-- +migrate Up\nCREAT TABLE x(id INT);")}}
	if err := Apply(context.Background(), db, bad, ""); err == nil {
		t.Fatalf("expected error")
	}
	if n := countMigrations(t, db); n != 0 {
		t.Fatalf("migrations=%d, want 0", n)
	}
}

func TestUpSection(t *testing.T) {
	got := UpSection("-- +migrate Up\nA;\n-- +migrate Down\nB;")
	if got != "\nA;\n" {
		t.Fatalf("UpSection()=%q", got)
	}
	if got := UpSection("C;"); got != "C;" {
		t.Fatalf("UpSection()=%q", got)
	}
}
