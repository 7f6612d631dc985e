package db

import (
	"os"
	"path/filepath"
	"testing"
)

func writeMigration(t *testing.T, dir, name, sql string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(sql), 0o644); err != nil {
		t.Fatalf("write migration %s: %v", name, err)
	}
}

func TestLoadMigrations_SortsByVersion(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "010_webhooks.sql", "CREATE TABLE webhook_subscription ();")
	writeMigration(t, dir, "001_sync_jobs.sql", "CREATE TABLE sync_job ();")
	writeMigration(t, dir, "002_records.sql", "CREATE TABLE canonical_record ();")

	m := NewMigrator(nil, dir)
	migrations, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}

	wantVersions := []int{1, 2, 10}
	for i, want := range wantVersions {
		if migrations[i].Version != want {
			t.Errorf("migration %d: expected version %d, got %d", i, want, migrations[i].Version)
		}
	}
	if migrations[0].Name != "001_sync_jobs.sql" {
		t.Errorf("expected first migration 001_sync_jobs.sql, got %s", migrations[0].Name)
	}
}

func TestLoadMigrations_SkipsNonNumericAndNonSQL(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "001_sync_jobs.sql", "CREATE TABLE sync_job ();")
	writeMigration(t, dir, "README.md", "not a migration")
	writeMigration(t, dir, "notes_draft.sql", "-- draft")
	writeMigration(t, dir, "seed.sql", "-- no version prefix")

	m := NewMigrator(nil, dir)
	migrations, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migrations) != 1 {
		t.Fatalf("expected 1 migration, got %d", len(migrations))
	}
}

func TestLoadMigrations_MissingDir(t *testing.T) {
	m := NewMigrator(nil, "/nonexistent/migrations")
	if _, err := m.LoadMigrations(); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestLoadMigrations_ReadsSQLContent(t *testing.T) {
	dir := t.TempDir()
	const sql = "CREATE TABLE conflict_record (id UUID PRIMARY KEY);"
	writeMigration(t, dir, "003_conflicts.sql", sql)

	m := NewMigrator(nil, dir)
	migrations, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if migrations[0].SQL != sql {
		t.Errorf("expected SQL content %q, got %q", sql, migrations[0].SQL)
	}
}
