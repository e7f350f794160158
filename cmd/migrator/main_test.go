package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/lalithlochan/campus/internal/config"
)

func TestMigrationFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_b.up.sql", "001_a.up.sql", "001_a.down.sql", "notes.md"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("--"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "003_dir.up.sql"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := migrationFiles(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"001_a.up.sql", "002_b.up.sql"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestMigrationFilesMissingDir(t *testing.T) {
	if _, err := migrationFiles(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing dir")
	}
}

func TestDatabaseURL(t *testing.T) {
	cfg := &config.Config{DBHost: "pg", DBPort: 5433, DBUser: "u", DBPassword: "p", DBName: "campus", DBSSLMode: "disable"}

	t.Setenv("DATABASE_URL", "")
	if got := databaseURL(cfg); got != "host=pg port=5433 user=u password=p dbname=campus sslmode=disable" {
		t.Errorf("expected DSN from DB_* settings, got %q", got)
	}

	t.Setenv("DATABASE_URL", "postgres://override")
	if got := databaseURL(cfg); got != "postgres://override" {
		t.Errorf("expected DATABASE_URL to win, got %q", got)
	}
}
