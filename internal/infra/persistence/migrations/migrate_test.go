package migrations

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	dbmigrations "github.com/mzlad1/mirabeauty-sub001/db/migrations"
)

func TestResolveDirSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db", "migrations")
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("mkdir temp migrations: %v", err)
	}

	resolved, err := resolveDir(path)
	if err != nil {
		t.Fatalf("resolveDir returned error: %v", err)
	}
	if !filepath.IsAbs(resolved) {
		t.Fatalf("expected absolute path, got %s", resolved)
	}
}

func TestResolveDirMissing(t *testing.T) {
	_, err := resolveDir(filepath.Join(t.TempDir(), "missing"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestResolveDirFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(path, []byte("data"), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if _, err := resolveDir(path); !errors.Is(err, errNotDirectory) {
		t.Fatalf("expected errNotDirectory, got %v", err)
	}
}

func TestFileURL(t *testing.T) {
	for _, path := range []string{"/tmp/migrations", "C:/tmp/migrations"} {
		got := fileURL(path)
		if !strings.HasPrefix(got, "file:///") {
			t.Fatalf("expected file:/// prefix for %s, got %s", path, got)
		}
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(dbmigrations.Files, ".")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	ups, downs := 0, 0
	for _, entry := range entries {
		switch {
		case strings.HasSuffix(entry.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(entry.Name(), ".down.sql"):
			downs++
		}
	}
	if ups == 0 || ups != downs {
		t.Fatalf("expected paired up/down migrations, got up=%d down=%d", ups, downs)
	}
}

func TestEmbeddedSourceOpens(t *testing.T) {
	src, label, err := openSource("")
	if err != nil {
		t.Fatalf("open embedded source: %v", err)
	}
	defer src.Close()
	if label != embeddedLabel {
		t.Fatalf("expected embedded label, got %s", label)
	}
	if _, err := src.First(); err != nil {
		t.Fatalf("expected a first migration: %v", err)
	}
}

func TestApplyValidatesPathBeforeConnecting(t *testing.T) {
	err := Apply(context.Background(), "postgresql://invalid", "does-not-exist", nil)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected missing directory error, got %v", err)
	}
}

func TestRollbackValidatesSteps(t *testing.T) {
	if err := Rollback(context.Background(), "postgresql://invalid", "", 0, nil); err == nil {
		t.Fatal("expected error for non-positive steps")
	}
}

func TestRollbackValidatesPathBeforeConnecting(t *testing.T) {
	err := Rollback(context.Background(), "postgresql://invalid", "still-missing", 1, nil)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected missing directory error, got %v", err)
	}
}
