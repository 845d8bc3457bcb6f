package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenSQLite_Memory(t *testing.T) {
	ctx := context.Background()

	db, err := OpenSQLite(ctx, ":memory:")
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `CREATE TABLE t (v INTEGER)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO t (v) VALUES (1)`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// A second connection to :memory: would not see the table.
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM t`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 row, got %d", n)
	}
}

func TestOpenSQLite_File(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memory.db")

	db, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	defer db.Close()

	var fk int
	if err := db.QueryRowContext(ctx, `PRAGMA foreign_keys`).Scan(&fk); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if fk != 1 {
		t.Errorf("expected foreign keys enabled, got %d", fk)
	}
}

func TestFormatTime_SortsLexically(t *testing.T) {
	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	earlier := FormatTime(base)
	later := FormatTime(base.Add(100 * time.Millisecond))
	if earlier >= later {
		t.Errorf("expected %q < %q", earlier, later)
	}

	got, err := ParseTime(later)
	if err != nil {
		t.Fatalf("ParseTime failed: %v", err)
	}
	if !got.Equal(base.Add(100 * time.Millisecond)) {
		t.Errorf("round trip mismatch: %v", got)
	}
	if _, err := ParseTime("2025-01-02T03:04:05+02:00"); err != nil {
		t.Errorf("expected RFC 3339 fallback, got %v", err)
	}
	if _, err := ParseTime("yesterday"); err == nil {
		t.Error("expected an error for a malformed timestamp")
	}
}
