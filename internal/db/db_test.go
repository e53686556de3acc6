package db

import (
	"context"
	"os"
	"strings"
	"testing"
)

func TestOpenConfiguresSQLite(t *testing.T) {
	workspace := t.TempDir()
	conn, err := Open(Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()

	var mode string
	if err := conn.QueryRowContext(ctx, `PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if !strings.EqualFold(mode, "wal") {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}
	var fk int
	if err := conn.QueryRowContext(ctx, `PRAGMA foreign_keys`).Scan(&fk); err != nil {
		t.Fatalf("foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Fatalf("foreign_keys = %d, want 1", fk)
	}
	var busy int
	if err := conn.QueryRowContext(ctx, `PRAGMA busy_timeout`).Scan(&busy); err != nil {
		t.Fatalf("busy_timeout: %v", err)
	}
	if busy != 10000 {
		t.Fatalf("busy_timeout = %d, want 10000", busy)
	}
	if _, err := os.Stat(Path(workspace)); err != nil {
		t.Fatalf("database file: %v", err)
	}
}

func TestImmediateTransactionsHoldTheWriteLock(t *testing.T) {
	workspace := t.TempDir()
	first, err := Open(Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer first.Close()
	if _, err := first.Exec(`CREATE TABLE t(v INTEGER)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := Open(Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	defer second.Close()
	if _, err := second.Exec(`PRAGMA busy_timeout = 50`); err != nil {
		t.Fatalf("busy_timeout: %v", err)
	}
	second.SetMaxOpenConns(1)

	tx, err := first.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	// BEGIN on another connection asks for the same write lock.
	other, err := second.Begin()
	if err == nil {
		other.Rollback()
		t.Fatalf("second immediate transaction began while the first held the write lock")
	}
}
