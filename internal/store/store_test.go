package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenSQLite_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpenSQLite_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := OpenSQLite(path)
		if err != nil {
			t.Fatalf("OpenSQLite() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("final OpenSQLite() failed: %v", err)
	}
	defer s.Close()

	tables := []string{
		"consensus_2pc_context",
		"consensus_2pc_context_participant",
		"consensus_2pc_event",
		"consensus_2pc_action",
		"consensus_2pc_commit_history",
		"consensus_2pc_alarm",
		"consensus_2pc_supervisor_notification",
		"consensus_2pc_batch",
	}
	for _, table := range tables {
		var name string
		err := s.pool.Read(func(db *sql.DB) error {
			return db.QueryRow(
				"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
				table,
			).Scan(&name)
		})
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpenSQLite_InvalidPath(t *testing.T) {
	_, err := OpenSQLite("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestClose_MultipleCalls(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Errorf("first Close() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}

func TestClosedStore_ReturnsInternal(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	s.Close()

	_, err = s.ListServices(context.Background())
	if err == nil {
		t.Fatal("expected error after Close, got nil")
	}
	if IsNotFound(err) || IsConstraintViolation(err) {
		t.Errorf("expected internal error, got %v", err)
	}
}

// verifyPragma checks a pragma on the store's single connection.
func verifyPragma(s *SQLStore, name, want string) error {
	var got string
	err := s.pool.Read(func(db *sql.DB) error {
		return db.QueryRow("PRAGMA " + name).Scan(&got)
	})
	if err != nil {
		return fmt.Errorf("query %s: %w", name, err)
	}
	if got != want {
		return fmt.Errorf("%s = %q, want %q", name, got, want)
	}
	return nil
}

func TestPragmas(t *testing.T) {
	s := createSQLiteStore(t)

	tests := []struct {
		name string
		want string
	}{
		{"journal_mode", "wal"},
		{"synchronous", "1"},
		{"busy_timeout", "5000"},
		{"foreign_keys", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := verifyPragma(s, tt.name, tt.want); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestMigration_SchemaVersion(t *testing.T) {
	s := createSQLiteStore(t)

	if err := verifyPragma(s, "user_version", fmt.Sprint(currentSchemaVersion)); err != nil {
		t.Error(err)
	}
}

func TestMigration_UpgradeFromV0(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	// Pre-migration database: schema only, user_version 0.
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := applySchema(db, SQLiteDialect); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}
	if _, err := db.Exec("PRAGMA user_version = 0"); err != nil {
		t.Fatalf("failed to set user_version: %v", err)
	}
	db.Close()

	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	defer s.Close()

	if err := verifyPragma(s, "user_version", fmt.Sprint(currentSchemaVersion)); err != nil {
		t.Error(err)
	}

	var name string
	err = s.pool.Read(func(db *sql.DB) error {
		return db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='index' AND name=?",
			"idx_consensus_2pc_notification_pending",
		).Scan(&name)
	})
	if err != nil {
		t.Errorf("notification index missing after upgrade: %v", err)
	}
}

func TestSQLStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	c := testContext(svcA, 1)
	if err := s1.Execute(ctx, PersistContext(c)); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	s1.Close()

	s2, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetCurrentContext(ctx, svcA)
	if err != nil {
		t.Fatalf("GetCurrentContext() failed: %v", err)
	}
	if !got.Equal(c) {
		t.Errorf("context after reopen = %+v, want %+v", got, c)
	}
}

func TestOpen_Drivers(t *testing.T) {
	ctx := context.Background()

	mem, err := Open(ctx, Options{Driver: DriverMemory})
	if err != nil {
		t.Fatalf("Open(memory) failed: %v", err)
	}
	if _, ok := mem.(*MemoryStore); !ok {
		t.Errorf("Open(memory) = %T, want *MemoryStore", mem)
	}

	lite, err := Open(ctx, Options{Driver: DriverSQLite, DSN: filepath.Join(t.TempDir(), "x.db")})
	if err != nil {
		t.Fatalf("Open(sqlite) failed: %v", err)
	}
	defer lite.Close()
	if _, ok := lite.(*SQLStore); !ok {
		t.Errorf("Open(sqlite) = %T, want *SQLStore", lite)
	}

	if _, err := Open(ctx, Options{Driver: DriverSQLite}); err == nil {
		t.Error("expected error for sqlite without dsn")
	}
	if _, err := Open(ctx, Options{Driver: "oracle"}); err == nil {
		t.Error("expected error for unknown driver")
	}
}
