package migrate_test

import (
	"database/sql"
	"testing"

	"caseflow/internal/db"
	"caseflow/internal/migrate"
)

func openBare(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestVersionIsZeroBeforeMigrate(t *testing.T) {
	conn := openBare(t)
	v, err := migrate.Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 0 {
		t.Fatalf("fresh database version = %d, want 0", v)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn := openBare(t)
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v, err := migrate.Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 1 {
		t.Fatalf("version = %d, want 1", v)
	}
	// the schema is actually in place
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM strategies`).Scan(&n); err != nil {
		t.Fatalf("strategies table missing: %v", err)
	}
}
