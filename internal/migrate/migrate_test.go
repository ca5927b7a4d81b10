package migrate_test

import (
	"testing"

	"civimend/internal/db"
	"civimend/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	// a second pass must skip every already-applied migration
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second pass: %v", err)
	}

	var applied int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatalf("read schema_migrations: %v", err)
	}
	if applied < 1 {
		t.Fatalf("expected at least one recorded migration, got %d", applied)
	}
	var rerun int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations GROUP BY version HAVING COUNT(*) > 1`).Scan(&rerun); err == nil {
		t.Fatalf("migration recorded more than once: %d", rerun)
	}

	// the schema is usable afterwards
	if _, err := conn.Exec(`SELECT id FROM grievances LIMIT 1`); err != nil {
		t.Fatalf("grievances table missing: %v", err)
	}
}
