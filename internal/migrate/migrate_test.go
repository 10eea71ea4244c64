package migrate_test

import (
	"testing"

	"curbkey/internal/db"
	"curbkey/internal/migrate"
)

func TestMigrateFreshDatabase(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	v, err := migrate.Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 3 {
		t.Fatalf("schema version = %d, want 3", v)
	}
	// every migration column lands exactly once
	rows, err := conn.Query(`SELECT delivered_by, delivered_at FROM requests LIMIT 1`)
	if err != nil {
		t.Fatalf("query requests: %v", err)
	}
	rows.Close()

	// a second run is a no-op
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("repeat migrate: %v", err)
	}
}
