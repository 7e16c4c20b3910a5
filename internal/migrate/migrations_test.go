package migrate_test

import (
	"testing"

	"riverops/internal/db"
	"riverops/internal/migrate"
)

func TestMigrateFreshDatabase(t *testing.T) {
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	version, err := migrate.AppliedVersion(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if version != 1 {
		t.Fatalf("applied version = %d", version)
	}
	// The applied step is on record with its source filename.
	var name string
	if err := conn.QueryRow(`SELECT name FROM schema_version WHERE version=1`).Scan(&name); err != nil {
		t.Fatalf("record: %v", err)
	}
	if name != "0001_init.sql" {
		t.Fatalf("recorded name = %s", name)
	}
	// And the schema it creates is usable.
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM workorders`).Scan(&n); err != nil {
		t.Fatalf("workorders table: %v", err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO workorders(id,title,description,workflow_kind,status,priority,area_id,version,created_at,updated_at)
		VALUES ('wo-1','silted channel','','manual','pending_dispatch','normal','area-1',0,'2026-01-01T00:00:00Z','2026-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second run: %v", err)
	}
	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM workorders`).Scan(&n); err != nil || n != 1 {
		t.Fatalf("rerun touched data: n=%d err=%v", n, err)
	}
	var rows int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&rows); err != nil || rows != 1 {
		t.Fatalf("schema_version rows=%d err=%v", rows, err)
	}
}
