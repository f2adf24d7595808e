package sqlite_test

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/BrandonDHaskell/keycabinet/internal/db"
)

// openTestDB returns an in-memory SQLite connection with the production
// PRAGMAs and schema. It is closed when the test finishes.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// Shared cache keeps the in-memory database alive across pool reconnects.
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf(
		"file:test_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
		name,
	)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("openTestDB: sql.Open: %v", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: ping: %v", err)
	}
	if err := db.Migrate(context.Background(), conn); err != nil {
		conn.Close()
		t.Fatalf("openTestDB: migrate: %v", err)
	}

	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestWriter(t *testing.T, conn *sql.DB) *db.Worker {
	t.Helper()

	w := db.NewWorker(conn)
	t.Cleanup(func() { w.Close() })
	return w
}

func seedKey(t *testing.T, conn *sql.DB, id int64, name string, strip, slot int) {
	t.Helper()
	_, err := conn.Exec(`
INSERT INTO cabinet_keys(key_id, name, home_strip, home_slot, updated_at_ms)
VALUES (?, ?, ?, ?, 0);`, id, name, strip, slot)
	if err != nil {
		t.Fatalf("seedKey %s: %v", name, err)
	}
}

func seedUser(t *testing.T, conn *sql.DB, id int64, name, pinHash, card string) {
	t.Helper()
	var pin, c any
	if pinHash != "" {
		pin = pinHash
	}
	if card != "" {
		c = card
	}
	_, err := conn.Exec(`
INSERT INTO users(user_id, name, pin_hash, card_id, active, created_at_ms)
VALUES (?, ?, ?, ?, 1, 0);`, id, name, pin, c)
	if err != nil {
		t.Fatalf("seedUser %s: %v", name, err)
	}
}
