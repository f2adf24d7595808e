package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dbpkg "github.com/BrandonDHaskell/keycabinet/internal/db"
)

// PromptedKeyStore persists the set of keys with a raised overdue alarm so
// a restart does not re-raise them.
type PromptedKeyStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewPromptedKeyStore(db *sql.DB, writer *dbpkg.Worker) *PromptedKeyStore {
	return &PromptedKeyStore{db: db, writer: writer}
}

func (s *PromptedKeyStore) LoadPrompted(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key_name FROM prompted_keys ORDER BY key_name;`)
	if err != nil {
		return nil, fmt.Errorf("LoadPrompted: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("LoadPrompted scan: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PromptedKeyStore) AddPrompted(ctx context.Context, name string) error {
	nowMs := time.Now().UTC().UnixMilli()
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO prompted_keys(key_name, prompted_at_ms) VALUES (?, ?);`,
			name, nowMs); err != nil {
			return fmt.Errorf("AddPrompted: %w", err)
		}
		return nil
	})
}

func (s *PromptedKeyStore) RemovePrompted(ctx context.Context, name string) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM prompted_keys WHERE key_name = ?;`, name); err != nil {
			return fmt.Errorf("RemovePrompted: %w", err)
		}
		return nil
	})
}

func (s *PromptedKeyStore) ClearPrompted(ctx context.Context) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM prompted_keys;`); err != nil {
			return fmt.Errorf("ClearPrompted: %w", err)
		}
		return nil
	})
}
