package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/store"
	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/types"
	dbpkg "github.com/BrandonDHaskell/keycabinet/internal/db"
)

// KeyStore implements store.KeyStore and store.PegStore.
type KeyStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
	now    func() time.Time
}

func NewKeyStore(db *sql.DB, writer *dbpkg.Worker) *KeyStore {
	return &KeyStore{db: db, writer: writer, now: time.Now}
}

const keyColumns = `key_id, name, home_strip, home_slot, current_strip, current_slot,
  peg_id, status, taken_by_user_id, taken_at_ms, timeout_minutes, alarm_ack_at_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(r rowScanner) (types.Key, error) {
	var (
		k                 types.Key
		curStrip, curSlot sql.NullInt64
		pegID             int64
		status            string
		takenBy           sql.NullInt64
		takenAt, alarmAck sql.NullInt64
	)
	if err := r.Scan(&k.ID, &k.Name, &k.Home.Strip, &k.Home.Slot, &curStrip, &curSlot,
		&pegID, &status, &takenBy, &takenAt, &k.TimeoutMinutes, &alarmAck); err != nil {
		return types.Key{}, err
	}
	if curStrip.Valid && curSlot.Valid {
		k.Current = &types.Position{Strip: int(curStrip.Int64), Slot: int(curSlot.Int64)}
	}
	k.PegID = uint64(pegID)
	k.Status = types.KeyStatus(status)
	k.TakenByUserID = int64FromNull(takenBy)
	k.TakenAt = timeFromMs(takenAt)
	k.AlarmAckAt = timeFromMs(alarmAck)
	return k, nil
}

func (s *KeyStore) GetKey(ctx context.Context, id int64) (types.Key, error) {
	k, err := scanKey(s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM cabinet_keys WHERE key_id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Key{}, store.ErrNotFound
	}
	if err != nil {
		return types.Key{}, fmt.Errorf("GetKey: %w", err)
	}
	return k, nil
}

func (s *KeyStore) ListKeys(ctx context.Context) ([]types.Key, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+keyColumns+` FROM cabinet_keys ORDER BY key_id;`)
	if err != nil {
		return nil, fmt.Errorf("ListKeys: %w", err)
	}
	defer rows.Close()

	var out []types.Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("ListKeys scan: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *KeyStore) FindKeyByPeg(ctx context.Context, pegID uint64) (types.Key, error) {
	if pegID == 0 {
		return types.Key{}, store.ErrNotFound
	}
	k, err := scanKey(s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM cabinet_keys WHERE peg_id = ? LIMIT 1;`, int64(pegID)))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Key{}, store.ErrNotFound
	}
	if err != nil {
		return types.Key{}, fmt.Errorf("FindKeyByPeg: %w", err)
	}
	return k, nil
}

func (s *KeyStore) UpdateKeyStatus(ctx context.Context, k types.Key) error {
	var curStrip, curSlot any
	if k.Current != nil {
		curStrip, curSlot = k.Current.Strip, k.Current.Slot
	}
	nowMs := s.now().UTC().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE cabinet_keys
SET current_strip    = ?,
    current_slot     = ?,
    status           = ?,
    taken_by_user_id = ?,
    taken_at_ms      = ?,
    timeout_minutes  = ?,
    alarm_ack_at_ms  = ?,
    updated_at_ms    = ?
WHERE key_id = ?;
`, curStrip, curSlot, string(k.Status), int64OrNil(k.TakenByUserID), msOrNil(k.TakenAt),
			k.TimeoutMinutes, msOrNil(k.AlarmAckAt), nowMs, k.ID)
		if err != nil {
			return fmt.Errorf("UpdateKeyStatus: %w", err)
		}
		return requireOneRow(res, "UpdateKeyStatus")
	})
}

func (s *KeyStore) SetKeyPeg(ctx context.Context, id int64, pegID uint64) error {
	nowMs := s.now().UTC().UnixMilli()
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE cabinet_keys SET peg_id = ?, updated_at_ms = ? WHERE key_id = ?;`,
			int64(pegID), nowMs, id)
		if err != nil {
			return fmt.Errorf("SetKeyPeg: %w", err)
		}
		return requireOneRow(res, "SetKeyPeg")
	})
}

func (s *KeyStore) ClearPegMappings(ctx context.Context) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM peg_mappings;`); err != nil {
			return fmt.Errorf("ClearPegMappings: %w", err)
		}
		return nil
	})
}

func (s *KeyStore) InsertPegMapping(ctx context.Context, reg types.PegRegistration) error {
	nowMs := s.now().UTC().UnixMilli()
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO peg_mappings(peg_id, strip, slot, registered_at_ms) VALUES (?, ?, ?, ?)
ON CONFLICT(peg_id) DO UPDATE SET
  strip = excluded.strip,
  slot = excluded.slot,
  registered_at_ms = excluded.registered_at_ms;
`, int64(reg.PegID), reg.Position.Strip, reg.Position.Slot, nowMs); err != nil {
			return fmt.Errorf("InsertPegMapping: %w", err)
		}
		return nil
	})
}

func (s *KeyStore) ListPegMappings(ctx context.Context) ([]types.PegRegistration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT peg_id, strip, slot FROM peg_mappings ORDER BY strip, slot;`)
	if err != nil {
		return nil, fmt.Errorf("ListPegMappings: %w", err)
	}
	defer rows.Close()

	var out []types.PegRegistration
	for rows.Next() {
		var (
			peg int64
			r   types.PegRegistration
		)
		if err := rows.Scan(&peg, &r.Position.Strip, &r.Position.Slot); err != nil {
			return nil, fmt.Errorf("ListPegMappings scan: %w", err)
		}
		r.PegID = uint64(peg)
		out = append(out, r)
	}
	return out, rows.Err()
}

func requireOneRow(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
