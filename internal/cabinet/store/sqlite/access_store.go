package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/store"
	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/types"
)

// AccessStore reads users and activities. Both are administered outside
// the controller, so it is read-only.
type AccessStore struct {
	db *sql.DB
}

func NewAccessStore(db *sql.DB) *AccessStore {
	return &AccessStore{db: db}
}

const userColumns = `user_id, name, role_id, pin_hash, card_id, fingerprint, active, valid_from_ms, valid_to_ms`

func scanUser(r rowScanner) (types.User, error) {
	var (
		u             types.User
		pinHash, card sql.NullString
		active        int
		from, to      sql.NullInt64
	)
	if err := r.Scan(&u.ID, &u.Name, &u.RoleID, &pinHash, &card, &u.Fingerprint, &active, &from, &to); err != nil {
		return types.User{}, err
	}
	u.PINHash = pinHash.String
	u.CardID = card.String
	u.Active = active == 1
	u.ValidFrom = timeFromMs(from)
	u.ValidTo = timeFromMs(to)
	return u, nil
}

func (s *AccessStore) GetUser(ctx context.Context, id int64) (types.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE user_id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.User{}, store.ErrNotFound
	}
	if err != nil {
		return types.User{}, fmt.Errorf("GetUser: %w", err)
	}
	return u, nil
}

func (s *AccessStore) GetUserByCard(ctx context.Context, cardID string) (types.User, error) {
	cardID = strings.TrimSpace(cardID)
	if cardID == "" {
		return types.User{}, store.ErrNotFound
	}
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE card_id = ?;`, cardID))
	if errors.Is(err, sql.ErrNoRows) {
		return types.User{}, store.ErrNotFound
	}
	if err != nil {
		return types.User{}, fmt.Errorf("GetUserByCard: %w", err)
	}
	return u, nil
}

func (s *AccessStore) ListPINUsers(ctx context.Context) ([]types.User, error) {
	return s.listUsers(ctx, "ListPINUsers",
		`SELECT `+userColumns+` FROM users WHERE pin_hash IS NOT NULL AND pin_hash != '' ORDER BY user_id;`)
}

func (s *AccessStore) ListBiometricUsers(ctx context.Context) ([]types.User, error) {
	return s.listUsers(ctx, "ListBiometricUsers",
		`SELECT `+userColumns+` FROM users WHERE fingerprint IS NOT NULL AND length(fingerprint) > 0 ORDER BY user_id;`)
}

func (s *AccessStore) listUsers(ctx context.Context, op, query string) ([]types.User, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []types.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *AccessStore) GetActivityByCode(ctx context.Context, code string) (types.Activity, error) {
	var (
		a        types.Activity
		keyIDs   string
		weekdays int
	)
	err := s.db.QueryRowContext(ctx, `
SELECT activity_id, code, name, key_ids, window_start_min, window_end_min, weekdays, frequency, timeout_minutes
FROM activities
WHERE code = ?;
`, strings.TrimSpace(code)).Scan(&a.ID, &a.Code, &a.Name, &keyIDs, &a.WindowStart, &a.WindowEnd,
		&weekdays, &a.Frequency, &a.TimeoutMinutes)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Activity{}, store.ErrNotFound
	}
	if err != nil {
		return types.Activity{}, fmt.Errorf("GetActivityByCode: %w", err)
	}
	a.KeyIDs = types.SplitIDs(keyIDs)
	a.Weekdays = types.WeekdaySet(weekdays)

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM activity_users WHERE activity_id = ? ORDER BY user_id;`, a.ID)
	if err != nil {
		return types.Activity{}, fmt.Errorf("GetActivityByCode users: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return types.Activity{}, fmt.Errorf("GetActivityByCode users scan: %w", err)
		}
		a.UserIDs = append(a.UserIDs, id)
	}
	return a, rows.Err()
}
