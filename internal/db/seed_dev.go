package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type SeedDevOptions struct {
	// Strips is how many strips the demo cabinet has keys on.
	Strips int
}

type seedUser struct {
	id     int64
	name   string
	role   int
	pin    string
	cardID string
}

var devUsers = []seedUser{
	{1, "Admin", 1, "1234", ""},
	{2, "Dana Ops", 0, "2468", "0004211337"},
	{3, "Card Only", 0, "", "0004219999"},
}

// SeedDev fills an empty dev database with demo users, activities and one
// key per slot of the first strip. Existing rows are left alone.
func SeedDev(ctx context.Context, db *sql.DB, opt SeedDevOptions) error {
	if opt.Strips <= 0 {
		opt.Strips = 1
	}
	now := time.Now().UTC().UnixMilli()

	for _, u := range devUsers {
		var pinHash, card any
		if u.pin != "" {
			h, err := bcrypt.GenerateFromPassword([]byte(u.pin), bcrypt.MinCost)
			if err != nil {
				return fmt.Errorf("seed user %s: hash pin: %w", u.name, err)
			}
			pinHash = string(h)
		}
		if u.cardID != "" {
			card = u.cardID
		}
		if _, err := db.ExecContext(ctx, `
INSERT OR IGNORE INTO users(user_id, name, role_id, pin_hash, card_id, active, created_at_ms)
VALUES (?, ?, ?, ?, ?, 1, ?);`, u.id, u.name, u.role, pinHash, card, now); err != nil {
			return fmt.Errorf("seed user %s: %w", u.name, err)
		}
	}

	for strip := 1; strip <= opt.Strips; strip++ {
		for slot := 1; slot <= 14; slot++ {
			id := int64((strip-1)*14 + slot)
			if _, err := db.ExecContext(ctx, `
INSERT OR IGNORE INTO cabinet_keys(key_id, name, home_strip, home_slot, status, updated_at_ms)
VALUES (?, ?, ?, ?, 'NOT_PRESENT', ?);`, id, fmt.Sprintf("KEY-%02d", id), strip, slot, now); err != nil {
				return fmt.Errorf("seed key %d: %w", id, err)
			}
		}
	}

	if _, err := db.ExecContext(ctx, `
INSERT OR IGNORE INTO activities(activity_id, code, name, key_ids, window_start_min, window_end_min, weekdays, frequency, timeout_minutes)
VALUES (1, '101', 'Vehicle pickup', '1,2,3', 0, 0, 127, 0, 60),
       (2, '202', 'Depot rounds', '4,5', 360, 1080, 62, 2, 30);`); err != nil {
		return fmt.Errorf("seed activities: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
INSERT OR IGNORE INTO activity_users(activity_id, user_id)
VALUES (1, 1), (1, 2), (1, 3), (2, 2);`); err != nil {
		return fmt.Errorf("seed activity users: %w", err)
	}

	return nil
}
