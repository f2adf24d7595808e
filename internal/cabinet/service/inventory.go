package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/store"
	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/types"
	"github.com/BrandonDHaskell/keycabinet/internal/canbus"
)

// SlotReader asks a strip which fob sits in a slot. present is false for
// an empty slot; a strip that did not answer returns canbus.ErrNoResponse.
type SlotReader interface {
	GetKeyID(ctx context.Context, strip, slot int) (fob uint64, present bool, err error)
}

// Inventory owns every mutation of Key rows. One mutex covers each whole
// read-modify-write sequence, including the slot polls of a reconcile pass.
type Inventory struct {
	mu     sync.Mutex
	keys   store.KeyStore
	logger *zap.Logger
	now    func() time.Time
}

// NewInventory returns an Inventory over keys.
func NewInventory(keys store.KeyStore, logger *zap.Logger) *Inventory {
	return &Inventory{keys: keys, logger: logger, now: time.Now}
}

// ReconcileResult summarises one strip pass.
type ReconcileResult struct {
	Strip        int
	Present      int
	Cleared      int
	Unanswered   int
	Unregistered []uint64
}

// ReconcileStrip polls slots 1..14 of strip and brings the inventory in line
// with what was observed. A bus send failure aborts the pass before any row
// is written. Keys recorded at a slot that did not answer are left as they
// are, and the pass then reports canbus.ErrNoResponse.
func (inv *Inventory) ReconcileStrip(ctx context.Context, r SlotReader, strip int) (ReconcileResult, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	res := ReconcileResult{Strip: strip}
	observed := make(map[uint64]types.Position, types.SlotsPerStrip)
	silent := make(map[int]bool)
	for slot := 1; slot <= types.SlotsPerStrip; slot++ {
		fob, present, err := r.GetKeyID(ctx, strip, slot)
		if errors.Is(err, canbus.ErrNoResponse) {
			silent[slot] = true
			continue
		}
		if err != nil {
			return res, fmt.Errorf("reconcile strip %d slot %d: %w", strip, slot, err)
		}
		if present {
			observed[fob] = types.Position{Strip: strip, Slot: slot}
		}
	}
	res.Unanswered = len(silent)

	keys, err := inv.keys.ListKeys(ctx)
	if err != nil {
		return res, fmt.Errorf("reconcile strip %d: %w", strip, err)
	}
	byPeg := make(map[uint64]bool, len(keys))
	now := inv.now().UTC()

	for _, k := range keys {
		if k.PegID != 0 {
			byPeg[k.PegID] = true
		}
		before := k
		if pos, ok := observed[k.PegID]; ok && k.PegID != 0 {
			k.MarkPresent(pos)
			res.Present++
		} else if onStrip(k, strip) && !silent[lastSlot(k)] {
			k.MarkMissing(now)
			res.Cleared++
		} else {
			continue
		}
		if sameState(before, k) {
			continue
		}
		if err := inv.keys.UpdateKeyStatus(ctx, k); err != nil {
			inv.logger.Error("reconcile: key update failed", zap.Int64("key_id", k.ID), zap.Error(err))
		}
	}

	for fob, pos := range observed {
		if !byPeg[fob] {
			res.Unregistered = append(res.Unregistered, fob)
			inv.logger.Warn("reconcile: unregistered fob",
				zap.Uint64("fob", fob), zap.Int("strip", pos.Strip), zap.Int("slot", pos.Slot))
		}
	}

	inv.logger.Debug("strip reconciled",
		zap.Int("strip", strip), zap.Int("present", res.Present), zap.Int("cleared", res.Cleared))
	if res.Unanswered > 0 {
		return res, fmt.Errorf("reconcile strip %d: %d slots unanswered: %w", strip, res.Unanswered, canbus.ErrNoResponse)
	}
	return res, nil
}

// Reconcile runs ReconcileStrip over strips, continuing past failed strips.
func (inv *Inventory) Reconcile(ctx context.Context, r SlotReader, strips []int) error {
	var errs []error
	for _, s := range strips {
		if _, err := inv.ReconcileStrip(ctx, r, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Take marks the key carrying fob as checked out by userID. found is false
// when no key carries that fob; the inventory is then left untouched.
func (inv *Inventory) Take(ctx context.Context, fob uint64, userID *int64, timeoutMinutes int) (k types.Key, found bool, err error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	k, err = inv.keys.FindKeyByPeg(ctx, fob)
	if errors.Is(err, store.ErrNotFound) {
		return types.Key{}, false, nil
	}
	if err != nil {
		return types.Key{}, false, err
	}
	k.MarkTaken(userID, inv.now().UTC(), timeoutMinutes)
	if err := inv.keys.UpdateKeyStatus(ctx, k); err != nil {
		return k, true, err
	}
	return k, true, nil
}

// Insert records the key carrying fob arriving at pos. prev is the key as
// it was before the insert.
func (inv *Inventory) Insert(ctx context.Context, fob uint64, pos types.Position) (k, prev types.Key, found bool, err error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	k, err = inv.keys.FindKeyByPeg(ctx, fob)
	if errors.Is(err, store.ErrNotFound) {
		return types.Key{}, types.Key{}, false, nil
	}
	if err != nil {
		return types.Key{}, types.Key{}, false, err
	}
	prev = k
	k.MarkPresent(pos)
	if err := inv.keys.UpdateKeyStatus(ctx, k); err != nil {
		return k, prev, true, err
	}
	return k, prev, true, nil
}

// Occupied reports whether any key is currently recorded at pos.
func (inv *Inventory) Occupied(ctx context.Context, pos types.Position) (bool, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	keys, err := inv.keys.ListKeys(ctx)
	if err != nil {
		return false, err
	}
	for _, k := range keys {
		if k.Current != nil && *k.Current == pos {
			return true, nil
		}
	}
	return false, nil
}

// Keys returns the whole inventory.
func (inv *Inventory) Keys(ctx context.Context) ([]types.Key, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.keys.ListKeys(ctx)
}

// Get returns the key with id.
func (inv *Inventory) Get(ctx context.Context, id int64) (types.Key, error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.keys.GetKey(ctx, id)
}

// Acknowledge stamps AlarmAckAt on every out key named in names.
func (inv *Inventory) Acknowledge(ctx context.Context, names map[string]bool, at time.Time) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	keys, err := inv.keys.ListKeys(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, k := range keys {
		if !names[k.Name] {
			continue
		}
		t := at
		k.AlarmAckAt = &t
		if err := inv.keys.UpdateKeyStatus(ctx, k); err != nil {
			errs = append(errs, fmt.Errorf("ack %s: %w", k.Name, err))
		}
	}
	return errors.Join(errs...)
}

// onStrip reports whether k was last recorded on strip, or has never been
// seen and belongs there.
func onStrip(k types.Key, strip int) bool {
	if k.Current != nil {
		return k.Current.Strip == strip
	}
	return k.TakenAt == nil && k.Home.Strip == strip
}

// lastSlot is the slot onStrip matched k on.
func lastSlot(k types.Key) int {
	if k.Current != nil {
		return k.Current.Slot
	}
	return k.Home.Slot
}

func sameState(a, b types.Key) bool {
	if a.Status != b.Status {
		return false
	}
	if (a.Current == nil) != (b.Current == nil) {
		return false
	}
	if a.Current != nil && *a.Current != *b.Current {
		return false
	}
	return (a.TakenAt == nil) == (b.TakenAt == nil)
}
