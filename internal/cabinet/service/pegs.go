package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/store"
	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/types"
	"github.com/BrandonDHaskell/keycabinet/internal/canbus"
)

const DefaultPegRetries = 3

// PegReport summarises one registration pass.
type PegReport struct {
	Scanned    int
	Registered int
	Bound      int
}

// PegRegistrar rebuilds the fob -> slot mapping from what currently sits in
// the cabinet and binds each fob to the key whose home is that slot.
type PegRegistrar struct {
	keys    store.KeyStore
	pegs    store.PegStore
	inv     *Inventory
	rec     *Recorder
	retries int
	logger  *zap.Logger
}

// NewPegRegistrar returns a PegRegistrar. retries <= 0 takes DefaultPegRetries.
func NewPegRegistrar(keys store.KeyStore, pegs store.PegStore, inv *Inventory, rec *Recorder, retries int, logger *zap.Logger) *PegRegistrar {
	if retries <= 0 {
		retries = DefaultPegRetries
	}
	return &PegRegistrar{keys: keys, pegs: pegs, inv: inv, rec: rec, retries: retries, logger: logger}
}

// Run clears the old mappings and scans every slot of strips. Empty and
// unanswered slots are retried; a slot still silent after the retries is
// left unmapped.
func (p *PegRegistrar) Run(ctx context.Context, r SlotReader, strips []int, userID *int64) (PegReport, error) {
	p.inv.mu.Lock()
	defer p.inv.mu.Unlock()

	var rep PegReport
	if err := p.pegs.ClearPegMappings(ctx); err != nil {
		return rep, fmt.Errorf("peg registration: clear: %w", err)
	}

	keys, err := p.keys.ListKeys(ctx)
	if err != nil {
		return rep, fmt.Errorf("peg registration: list keys: %w", err)
	}
	byHome := make(map[types.Position]types.Key, len(keys))
	for _, k := range keys {
		byHome[k.Home] = k
	}

	for _, strip := range strips {
		for slot := 1; slot <= types.SlotsPerStrip; slot++ {
			rep.Scanned++
			fob, ok, err := p.readWithRetry(ctx, r, strip, slot)
			if err != nil {
				return rep, fmt.Errorf("peg registration: strip %d slot %d: %w", strip, slot, err)
			}
			if !ok {
				continue
			}
			pos := types.Position{Strip: strip, Slot: slot}
			if err := p.pegs.InsertPegMapping(ctx, types.PegRegistration{PegID: fob, Position: pos}); err != nil {
				return rep, fmt.Errorf("peg registration: insert: %w", err)
			}
			rep.Registered++

			k, ok := byHome[pos]
			if !ok {
				continue
			}
			if err := p.keys.SetKeyPeg(ctx, k.ID, fob); err != nil {
				p.logger.Error("peg registration: bind failed", zap.Int64("key_id", k.ID), zap.Error(err))
				continue
			}
			rep.Bound++
		}
	}

	p.rec.Record(ctx, types.EventLogEntry{
		EventID: types.EventPegRegistration,
		UserID:  userID,
		Detail:  "registered=" + strconv.Itoa(rep.Registered) + " bound=" + strconv.Itoa(rep.Bound),
	})
	p.logger.Info("peg registration complete",
		zap.Int("scanned", rep.Scanned), zap.Int("registered", rep.Registered), zap.Int("bound", rep.Bound))
	return rep, nil
}

func (p *PegRegistrar) readWithRetry(ctx context.Context, r SlotReader, strip, slot int) (uint64, bool, error) {
	silent := false
	for i := 0; i < p.retries; i++ {
		fob, ok, err := r.GetKeyID(ctx, strip, slot)
		if errors.Is(err, canbus.ErrNoResponse) {
			silent = true
			continue
		}
		if err != nil || ok {
			return fob, ok, err
		}
		silent = false
	}
	if silent {
		p.logger.Warn("peg registration: slot did not answer", zap.Int("strip", strip), zap.Int("slot", slot))
	}
	return 0, false, nil
}
