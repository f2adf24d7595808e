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
	"github.com/BrandonDHaskell/keycabinet/internal/hardware"
)

const (
	DefaultEscalationInterval = 20 * time.Second
	DefaultOverdueLookback    = 72 * time.Hour
	DefaultTimeoutMinutes     = 60
	DefaultReminderInterval   = 5 * time.Minute
)

// EscalationState is the alarm bookkeeping carried between scans.
type EscalationState struct {
	LastAckAt      time.Time
	AckCount       int
	LastReminderAt time.Time
	Sounding       bool
	// LastScanAt is the last scan that looked at the inventory. LastTickAt
	// also counts scans skipped for an active session.
	LastScanAt time.Time
	LastTickAt time.Time
}

// EscalationConfig tunes the scan loop. Zero fields take the defaults above.
type EscalationConfig struct {
	Interval              time.Duration
	Lookback              time.Duration
	DefaultTimeoutMinutes int
	// ReminderInterval re-sounds an acknowledged alarm while prompted keys
	// are still out. 0 disables reminders.
	ReminderInterval time.Duration
}

// ScanReport describes one escalation scan.
type ScanReport struct {
	Skipped bool
	Out     int
	Overdue []string
	Raised  []string
	Cleared bool
}

// Escalator raises the overdue alarm for keys out past their timeout. Each
// key is alarmed once per loan: the durable prompted set records which
// names have already been raised.
type Escalator struct {
	inv        *Inventory
	sessions   store.SessionStore
	activities store.ActivityStore
	events     store.EventStore
	prompted   store.PromptedKeyStore
	rec        *Recorder
	panel      hardware.Panel
	gate       *Gate
	cfg        EscalationConfig
	logger     *zap.Logger
	now        func() time.Time

	mu    sync.Mutex
	state EscalationState

	cancel context.CancelFunc
	done   chan struct{}
}

// EscalatorDeps are the collaborators of an Escalator. Gate may be nil.
type EscalatorDeps struct {
	Inventory  *Inventory
	Sessions   store.SessionStore
	Activities store.ActivityStore
	Events     store.EventStore
	Prompted   store.PromptedKeyStore
	Recorder   *Recorder
	Panel      hardware.Panel
	Gate       *Gate
	Logger     *zap.Logger
	Now        func() time.Time
}

// NewEscalator returns an Escalator. Call Start to run it on its interval.
func NewEscalator(d EscalatorDeps, cfg EscalationConfig) *Escalator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultEscalationInterval
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultOverdueLookback
	}
	if cfg.DefaultTimeoutMinutes <= 0 {
		cfg.DefaultTimeoutMinutes = DefaultTimeoutMinutes
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Escalator{
		inv:        d.Inventory,
		sessions:   d.Sessions,
		activities: d.Activities,
		events:     d.Events,
		prompted:   d.Prompted,
		rec:        d.Recorder,
		panel:      d.Panel,
		gate:       d.Gate,
		cfg:        cfg,
		logger:     d.Logger,
		now:        d.Now,
		done:       make(chan struct{}),
	}
}

// Start runs Scan every interval until ctx ends or Stop is called.
func (e *Escalator) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	go e.loop(ctx)
	e.logger.Info("overdue escalation started", zap.Duration("interval", e.cfg.Interval))
}

// Stop signals the loop to exit and waits for it.
func (e *Escalator) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

func (e *Escalator) loop(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Scan(ctx); err != nil {
				if errors.Is(err, hardware.ErrFault) {
					e.logger.Error("escalation: panel fault", zap.Error(err))
					_ = e.panel.Safe()
					continue
				}
				e.logger.Warn("escalation scan failed", zap.Error(err))
			}
		}
	}
}

// State returns a copy of the bookkeeping.
func (e *Escalator) State() EscalationState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Alive fails when the loop has not ticked for three intervals. started
// stands in for the first tick.
func (e *Escalator) Alive(started time.Time) error {
	e.mu.Lock()
	last := e.state.LastTickAt
	e.mu.Unlock()
	if last.IsZero() {
		last = started
	}
	if since := e.now().Sub(last); since > 3*e.cfg.Interval {
		return fmt.Errorf("escalation: last tick %s ago", since.Round(time.Second))
	}
	return nil
}

// Prompted returns the names under an active overdue alarm.
func (e *Escalator) Prompted(ctx context.Context) ([]string, error) {
	return e.prompted.LoadPrompted(ctx)
}

// Scan checks every checked-out key once. Scans are serialised, so two
// scans in the same tick raise each key at most once. The scan does
// nothing while a session holds the gate.
func (e *Escalator) Scan(ctx context.Context) (ScanReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var rep ScanReport
	now := e.now()
	e.state.LastTickAt = now
	if e.gate != nil && e.gate.Active() {
		rep.Skipped = true
		return rep, nil
	}
	e.state.LastScanAt = now

	keys, err := e.inv.Keys(ctx)
	if err != nil {
		return rep, fmt.Errorf("escalation: list keys: %w", err)
	}
	var out []types.Key
	for _, k := range keys {
		if k.IsOut() {
			out = append(out, k)
		}
	}
	rep.Out = len(out)

	if len(out) == 0 {
		rep.Cleared = true
		if err := e.prompted.ClearPrompted(ctx); err != nil {
			e.logger.Warn("escalation: clear prompted failed", zap.Error(err))
		}
		return rep, e.silenceLocked()
	}

	names, err := e.prompted.LoadPrompted(ctx)
	if err != nil {
		return rep, fmt.Errorf("escalation: load prompted: %w", err)
	}
	prompted := make(map[string]bool, len(names))
	for _, n := range names {
		prompted[n] = true
	}

	for _, k := range out {
		timeout := e.resolveTimeout(ctx, k, now)
		elapsed := k.Elapsed(now)
		if elapsed < time.Duration(timeout)*time.Minute {
			continue
		}
		rep.Overdue = append(rep.Overdue, k.Name)
		if prompted[k.Name] {
			continue
		}

		if err := e.soundLocked(); err != nil {
			return rep, err
		}
		if err := e.panel.Show("OVERDUE "+k.Name, fmt.Sprintf("Out %d min", int(elapsed.Minutes()))); err != nil {
			return rep, err
		}
		if err := e.prompted.AddPrompted(ctx, k.Name); err != nil {
			e.logger.Warn("escalation: add prompted failed", zap.String("key", k.Name), zap.Error(err))
		}
		prompted[k.Name] = true
		rep.Raised = append(rep.Raised, k.Name)

		e.rec.Record(ctx, keyEvent(types.EventKeyOverdue, k, k.TakenByUserID, ""))
		e.logger.Warn("key overdue",
			zap.String("key", k.Name),
			zap.Int64("key_id", k.ID),
			zap.Duration("elapsed", elapsed),
			zap.Int("timeout_minutes", timeout),
		)
	}

	if e.reminderDueLocked(now, len(prompted)) {
		if err := e.soundLocked(); err != nil {
			return rep, err
		}
		e.state.LastReminderAt = now
		e.logger.Info("overdue reminder", zap.Int("prompted", len(prompted)))
	}

	return rep, nil
}

func (e *Escalator) reminderDueLocked(now time.Time, prompted int) bool {
	if e.cfg.ReminderInterval <= 0 || prompted == 0 || e.state.Sounding || e.state.LastAckAt.IsZero() {
		return false
	}
	last := e.state.LastAckAt
	if e.state.LastReminderAt.After(last) {
		last = e.state.LastReminderAt
	}
	return now.Sub(last) >= e.cfg.ReminderInterval
}

// resolveTimeout picks the allowance for k's current loan: the activity of
// the newest session that took it within the lookback, then the key's own
// timeout, then the default.
func (e *Escalator) resolveTimeout(ctx context.Context, k types.Key, now time.Time) int {
	sess, err := e.sessions.LatestSessionTakingKey(ctx, k.ID, now.Add(-e.cfg.Lookback))
	if err == nil && sess.ActivityCode != "" {
		a, err := e.activities.GetActivityByCode(ctx, sess.ActivityCode)
		if err == nil && a.TimeoutMinutes > 0 {
			return a.TimeoutMinutes
		}
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("escalation: session lookup failed", zap.Int64("key_id", k.ID), zap.Error(err))
	}
	if k.TimeoutMinutes > 0 {
		return k.TimeoutMinutes
	}
	return e.cfg.DefaultTimeoutMinutes
}

// Acknowledge silences the alarm and stamps AlarmAckAt on every prompted
// key. Prompted keys stay prompted until returned.
func (e *Escalator) Acknowledge(ctx context.Context, userID *int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if err := e.silenceLocked(); err != nil {
		return err
	}
	e.state.LastAckAt = now
	e.state.AckCount++

	names, err := e.prompted.LoadPrompted(ctx)
	if err != nil {
		return fmt.Errorf("acknowledge: load prompted: %w", err)
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	if err := e.inv.Acknowledge(ctx, set, now.UTC()); err != nil {
		e.logger.Warn("acknowledge: key update failed", zap.Error(err))
	}

	e.rec.Record(ctx, types.EventLogEntry{
		EventID: types.EventAlarmAcknowledged,
		UserID:  userID,
		Detail:  fmt.Sprintf("prompted=%d", len(names)),
	})
	return nil
}

// KeyReturned clears k from the prompted set and, when its last KEY_OVERDUE
// has no matching KEY_OVERDUE_RETURNED, records one. It reports whether the
// return closed an overdue episode.
func (e *Escalator) KeyReturned(ctx context.Context, k types.Key, userID *int64, sessionID string) bool {
	if err := e.prompted.RemovePrompted(ctx, k.Name); err != nil {
		e.logger.Warn("escalation: remove prompted failed", zap.String("key", k.Name), zap.Error(err))
	}

	raised, err := e.events.CountKeyEvents(ctx, k.ID, types.EventKeyOverdue)
	if err != nil {
		e.logger.Warn("escalation: count overdue failed", zap.Int64("key_id", k.ID), zap.Error(err))
		return false
	}
	closed, err := e.events.CountKeyEvents(ctx, k.ID, types.EventKeyOverdueReturned)
	if err != nil {
		e.logger.Warn("escalation: count overdue returns failed", zap.Int64("key_id", k.ID), zap.Error(err))
		return false
	}
	if raised <= closed {
		return false
	}
	e.rec.Record(ctx, keyEvent(types.EventKeyOverdueReturned, k, userID, sessionID))
	return true
}

func (e *Escalator) soundLocked() error {
	if e.panel.Buzzer == nil {
		return nil
	}
	if err := e.panel.Buzzer.On(); err != nil {
		return hardware.Fault("buzzer on", err)
	}
	e.state.Sounding = true
	return nil
}

func (e *Escalator) silenceLocked() error {
	if !e.state.Sounding || e.panel.Buzzer == nil {
		e.state.Sounding = false
		return nil
	}
	if err := e.panel.Buzzer.Off(); err != nil {
		return hardware.Fault("buzzer off", err)
	}
	e.state.Sounding = false
	return nil
}
