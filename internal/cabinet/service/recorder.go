package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/store"
	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/types"
)

// Notifier forwards alarm events off the cabinet.
type Notifier interface {
	Notify(ctx context.Context, e types.EventLogEntry) error
}

// Recorder is the single entry point for audit events. Write failures are
// logged and swallowed: an audit problem never fails the operation that
// produced the event.
type Recorder struct {
	events   store.EventStore
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// NewRecorder returns a Recorder. n may be nil.
func NewRecorder(es store.EventStore, n Notifier, logger *zap.Logger) *Recorder {
	return &Recorder{events: es, notifier: n, logger: logger, now: time.Now}
}

// Record appends e, filling in severity and timestamp when unset. ALARM
// entries are also handed to the notifier.
func (r *Recorder) Record(ctx context.Context, e types.EventLogEntry) {
	if e.Severity == "" {
		e.Severity = e.EventID.DefaultSeverity()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now().UTC()
	}

	if err := r.events.AppendEventLog(ctx, e); err != nil {
		r.logger.Error("event log write failed",
			zap.String("event", string(e.EventID)),
			zap.String("session", e.AccessSessionID),
			zap.Error(err),
		)
	}

	if e.Severity != types.SeverityAlarm || r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, e); err != nil {
		r.logger.Warn("alarm notify failed", zap.String("event", string(e.EventID)), zap.Error(err))
	}
}

// keyEvent is shorthand for an entry about one key.
func keyEvent(id types.EventID, k types.Key, userID *int64, sessionID string) types.EventLogEntry {
	keyID := k.ID
	return types.EventLogEntry{
		EventID:         id,
		UserID:          userID,
		KeyID:           &keyID,
		AccessSessionID: sessionID,
		Detail:          k.Name,
	}
}
