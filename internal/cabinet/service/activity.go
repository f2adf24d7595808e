package service

import (
	"context"
	"errors"
	"time"

	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/store"
	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/types"
)

// ActivityDenial is the reason an activity code was refused. The constants
// are in evaluation order.
type ActivityDenial string

const (
	ActivityNotFound          ActivityDenial = "activity_not_found"
	ActivityNotAssigned       ActivityDenial = "user_not_assigned"
	ActivityOutsideWindow     ActivityDenial = "outside_time_window"
	ActivityWeekdayNotAllowed ActivityDenial = "weekday_not_allowed"
	ActivityFrequencyExceeded ActivityDenial = "frequency_exceeded"
)

// Message is the reason as shown on the 16-column display.
func (d ActivityDenial) Message() string {
	switch d {
	case ActivityNotFound:
		return "Unknown activity"
	case ActivityNotAssigned:
		return "Not assigned"
	case ActivityOutsideWindow:
		return "Outside hours"
	case ActivityWeekdayNotAllowed:
		return "Wrong weekday"
	case ActivityFrequencyExceeded:
		return "Daily limit"
	}
	return string(d)
}

// ActivityDecision is ALLOWED with the granted keys, or DENIED with a reason.
type ActivityDecision struct {
	Allowed  bool
	Activity types.Activity
	KeyIDs   []int64
	Reason   ActivityDenial
}

// KeyIDsCSV renders the granted keys the way they are stored on a session.
func (d ActivityDecision) KeyIDsCSV() string { return types.JoinIDs(d.KeyIDs) }

// ActivityPolicy decides whether a user may perform an activity now.
type ActivityPolicy struct {
	activities store.ActivityStore
	sessions   store.SessionStore
}

// NewActivityPolicy returns a policy reading activities from as and past
// usage from ss.
func NewActivityPolicy(as store.ActivityStore, ss store.SessionStore) *ActivityPolicy {
	return &ActivityPolicy{activities: as, sessions: ss}
}

// Check runs the checks in a fixed order and reports the first that fails:
// existence, assignment, time-of-day window, weekday, daily frequency.
func (p *ActivityPolicy) Check(ctx context.Context, userID int64, code string, now time.Time) (ActivityDecision, error) {
	a, err := p.activities.GetActivityByCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return ActivityDecision{Reason: ActivityNotFound}, nil
	}
	if err != nil {
		return ActivityDecision{}, err
	}

	deny := func(r ActivityDenial) (ActivityDecision, error) {
		return ActivityDecision{Activity: a, Reason: r}, nil
	}
	if !a.HasUser(userID) {
		return deny(ActivityNotAssigned)
	}
	if !a.InWindow(now) {
		return deny(ActivityOutsideWindow)
	}
	if !a.Weekdays.Has(now.Weekday()) {
		return deny(ActivityWeekdayNotAllowed)
	}
	if a.Frequency > 0 {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		used, err := p.sessions.CountActivityUsage(ctx, a.Code, dayStart, dayStart.AddDate(0, 0, 1))
		if err != nil {
			return ActivityDecision{}, err
		}
		if used >= a.Frequency {
			return deny(ActivityFrequencyExceeded)
		}
	}

	return ActivityDecision{Allowed: true, Activity: a, KeyIDs: append([]int64(nil), a.KeyIDs...)}, nil
}
