package types

import "time"

type EventID string

const (
	EventLoginSuccess         EventID = "LOGIN_SUCCESS"
	EventLoginFailed          EventID = "LOGIN_FAILED"
	EventActivityDenied       EventID = "ACTIVITY_DENIED"
	EventDoorOpened           EventID = "DOOR_OPENED"
	EventDoorNotOpened        EventID = "DOOR_NOT_OPENED"
	EventDoorClosed           EventID = "DOOR_CLOSED"
	EventDoorOpenedTooLong    EventID = "DOOR_OPENED_TOO_LONG"
	EventKeyTakenCorrect      EventID = "KEY_TAKEN_CORRECT"
	EventKeyReturnedRightSlot EventID = "KEY_RETURNED_RIGHT_SLOT"
	EventKeyReturnedWrongSlot EventID = "KEY_RETURNED_WRONG_SLOT"
	EventUnregisteredKey      EventID = "UNREGISTERED_KEY"
	EventKeyOverdue           EventID = "KEY_OVERDUE"
	EventKeyOverdueReturned   EventID = "KEY_OVERDUE_RETURNED"
	EventAlarmAcknowledged    EventID = "ALARM_ACKNOWLEDGED"
	EventPegRegistration      EventID = "PEG_REGISTRATION"
	EventHardwareFault        EventID = "HARDWARE_FAULT"
)

type Severity string

const (
	SeverityEvent     Severity = "EVENT"
	SeverityAlarm     Severity = "ALARM"
	SeverityException Severity = "EXCEPTION"
)

// DefaultSeverity is the severity an event kind is logged with.
func (e EventID) DefaultSeverity() Severity {
	switch e {
	case EventKeyReturnedWrongSlot, EventKeyOverdue, EventDoorOpenedTooLong,
		EventUnregisteredKey, EventDoorNotOpened:
		return SeverityAlarm
	case EventKeyOverdueReturned, EventHardwareFault:
		return SeverityException
	default:
		return SeverityEvent
	}
}

// EventLogEntry is one append-only audit record.
type EventLogEntry struct {
	ID              int64
	EventID         EventID
	Severity        Severity
	UserID          *int64
	KeyID           *int64
	AccessSessionID string
	Detail          string
	Timestamp       time.Time
}
