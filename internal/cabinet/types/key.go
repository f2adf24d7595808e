package types

import "time"

// SlotsPerStrip is the number of key positions on one strip.
const SlotsPerStrip = 14

type KeyStatus string

const (
	KeyNotPresent       KeyStatus = "NOT_PRESENT"
	KeyPresentRightSlot KeyStatus = "PRESENT_RIGHT_SLOT"
	KeyPresentWrongSlot KeyStatus = "PRESENT_WRONG_SLOT"
)

// Position is a (strip, slot) coordinate. Slots are numbered 1..14.
type Position struct {
	Strip int `json:"strip"`
	Slot  int `json:"slot"`
}

// Index is the cabinet-wide position number.
func (p Position) Index() int {
	return p.Slot + (p.Strip-1)*SlotsPerStrip
}

func (p Position) Valid() bool {
	return p.Strip >= 1 && p.Slot >= 1 && p.Slot <= SlotsPerStrip
}

// Key is one physical key and its fob.
//
// A key is either sitting in a known slot (Current set, TakenAt nil) or is
// checked out (Status NOT_PRESENT, Current nil, TakenAt set).
type Key struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	Home           Position   `json:"home"`
	Current        *Position  `json:"current,omitempty"`
	PegID          uint64     `json:"peg_id,omitempty"` // 0 until a fob is registered
	Status         KeyStatus  `json:"status"`
	TakenByUserID  *int64     `json:"taken_by_user_id,omitempty"`
	TakenAt        *time.Time `json:"taken_at,omitempty"`
	TimeoutMinutes int        `json:"timeout_minutes"`
	AlarmAckAt     *time.Time `json:"alarm_ack_at,omitempty"`
}

func (k Key) IsOut() bool { return k.Status == KeyNotPresent }

// MarkTaken records the key leaving the cabinet.
func (k *Key) MarkTaken(userID *int64, at time.Time, timeoutMinutes int) {
	k.Status = KeyNotPresent
	k.Current = nil
	k.TakenByUserID = userID
	t := at
	k.TakenAt = &t
	if timeoutMinutes > 0 {
		k.TimeoutMinutes = timeoutMinutes
	}
}

// MarkPresent records the key sitting at pos and returns the resulting status.
func (k *Key) MarkPresent(pos Position) KeyStatus {
	p := pos
	k.Current = &p
	k.TakenAt = nil
	k.TakenByUserID = nil
	if pos == k.Home {
		k.Status = KeyPresentRightSlot
	} else {
		k.Status = KeyPresentWrongSlot
	}
	return k.Status
}

// MarkMissing records a key found absent by a slot poll. The take time is
// kept if known, otherwise at is used.
func (k *Key) MarkMissing(at time.Time) {
	k.Status = KeyNotPresent
	k.Current = nil
	if k.TakenAt == nil {
		t := at
		k.TakenAt = &t
	}
}

// Elapsed is how long the key has been out at now.
func (k Key) Elapsed(now time.Time) time.Duration {
	if k.TakenAt == nil {
		return 0
	}
	return now.Sub(*k.TakenAt)
}

// PegRegistration maps a fob id to the slot it was read from.
type PegRegistration struct {
	PegID    uint64   `json:"peg_id"`
	Position Position `json:"position"`
}
