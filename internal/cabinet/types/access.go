package types

import (
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthPIN       AuthMode = "PIN"
	AuthCard      AuthMode = "CARD"
	AuthCardPIN   AuthMode = "CARD_PIN"
	AuthBiometric AuthMode = "BIOMETRIC"
)

func ParseAuthMode(s string) (AuthMode, bool) {
	switch m := AuthMode(strings.ToUpper(strings.TrimSpace(s))); m {
	case AuthPIN, AuthCard, AuthCardPIN, AuthBiometric:
		return m, true
	}
	return "", false
}

type User struct {
	ID          int64
	Name        string
	RoleID      int
	PINHash     string // bcrypt
	CardID      string
	Fingerprint []byte
	Active      bool
	ValidFrom   *time.Time
	ValidTo     *time.Time
}

// WithinValidity reports whether now falls inside the user's validity window.
func (u User) WithinValidity(now time.Time) bool {
	if u.ValidFrom != nil && now.Before(*u.ValidFrom) {
		return false
	}
	if u.ValidTo != nil && now.After(*u.ValidTo) {
		return false
	}
	return true
}

// WeekdaySet is a bitmask of allowed weekdays, bit n = time.Weekday(n).
type WeekdaySet uint8

const AllWeekdays WeekdaySet = 0x7F

func NewWeekdaySet(days ...time.Weekday) WeekdaySet {
	var s WeekdaySet
	for _, d := range days {
		s |= 1 << uint(d)
	}
	return s
}

func (s WeekdaySet) Has(d time.Weekday) bool { return s&(1<<uint(d)) != 0 }

// Activity is a declared task that grants a set of keys.
type Activity struct {
	ID             int64
	Code           string
	Name           string
	KeyIDs         []int64
	UserIDs        []int64
	WindowStart    int // minutes after midnight, inclusive
	WindowEnd      int // minutes after midnight, exclusive; <= WindowStart wraps midnight
	Weekdays       WeekdaySet
	Frequency      int // max successful uses per day across all users, 0 = unlimited
	TimeoutMinutes int
}

func (a Activity) HasUser(id int64) bool {
	for _, u := range a.UserIDs {
		if u == id {
			return true
		}
	}
	return false
}

// InWindow reports whether the time of day of now is inside the window.
func (a Activity) InWindow(now time.Time) bool {
	m := now.Hour()*60 + now.Minute()
	if a.WindowStart == a.WindowEnd {
		return true
	}
	if a.WindowStart < a.WindowEnd {
		return m >= a.WindowStart && m < a.WindowEnd
	}
	return m >= a.WindowStart || m < a.WindowEnd
}

// AccessSession is one authenticated (or failed) login and the door episode
// that follows it.
type AccessSession struct {
	ID            string
	SignInTime    time.Time
	AuthMode      AuthMode
	UserID        *int64
	Success       bool
	ActivityCode  string
	DoorOpenTime  *time.Time
	DoorCloseTime *time.Time
	KeysAllowed   []int64
	KeysTaken     []int64
	KeysReturned  []int64
}

// JoinIDs renders ids as a comma separated list.
func JoinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// SplitIDs parses a comma separated id list, skipping malformed entries.
func SplitIDs(csv string) []int64 {
	var out []int64
	for _, p := range strings.Split(csv, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if id, err := strconv.ParseInt(p, 10, 64); err == nil {
			out = append(out, id)
		}
	}
	return out
}

// ContainsID reports whether id is in ids.
func ContainsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
