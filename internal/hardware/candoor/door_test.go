package candoor_test

import (
	"context"
	"errors"
	"testing"

	"github.com/BrandonDHaskell/keycabinet/internal/canbus"
	"github.com/BrandonDHaskell/keycabinet/internal/hardware"
	"github.com/BrandonDHaskell/keycabinet/internal/hardware/candoor"
)

type fakeStrip struct {
	lastStrip int
	lastState canbus.LockState
	answer    bool
	open      bool
	err       error
}

func (f *fakeStrip) SetBoxLock(_ context.Context, strip int, state canbus.LockState) (canbus.Reply, error) {
	f.lastStrip, f.lastState = strip, state
	return canbus.Reply{OK: f.answer}, f.err
}

func (f *fakeStrip) GetDoorSensor(_ context.Context, strip int) (bool, bool, error) {
	f.lastStrip = strip
	return f.open, f.answer, f.err
}

func TestSet_MapsLockState(t *testing.T) {
	s := &fakeStrip{answer: true}
	d := candoor.New(s, 2)

	if err := d.Set(hardware.DoorUnlocked); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if s.lastStrip != 2 || s.lastState != canbus.Unlocked {
		t.Errorf("expected unlock on strip 2, got strip %d state %v", s.lastStrip, s.lastState)
	}

	if err := d.Set(hardware.DoorLocked); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if s.lastState != canbus.Locked {
		t.Errorf("expected locked, got %v", s.lastState)
	}
}

func TestSet_NoAnswer(t *testing.T) {
	d := candoor.New(&fakeStrip{}, 1)
	if err := d.Set(hardware.DoorLocked); !errors.Is(err, candoor.ErrNoAnswer) {
		t.Fatalf("expected ErrNoAnswer, got %v", err)
	}
}

func TestRead_SensorStates(t *testing.T) {
	s := &fakeStrip{answer: true, open: true}
	d := candoor.New(s, 1)

	st, err := d.Read()
	if err != nil || st != hardware.DoorOpen {
		t.Fatalf("expected OPEN, got %v (%v)", st, err)
	}

	s.open = false
	st, err = d.Read()
	if err != nil || st != hardware.DoorClosed {
		t.Fatalf("expected CLOSED, got %v (%v)", st, err)
	}
}

func TestRead_BusError(t *testing.T) {
	boom := errors.New("transmit failed")
	d := candoor.New(&fakeStrip{err: boom}, 1)

	if _, err := d.Read(); !errors.Is(err, boom) {
		t.Fatalf("expected bus error, got %v", err)
	}
}
