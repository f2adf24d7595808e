// Package candoor drives the cabinet door through the BOXLOCK and
// DOOR_SENSOR functions of a strip controller, for cabinets that wire the
// door to a strip instead of the front panel.
package candoor

import (
	"context"
	"errors"
	"time"

	"github.com/BrandonDHaskell/keycabinet/internal/canbus"
	"github.com/BrandonDHaskell/keycabinet/internal/hardware"
)

var ErrNoAnswer = errors.New("candoor: strip did not answer")

// Strip is the subset of the CAN controller used by the door adapter.
type Strip interface {
	SetBoxLock(ctx context.Context, strip int, state canbus.LockState) (canbus.Reply, error)
	GetDoorSensor(ctx context.Context, strip int) (open bool, ok bool, err error)
}

// Door implements hardware.DoorLock and hardware.DoorSensor.
type Door struct {
	ctl     Strip
	strip   int
	timeout time.Duration
}

func New(ctl Strip, strip int) *Door {
	return &Door{ctl: ctl, strip: strip, timeout: 2 * time.Second}
}

func (d *Door) Set(state hardware.LockState) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	s := canbus.Locked
	if state == hardware.DoorUnlocked {
		s = canbus.Unlocked
	}
	r, err := d.ctl.SetBoxLock(ctx, d.strip, s)
	if err != nil {
		return err
	}
	if !r.OK {
		return ErrNoAnswer
	}
	return nil
}

func (d *Door) Read() (hardware.DoorState, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	open, ok, err := d.ctl.GetDoorSensor(ctx, d.strip)
	if err != nil {
		return hardware.DoorClosed, err
	}
	if !ok {
		return hardware.DoorClosed, ErrNoAnswer
	}
	if open {
		return hardware.DoorOpen, nil
	}
	return hardware.DoorClosed, nil
}
