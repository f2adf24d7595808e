// Package hardware is the narrow boundary between the cabinet core and the
// vendor drivers for the display, keypad, buzzer, door lock, door sensor,
// battery monitor, card reader and fingerprint module.
//
// Driver calls are synchronous and short. Any error returned from them is
// treated by the core as a fault that requires re-initialising the panel.
package hardware

import (
	"errors"
	"fmt"
)

var ErrFault = errors.New("hardware fault")

// Fault tags err as a driver fault for op.
func Fault(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrFault, op, err)
}

// Button is one keypad key. ButtonNone means nothing was pressed.
type Button string

const (
	ButtonNone  Button = ""
	ButtonEnter Button = "ENTER"
	ButtonBack  Button = "BACK"
	ButtonUp    Button = "UP"
	ButtonF1    Button = "F1"
	ButtonF2    Button = "F2"
	ButtonF3    Button = "F3"
	ButtonF4    Button = "F4"
)

// IsDigit reports whether b is one of "0".."9".
func (b Button) IsDigit() bool {
	return len(b) == 1 && b[0] >= '0' && b[0] <= '9'
}

type LockState int

const (
	DoorLocked LockState = iota
	DoorUnlocked
)

type DoorState int

const (
	DoorClosed DoorState = iota
	DoorOpen
)

func (s DoorState) String() string {
	if s == DoorOpen {
		return "OPEN"
	}
	return "CLOSED"
}

type Display interface {
	Clear() error
	WriteLine(text string, line int) error
}

type Buzzer interface {
	On() error
	Off() error
}

type DoorLock interface {
	Set(state LockState) error
}

type DoorSensor interface {
	Read() (DoorState, error)
}

type Keypad interface {
	ReadKey() (Button, error)
}

type Battery interface {
	Percentage() (int, error)
}

// CardReader returns the presented card id, or "" when no card is present.
type CardReader interface {
	ReadCard() (string, error)
}

// Fingerprint captures a sample and scores it against a stored template
// on a 0..100 scale.
type Fingerprint interface {
	Capture() ([]byte, error)
	Score(sample, template []byte) (int, error)
}

// Resetter is implemented by panels that can be re-initialised after a fault.
type Resetter interface {
	Reset() error
}

// Panel groups the drivers of one cabinet. Cards and Fingerprint may be nil
// on cabinets without those readers.
type Panel struct {
	Display     Display
	Buzzer      Buzzer
	Lock        DoorLock
	Door        DoorSensor
	Keypad      Keypad
	Battery     Battery
	Cards       CardReader
	Fingerprint Fingerprint
	Resetter    Resetter
}

// Safe silences the buzzer and locks the door.
func (p Panel) Safe() error {
	var errs []error
	if p.Buzzer != nil {
		if err := p.Buzzer.Off(); err != nil {
			errs = append(errs, Fault("buzzer off", err))
		}
	}
	if p.Lock != nil {
		if err := p.Lock.Set(DoorLocked); err != nil {
			errs = append(errs, Fault("door lock", err))
		}
	}
	return errors.Join(errs...)
}

// Reset re-initialises the panel when the drivers support it.
func (p Panel) Reset() error {
	if p.Resetter == nil {
		return nil
	}
	return Fault("reset", p.Resetter.Reset())
}

// Show clears the display and writes up to two lines.
func (p Panel) Show(lines ...string) error {
	if err := p.Display.Clear(); err != nil {
		return Fault("display clear", err)
	}
	for i, l := range lines {
		if err := p.Display.WriteLine(l, i+1); err != nil {
			return Fault("display write", err)
		}
	}
	return nil
}
