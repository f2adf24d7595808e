// Package sim is an in-memory cabinet panel used in dev mode and tests.
package sim

import (
	"bytes"
	"errors"
	"sync"

	"github.com/BrandonDHaskell/keycabinet/internal/hardware"
)

var ErrInjected = errors.New("sim: injected failure")

// Panel simulates every driver on the hardware boundary.
type Panel struct {
	mu sync.Mutex

	lines    map[int]string
	history  []string
	buzzer   bool
	buzzes   int
	lock     hardware.LockState
	unlocks  int
	door     hardware.DoorState
	doorFn   func(reads int) hardware.DoorState
	reads    int
	keys     []hardware.Button
	card     string
	sample   []byte
	battery  int
	failNext bool
	resets   int
}

func New() *Panel {
	return &Panel{
		lines:   make(map[int]string),
		lock:    hardware.DoorLocked,
		battery: 100,
	}
}

// Hardware returns the driver set backed by p.
func (p *Panel) Hardware() hardware.Panel {
	return hardware.Panel{
		Display:     p,
		Buzzer:      p,
		Lock:        p,
		Door:        p,
		Keypad:      p,
		Battery:     p,
		Cards:       p,
		Fingerprint: p,
		Resetter:    p,
	}
}

func (p *Panel) fail() error {
	if p.failNext {
		p.failNext = false
		return ErrInjected
	}
	return nil
}

// FailNext makes the next driver call return an error.
func (p *Panel) FailNext() {
	p.mu.Lock()
	p.failNext = true
	p.mu.Unlock()
}

func (p *Panel) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	p.lines = make(map[int]string)
	return nil
}

func (p *Panel) WriteLine(text string, line int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	p.lines[line] = text
	p.history = append(p.history, text)
	return nil
}

func (p *Panel) On() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	if !p.buzzer {
		p.buzzes++
	}
	p.buzzer = true
	return nil
}

func (p *Panel) Off() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	p.buzzer = false
	return nil
}

func (p *Panel) Set(state hardware.LockState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return err
	}
	if state == hardware.DoorUnlocked && p.lock != hardware.DoorUnlocked {
		p.unlocks++
	}
	p.lock = state
	return nil
}

func (p *Panel) Read() (hardware.DoorState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return hardware.DoorClosed, err
	}
	p.reads++
	if p.doorFn != nil {
		p.door = p.doorFn(p.reads)
	}
	return p.door, nil
}

func (p *Panel) ReadKey() (hardware.Button, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return hardware.ButtonNone, err
	}
	if len(p.keys) == 0 {
		return hardware.ButtonNone, nil
	}
	k := p.keys[0]
	p.keys = p.keys[1:]
	return k, nil
}

func (p *Panel) Percentage() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.battery, p.fail()
}

func (p *Panel) ReadCard() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return "", err
	}
	c := p.card
	p.card = ""
	return c, nil
}

func (p *Panel) Capture() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail(); err != nil {
		return nil, err
	}
	return p.sample, nil
}

// Score returns 100 for an exact template match and 0 otherwise.
func (p *Panel) Score(sample, template []byte) (int, error) {
	if len(sample) > 0 && bytes.Equal(sample, template) {
		return 100, nil
	}
	return 0, nil
}

func (p *Panel) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	p.failNext = false
	return nil
}

// Scripting helpers.

func (p *Panel) Press(keys ...hardware.Button) {
	p.mu.Lock()
	p.keys = append(p.keys, keys...)
	p.mu.Unlock()
}

// Type queues each character of s as a key followed by ENTER.
func (p *Panel) Type(s string) {
	p.mu.Lock()
	for _, r := range s {
		p.keys = append(p.keys, hardware.Button(string(r)))
	}
	p.keys = append(p.keys, hardware.ButtonEnter)
	p.mu.Unlock()
}

func (p *Panel) PresentCard(id string) {
	p.mu.Lock()
	p.card = id
	p.mu.Unlock()
}

func (p *Panel) PresentFinger(sample []byte) {
	p.mu.Lock()
	p.sample = sample
	p.mu.Unlock()
}

func (p *Panel) SetDoor(s hardware.DoorState) {
	p.mu.Lock()
	p.door = s
	p.doorFn = nil
	p.mu.Unlock()
}

// ScriptDoor drives the door sensor from the number of reads so far.
func (p *Panel) ScriptDoor(fn func(reads int) hardware.DoorState) {
	p.mu.Lock()
	p.doorFn = fn
	p.reads = 0
	p.mu.Unlock()
}

func (p *Panel) SetBattery(pct int) {
	p.mu.Lock()
	p.battery = pct
	p.mu.Unlock()
}

// Inspection helpers.

func (p *Panel) Line(n int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lines[n]
}

func (p *Panel) History() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.history...)
}

func (p *Panel) BuzzerOn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buzzer
}

// Buzzes counts off-to-on transitions of the buzzer.
func (p *Panel) Buzzes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buzzes
}

func (p *Panel) LockState() hardware.LockState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lock
}

func (p *Panel) Unlocks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unlocks
}

func (p *Panel) Resets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}
