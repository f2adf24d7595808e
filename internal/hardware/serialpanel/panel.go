// Package serialpanel drives the cabinet front-panel board over a serial
// port. The board speaks a line protocol: one ASCII command per line, and
// query commands answer with a single line.
//
//	CLR               clear display
//	LCD <n> <text>    write display line n
//	BZ 0|1            buzzer
//	LOCK 0|1          door lock (1 = locked)
//	DOOR?             -> DOOR 0|1 (1 = open)
//	KEY?              -> KEY <name> | KEY -
//	BAT?              -> BAT <percent>
//	CARD?             -> CARD <id> | CARD -
package serialpanel

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/keycabinet/internal/hardware"
)

var ErrBadReply = errors.New("serialpanel: unexpected reply")

const (
	postWriteDelay = 20 * time.Millisecond
	readTimeout    = 300 * time.Millisecond
	maxLineWidth   = 16
)

type Config struct {
	PortPath string
	BaudRate int
}

// Panel is the serial front-panel driver.
type Panel struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	port   serial.Port
	reader *bufio.Reader
}

func New(cfg Config, logger *zap.Logger) *Panel {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	return &Panel{cfg: cfg, logger: logger}
}

// Open connects to the board and checks it answers.
func (p *Panel) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openLocked()
}

func (p *Panel) openLocked() error {
	mode := &serial.Mode{
		BaudRate: p.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(p.cfg.PortPath, mode)
	if err != nil {
		return fmt.Errorf("serialpanel: open %s: %w", p.cfg.PortPath, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return fmt.Errorf("serialpanel: set timeout: %w", err)
	}
	p.port = port
	p.reader = bufio.NewReader(port)

	if _, err := p.queryLocked("BAT?", "BAT"); err != nil {
		port.Close()
		p.port = nil
		return fmt.Errorf("serialpanel: handshake: %w", err)
	}
	p.logger.Info("front panel connected", zap.String("port", p.cfg.PortPath), zap.Int("baud", p.cfg.BaudRate))
	return nil
}

// Reset closes and reopens the port.
func (p *Panel) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port != nil {
		_ = p.port.Close()
		p.port = nil
	}
	return p.openLocked()
}

func (p *Panel) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	return err
}

// Hardware returns the driver set backed by the board. The board has no
// fingerprint module.
func (p *Panel) Hardware() hardware.Panel {
	return hardware.Panel{
		Display:  p,
		Buzzer:   buzzer{p},
		Lock:     p,
		Door:     p,
		Keypad:   p,
		Battery:  p,
		Cards:    p,
		Resetter: p,
	}
}

func (p *Panel) writeLocked(cmd string) error {
	if p.port == nil {
		return errors.New("serialpanel: port not open")
	}
	if _, err := p.port.Write([]byte(cmd + "\n")); err != nil {
		return err
	}
	time.Sleep(postWriteDelay)
	return nil
}

func (p *Panel) queryLocked(cmd, prefix string) (string, error) {
	if err := p.writeLocked(cmd); err != nil {
		return "", err
	}
	line, err := p.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("serialpanel: read %s: %w", cmd, err)
	}
	line = strings.TrimSpace(line)
	rest, ok := strings.CutPrefix(line, prefix)
	if !ok {
		return "", fmt.Errorf("%w: %q to %s", ErrBadReply, line, cmd)
	}
	return strings.TrimSpace(rest), nil
}

func (p *Panel) exec(cmd string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeLocked(cmd)
}

func (p *Panel) query(cmd, prefix string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queryLocked(cmd, prefix)
}

func (p *Panel) Clear() error { return p.exec("CLR") }

func (p *Panel) WriteLine(text string, line int) error {
	if len(text) > maxLineWidth {
		text = text[:maxLineWidth]
	}
	return p.exec(fmt.Sprintf("LCD %d %s", line, text))
}

func (p *Panel) Set(state hardware.LockState) error {
	if state == hardware.DoorLocked {
		return p.exec("LOCK 1")
	}
	return p.exec("LOCK 0")
}

func (p *Panel) Read() (hardware.DoorState, error) {
	v, err := p.query("DOOR?", "DOOR")
	if err != nil {
		return hardware.DoorClosed, err
	}
	if v == "1" {
		return hardware.DoorOpen, nil
	}
	return hardware.DoorClosed, nil
}

func (p *Panel) ReadKey() (hardware.Button, error) {
	v, err := p.query("KEY?", "KEY")
	if err != nil || v == "-" {
		return hardware.ButtonNone, err
	}
	return hardware.Button(v), nil
}

func (p *Panel) Percentage() (int, error) {
	v, err := p.query("BAT?", "BAT")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: battery %q", ErrBadReply, v)
	}
	return n, nil
}

func (p *Panel) ReadCard() (string, error) {
	v, err := p.query("CARD?", "CARD")
	if err != nil || v == "-" {
		return "", err
	}
	return v, nil
}

// buzzer adapts the BZ command to hardware.Buzzer; Panel.Set is taken by
// the door lock.
type buzzer struct{ p *Panel }

func (b buzzer) On() error  { return b.p.exec("BZ 1") }
func (b buzzer) Off() error { return b.p.exec("BZ 0") }
