package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/service"
	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/store/memory"
	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/types"
	"github.com/BrandonDHaskell/keycabinet/internal/canbus"
	"github.com/BrandonDHaskell/keycabinet/internal/hardware/sim"
)

// fakeBus is an in-memory cabinet: it knows which fob sits in which slot,
// tracks per-slot lock and LED state, and raises key events on demand.
type fakeBus struct {
	mu       sync.Mutex
	strips   []int
	slots    map[types.Position]uint64
	locks    map[types.Position]canbus.LockState
	leds     map[types.Position]canbus.LEDState
	events   canbus.Events
	lockAlls int
	sendErr  error
	silent   map[int]bool
	polls    int
}

func newFakeBus(strips ...int) *fakeBus {
	return &fakeBus{
		strips: strips,
		slots:  make(map[types.Position]uint64),
		locks:  make(map[types.Position]canbus.LockState),
		leds:   make(map[types.Position]canbus.LEDState),
	}
}

func (b *fakeBus) GetKeyID(_ context.Context, strip, slot int) (uint64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.polls++
	if b.sendErr != nil {
		return 0, false, b.sendErr
	}
	if b.silent[strip] {
		return 0, false, canbus.ErrNoResponse
	}
	fob, ok := b.slots[types.Position{Strip: strip, Slot: slot}]
	return fob, ok, nil
}

func (b *fakeBus) SetLEDSingle(_ context.Context, strip, slot int, state canbus.LEDState) (canbus.Reply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leds[types.Position{Strip: strip, Slot: slot}] = state
	return canbus.Reply{OK: true, Type: canbus.MsgAck}, nil
}

func (b *fakeBus) SetLockSingle(_ context.Context, strip, slot int, state canbus.LockState) (canbus.Reply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.locks[types.Position{Strip: strip, Slot: slot}] = state
	return canbus.Reply{OK: true, Type: canbus.MsgAck}, nil
}

func (b *fakeBus) SetLEDAll(_ context.Context, strip int, on, blinking bool) (canbus.Reply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := canbus.LEDOff
	switch {
	case blinking:
		state = canbus.LEDBlink
	case on:
		state = canbus.LEDOn
	}
	for slot := 1; slot <= types.SlotsPerStrip; slot++ {
		b.leds[types.Position{Strip: strip, Slot: slot}] = state
	}
	return canbus.Reply{OK: true, Type: canbus.MsgAck}, nil
}

func (b *fakeBus) LockAll(_ context.Context, strip int) (canbus.Reply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lockAlls++
	for slot := 1; slot <= types.SlotsPerStrip; slot++ {
		b.locks[types.Position{Strip: strip, Slot: slot}] = canbus.Locked
	}
	return canbus.Reply{OK: true, Type: canbus.MsgAck}, nil
}

func (b *fakeBus) PollEvents() canbus.Events {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.events
}

func (b *fakeBus) ClearKeyTaken() {
	b.mu.Lock()
	b.events.KeyTaken = nil
	b.mu.Unlock()
}

func (b *fakeBus) ClearKeyInserted() {
	b.mu.Lock()
	b.events.KeyInserted = nil
	b.mu.Unlock()
}

func (b *fakeBus) KnownStrips() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.strips...)
}

// Put places fob in a slot without raising an event.
func (b *fakeBus) Put(p types.Position, fob uint64) {
	b.mu.Lock()
	b.slots[p] = fob
	b.mu.Unlock()
}

// Take removes whatever sits at p and raises KEY_TAKEN.
func (b *fakeBus) Take(p types.Position) {
	b.mu.Lock()
	fob := b.slots[p]
	delete(b.slots, p)
	b.events.KeyTaken = &canbus.KeyEvent{Strip: p.Strip, Slot: p.Slot, FobID: fob}
	b.mu.Unlock()
}

// Insert places fob at p and raises KEY_INSERTED.
func (b *fakeBus) Insert(p types.Position, fob uint64) {
	b.mu.Lock()
	b.slots[p] = fob
	b.events.KeyInserted = &canbus.KeyEvent{Strip: p.Strip, Slot: p.Slot, FobID: fob}
	b.mu.Unlock()
}

func (b *fakeBus) Lock(p types.Position) canbus.LockState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.locks[p]
}

func (b *fakeBus) LED(p types.Position) canbus.LEDState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.leds[p]
}

// fakeClock is a manual clock; Sleep advances it.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) { c.Advance(d) }

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// wednesday10 is a fixed local weekday morning.
var wednesday10 = time.Date(2026, time.March, 11, 10, 0, 0, 0, time.Local)

func pos(strip, slot int) types.Position { return types.Position{Strip: strip, Slot: slot} }

func ptr[T any](v T) *T { return &v }

// keyAt is a registered key sitting in its home slot.
func keyAt(id int64, name string, home types.Position, peg uint64) types.Key {
	h := home
	return types.Key{
		ID:      id,
		Name:    name,
		Home:    home,
		Current: &h,
		PegID:   peg,
		Status:  types.KeyPresentRightSlot,
	}
}

func hashPIN(t *testing.T, pin string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(h)
}

// harness wires a full session stack over memory stores, the simulated
// panel and the fake bus.
type harness struct {
	panel    *sim.Panel
	bus      *fakeBus
	clock    *fakeClock
	keys     *memory.KeyStore
	access   *memory.AccessStore
	sessions *memory.SessionStore
	events   *memory.EventStore
	prompted *memory.PromptedKeyStore
	gate     *service.Gate
	inv      *service.Inventory
	auth     *service.Authenticator
	rec      *service.Recorder
	esc      *service.Escalator
	session  *service.Session
}

const (
	testUserID = 7
	testPIN    = "4321"
	testCard   = "0004211337"
	testCode   = "101"
)

var testPrint = []byte("dana-right-index")

func newHarness(t *testing.T, keys ...types.Key) *harness {
	t.Helper()
	logger := zap.NewNop()

	h := &harness{
		panel:    sim.New(),
		bus:      newFakeBus(1, 2),
		clock:    newFakeClock(wednesday10),
		keys:     memory.NewKeyStore(keys...),
		access:   memory.NewAccessStore(),
		sessions: memory.NewSessionStore(),
		events:   memory.NewEventStore(),
		prompted: memory.NewPromptedKeyStore(),
		gate:     &service.Gate{},
	}
	for _, k := range keys {
		if k.Current != nil && k.PegID != 0 {
			h.bus.Put(*k.Current, k.PegID)
		}
	}

	h.access.PutUser(types.User{
		ID:          testUserID,
		Name:        "Dana",
		RoleID:      2,
		PINHash:     hashPIN(t, testPIN),
		CardID:      testCard,
		Fingerprint: testPrint,
		Active:      true,
	})
	var keyIDs []int64
	for _, k := range keys {
		keyIDs = append(keyIDs, k.ID)
	}
	h.access.PutActivity(types.Activity{
		ID:             1,
		Code:           testCode,
		Name:           "Vehicle pickup",
		KeyIDs:         keyIDs,
		UserIDs:        []int64{testUserID},
		Weekdays:       types.AllWeekdays,
		TimeoutMinutes: 60,
	})

	hw := h.panel.Hardware()
	h.inv = service.NewInventory(h.keys, logger)
	h.auth = service.NewAuthenticator(h.access, h.panel, service.AuthConfig{})
	h.rec = service.NewRecorder(h.events, nil, logger)
	h.esc = service.NewEscalator(service.EscalatorDeps{
		Inventory:  h.inv,
		Sessions:   h.sessions,
		Activities: h.access,
		Events:     h.events,
		Prompted:   h.prompted,
		Recorder:   h.rec,
		Panel:      hw,
		Gate:       h.gate,
		Logger:     logger,
		Now:        h.clock.Now,
	}, service.EscalationConfig{})
	h.session = service.NewSession(service.SessionDeps{
		Panel:     hw,
		Bus:       h.bus,
		Inventory: h.inv,
		Auth:      h.auth,
		Policy:    service.NewActivityPolicy(h.access, h.sessions),
		Sessions:  h.sessions,
		Escalator: h.esc,
		Recorder:  h.rec,
		Gate:      h.gate,
		Logger:    logger,
		Now:       h.clock.Now,
		Sleep:     h.clock.Sleep,
	}, service.SessionConfig{
		Capabilities: service.Capabilities{
			AuthModes: []types.AuthMode{types.AuthPIN, types.AuthCard, types.AuthCardPIN, types.AuthBiometric},
			AdminMenu: true,
		},
	})
	return h
}

func (h *harness) key(t *testing.T, id int64) types.Key {
	t.Helper()
	k, err := h.keys.GetKey(context.Background(), id)
	if err != nil {
		t.Fatalf("GetKey(%d): %v", id, err)
	}
	return k
}

func (h *harness) eventIDs() []types.EventID {
	var out []types.EventID
	for _, e := range h.events.Events() {
		out = append(out, e.EventID)
	}
	return out
}
