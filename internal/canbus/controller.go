package canbus

import (
	"context"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultResponseWindow is how long a command waits for its ACK/RESPONSE.
const DefaultResponseWindow = 500 * time.Millisecond

// handshakeSendTimeout bounds each queued discovery reply.
const handshakeSendTimeout = 250 * time.Millisecond

// outboxSize is how many discovery replies may wait for the sender.
const outboxSize = 64

// LEDState is the single-slot LED mode.
type LEDState uint8

const (
	LEDOff   LEDState = 0
	LEDOn    LEDState = 1
	LEDBlink LEDState = 2
)

// LockState is the solenoid state of a slot lock or the box lock.
type LockState uint8

const (
	Unlocked LockState = 0
	Locked   LockState = 1
)

// Reply is the outcome of one command. OK is false when nothing matching
// arrived inside the response window.
type Reply struct {
	OK   bool
	Type MsgType
	Data []byte
}

// KeyEvent is a decoded unsolicited taken/inserted notification.
type KeyEvent struct {
	Strip int
	Slot  int
	FobID uint64
	At    time.Time
}

// Events is a snapshot of the level-triggered key-event flags.
type Events struct {
	KeyTaken    *KeyEvent
	KeyInserted *KeyEvent
}

// StripObserver is told about a strip the first time it answers.
type StripObserver func(strip int, version []byte)

type handshakeStage int

const (
	stageAssigned handshakeStage = iota
	stageConfirming
	stageComplete
)

type handshake struct {
	id     uint8
	unique string
	stage  handshakeStage
}

type pendingCommand struct {
	dest  uint8
	fn    Function
	reply chan Frame
}

// Options configures a Controller.
type Options struct {
	ResponseWindow time.Duration
	Observer       StripObserver
	Now            func() time.Time
}

// Controller speaks the strip protocol over a Bus. At most one command is
// outstanding at a time. Inbound frames are handled by HandleFrame, which
// never blocks on the bus: discovery replies go through an outbox drained
// by Run.
type Controller struct {
	bus      Bus
	logger   *zap.Logger
	window   time.Duration
	observer StripObserver
	now      func() time.Time
	outbox   chan Frame

	cmdMu sync.Mutex

	mu         sync.Mutex
	pending    *pendingCommand
	nextID     uint8
	handshakes map[uint8]*handshake
	byUnique   map[string]uint8
	active     map[uint8]struct{}
	known      map[uint8][]byte
	taken      *KeyEvent
	inserted   *KeyEvent
}

// NewController returns a Controller on bus. Nothing is sent or received
// until Run is called.
func NewController(bus Bus, logger *zap.Logger, opt Options) *Controller {
	if opt.ResponseWindow <= 0 {
		opt.ResponseWindow = DefaultResponseWindow
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Controller{
		bus:        bus,
		logger:     logger,
		window:     opt.ResponseWindow,
		observer:   opt.Observer,
		now:        opt.Now,
		outbox:     make(chan Frame, outboxSize),
		nextID:     1,
		handshakes: make(map[uint8]*handshake),
		byUnique:   make(map[string]uint8),
		active:     make(map[uint8]struct{}),
		known:      make(map[uint8][]byte),
	}
}

// Run feeds inbound frames into HandleFrame and sends queued discovery
// replies until ctx ends or the bus fails.
func (c *Controller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.sendLoop(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	return c.bus.Receive(ctx, c.HandleFrame)
}

func (c *Controller) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.outbox:
			sendCtx, cancel := context.WithTimeout(ctx, handshakeSendTimeout)
			err := c.bus.Send(sendCtx, f)
			cancel()
			if err != nil {
				c.logger.Warn("discovery send failed", zap.Stringer("id", f.ID), zap.Error(err))
			}
		}
	}
}

// HandleFrame processes one inbound frame. Malformed or unexpected frames
// are dropped.
func (c *Controller) HandleFrame(f Frame) {
	id := f.ID
	if id.Destination != ControllerAddress && id.Destination != BroadcastAddress {
		return
	}

	switch {
	case id.Type == MsgSet && id.Function.IsKeyEvent():
		c.handleKeyEvent(f)
		return
	case id.Function == FnUniqueID && id.Source == UnassignedAddress && id.Type != MsgAck:
		c.handleUniqueID(f)
		return
	case id.Function == FnNewDevice && id.Type != MsgResponse:
		c.handleNewDevice(f)
		return
	}

	if id.Type != MsgAck && id.Type != MsgResponse {
		return
	}

	c.mu.Lock()
	p := c.pending
	if p != nil && p.fn == id.Function && (p.dest == id.Source || p.dest == BroadcastAddress) {
		select {
		case p.reply <- f:
		default:
		}
	}
	c.mu.Unlock()

	if id.Type == MsgResponse {
		c.markKnown(id.Source, id.Function, f.Data)
	}
}

// markKnown registers a strip the first time an addressed RESPONSE arrives
// from it. VERSION payloads are kept as the firmware version.
func (c *Controller) markKnown(src uint8, fn Function, data []byte) {
	if src == UnassignedAddress || src >= ControllerAddress {
		return
	}

	c.mu.Lock()
	prev, seen := c.known[src]
	if fn == FnVersion {
		c.known[src] = append([]byte(nil), data...)
	} else if !seen {
		c.known[src] = nil
	}
	first := !seen || (fn == FnVersion && prev == nil)
	version := c.known[src]
	c.mu.Unlock()

	if first && c.observer != nil {
		c.observer(int(src), version)
	}
	if !seen {
		c.logger.Info("strip registered", zap.Int("strip", int(src)), zap.String("version", hex.EncodeToString(version)))
	}
}

func (c *Controller) handleUniqueID(f Frame) {
	unique := hex.EncodeToString(f.Data)

	c.mu.Lock()
	id, ok := c.byUnique[unique]
	if ok {
		hs := c.handshakes[id]
		if hs.stage != stageAssigned {
			// The strip lost its address; walk it through the handshake again.
			c.logger.Info("strip re-announced", zap.Int("strip", int(id)), zap.String("unique_id", unique))
			hs.stage = stageAssigned
		}
	} else {
		var err error
		id, err = c.allocateLocked()
		if err != nil {
			c.mu.Unlock()
			c.logger.Warn("discovery: cannot assign address", zap.String("unique_id", unique), zap.Error(err))
			return
		}
		c.byUnique[unique] = id
		c.handshakes[id] = &handshake{id: id, unique: unique, stage: stageAssigned}
		c.logger.Info("discovery: assigned address", zap.Int("strip", int(id)), zap.String("unique_id", unique))
	}
	c.mu.Unlock()

	c.sendAsync(ID{ControllerAddress, UnassignedAddress, MsgAck, FnUniqueID}, nil)
	c.sendAsync(ID{ControllerAddress, UnassignedAddress, MsgSet, FnNewDevice}, []byte{id})
}

func (c *Controller) allocateLocked() (uint8, error) {
	for c.nextID < ControllerAddress {
		id := c.nextID
		c.nextID++
		if _, taken := c.handshakes[id]; !taken {
			return id, nil
		}
	}
	return 0, ErrNoFreeAddresses
}

func (c *Controller) handleNewDevice(f Frame) {
	src := f.ID.Source
	if src == UnassignedAddress || src >= ControllerAddress {
		return
	}

	c.mu.Lock()
	hs, ok := c.handshakes[src]
	switch f.ID.Type {
	case MsgGet:
		if !ok {
			// Addressed by an earlier controller run.
			hs = &handshake{id: src, stage: stageAssigned}
			c.handshakes[src] = hs
			if c.nextID <= src {
				c.nextID = src + 1
			}
		}
		if hs.stage != stageAssigned {
			c.mu.Unlock()
			return
		}
		hs.stage = stageConfirming
		c.mu.Unlock()

		c.sendAsync(ID{ControllerAddress, src, MsgAck, FnNewDevice}, nil)
		c.sendAsync(ID{ControllerAddress, src, MsgSet, FnNewDevice}, []byte{src})

	case MsgAck:
		if !ok || hs.stage != stageConfirming {
			c.mu.Unlock()
			return
		}
		hs.stage = stageComplete
		c.active[src] = struct{}{}
		c.mu.Unlock()
		c.logger.Info("discovery: handshake complete", zap.Int("strip", int(src)))

	default:
		c.mu.Unlock()
	}
}

func (c *Controller) handleKeyEvent(f Frame) {
	fob, _ := DecodeFobID(f.Data)
	ev := &KeyEvent{
		Strip: int(f.ID.Source),
		Slot:  f.ID.Function.Slot(),
		FobID: fob,
		At:    c.now(),
	}
	if ev.Slot > SlotsPerStrip {
		return
	}

	c.mu.Lock()
	if f.ID.Function.Base() == FnKeyTaken {
		c.taken = ev
	} else {
		c.inserted = ev
	}
	c.mu.Unlock()

	c.logger.Debug("key event",
		zap.Stringer("id", f.ID),
		zap.Int("strip", ev.Strip),
		zap.Int("slot", ev.Slot),
		zap.Uint64("fob", ev.FobID),
	)
}

// sendAsync queues a discovery reply for sendLoop. The strip retransmits
// when a reply is dropped.
func (c *Controller) sendAsync(id ID, data []byte) {
	select {
	case c.outbox <- Frame{ID: id, Data: data}:
	default:
		c.logger.Warn("discovery reply dropped, outbox full", zap.Stringer("id", id))
	}
}

// DecodeFobID concatenates the first five payload bytes as decimal digits.
// A short or all-zero payload means no fob.
func DecodeFobID(data []byte) (uint64, bool) {
	if len(data) < 5 {
		return 0, false
	}
	var b strings.Builder
	for _, d := range data[:5] {
		b.WriteString(strconv.Itoa(int(d)))
	}
	v, err := strconv.ParseUint(b.String(), 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return v, true
}

// PollEvents returns the current key-event flags. They stay set until the
// consumer clears them.
func (c *Controller) PollEvents() Events {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ev Events
	if c.taken != nil {
		t := *c.taken
		ev.KeyTaken = &t
	}
	if c.inserted != nil {
		i := *c.inserted
		ev.KeyInserted = &i
	}
	return ev
}

// ClearKeyTaken drops the key-taken flag.
func (c *Controller) ClearKeyTaken() {
	c.mu.Lock()
	c.taken = nil
	c.mu.Unlock()
}

// ClearKeyInserted drops the key-inserted flag.
func (c *Controller) ClearKeyInserted() {
	c.mu.Lock()
	c.inserted = nil
	c.mu.Unlock()
}

// ActiveStrips lists strips that completed the discovery handshake.
func (c *Controller) ActiveStrips() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedIDs(c.active)
}

// KnownStrips lists strips that have answered at least one command.
func (c *Controller) KnownStrips() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.known))
	for id := range c.known {
		out = append(out, int(id))
	}
	sort.Ints(out)
	return out
}

func sortedIDs(m map[uint8]struct{}) []int {
	out := make([]int, 0, len(m))
	for id := range m {
		out = append(out, int(id))
	}
	sort.Ints(out)
	return out
}

// command sends one frame and waits up to the response window for an
// ACK/RESPONSE with the same function from the addressed strip.
func (c *Controller) command(ctx context.Context, strip int, t MsgType, fn Function, data []byte) (Reply, error) {
	if strip < 1 || strip >= int(ControllerAddress) {
		return Reply{}, ErrInvalidStrip
	}

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	p := &pendingCommand{dest: uint8(strip), fn: fn, reply: make(chan Frame, 1)}
	c.mu.Lock()
	c.pending = p
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.pending == p {
			c.pending = nil
		}
		c.mu.Unlock()
	}()

	id := ID{Source: ControllerAddress, Destination: uint8(strip), Type: t, Function: fn}
	if err := c.bus.Send(ctx, Frame{ID: id, Data: data}); err != nil {
		return Reply{}, err
	}

	timer := time.NewTimer(c.window)
	defer timer.Stop()

	select {
	case f := <-p.reply:
		return Reply{OK: true, Type: f.ID.Type, Data: f.Data}, nil
	case <-timer.C:
		return Reply{}, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// DiscoverAndGetStrips queries the version of every address up to
// maxStrips and returns the strips known afterwards.
func (c *Controller) DiscoverAndGetStrips(ctx context.Context, maxStrips int) ([]int, error) {
	for strip := 1; strip <= maxStrips && strip < int(ControllerAddress); strip++ {
		if _, _, err := c.GetVersion(ctx, strip); err != nil {
			return c.KnownStrips(), err
		}
	}
	return c.KnownStrips(), nil
}

// GetVersion returns the firmware version bytes, or ok=false on timeout.
func (c *Controller) GetVersion(ctx context.Context, strip int) ([]byte, bool, error) {
	r, err := c.command(ctx, strip, MsgGet, FnVersion, nil)
	if err != nil || !r.OK || r.Type != MsgResponse {
		return nil, false, err
	}
	return r.Data, true, nil
}

// SetLEDAll switches every LED on strip on, off or blinking.
func (c *Controller) SetLEDAll(ctx context.Context, strip int, on, blinking bool) (Reply, error) {
	return c.command(ctx, strip, MsgSet, FnAllLEDs, []byte{boolByte(on), boolByte(blinking)})
}

// SetLEDSingle sets the LED of a one-based slot.
func (c *Controller) SetLEDSingle(ctx context.Context, strip, slot int, state LEDState) (Reply, error) {
	if slot < 1 || slot > SlotsPerStrip {
		return Reply{}, ErrInvalidSlot
	}
	return c.command(ctx, strip, MsgSet, FnSingleLED, []byte{uint8(slot - 1), uint8(state)})
}

// LockAll locks every slot of strip.
func (c *Controller) LockAll(ctx context.Context, strip int) (Reply, error) {
	return c.command(ctx, strip, MsgSet, FnAllKeylocks, []byte{uint8(Locked)})
}

// UnlockAll releases every slot of strip.
func (c *Controller) UnlockAll(ctx context.Context, strip int) (Reply, error) {
	return c.command(ctx, strip, MsgSet, FnAllKeylocks, []byte{uint8(Unlocked)})
}

// SetLockSingle locks or releases a one-based slot.
func (c *Controller) SetLockSingle(ctx context.Context, strip, slot int, state LockState) (Reply, error) {
	if slot < 1 || slot > SlotsPerStrip {
		return Reply{}, ErrInvalidSlot
	}
	return c.command(ctx, strip, MsgSet, FnSingleKeylock, []byte{uint8(slot - 1), uint8(state)})
}

// SetBoxLock drives the box lock wired to strip.
func (c *Controller) SetBoxLock(ctx context.Context, strip int, state LockState) (Reply, error) {
	return c.command(ctx, strip, MsgSet, FnBoxlock, []byte{uint8(state)})
}

// GetDoorSensor reads the door contact wired to a strip. ok is false when
// the strip did not answer.
func (c *Controller) GetDoorSensor(ctx context.Context, strip int) (open bool, ok bool, err error) {
	r, err := c.command(ctx, strip, MsgGet, FnDoorSensor, nil)
	if err != nil || !r.OK || r.Type != MsgResponse || len(r.Data) == 0 {
		return false, false, err
	}
	return r.Data[0] != 0, true, nil
}

// GetKeyID asks a strip which fob sits in a one-based slot. present is false
// for an empty slot. A strip that does not answer inside the response window
// yields ErrNoResponse, so silence is never read as an empty slot.
func (c *Controller) GetKeyID(ctx context.Context, strip, slot int) (fob uint64, present bool, err error) {
	fn, err := SlotFunction(FnKeyID, slot)
	if err != nil {
		return 0, false, err
	}
	r, err := c.command(ctx, strip, MsgGet, fn, nil)
	if err != nil {
		return 0, false, err
	}
	if !r.OK || r.Type != MsgResponse {
		return 0, false, ErrNoResponse
	}
	fob, present = DecodeFobID(r.Data)
	return fob, present, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
