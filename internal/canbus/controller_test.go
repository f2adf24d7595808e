package canbus_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/keycabinet/internal/canbus"
)

// fakeBus records every frame sent and, when respond is set, feeds the
// frames it returns straight back into the controller. While stall is open
// every Send blocks until it is closed or the send context ends.
type fakeBus struct {
	mu      sync.Mutex
	sent    []canbus.Frame
	sendErr error
	stall   chan struct{}
	respond func(canbus.Frame) []canbus.Frame
	ctl     *canbus.Controller
}

func (b *fakeBus) Send(ctx context.Context, f canbus.Frame) error {
	b.mu.Lock()
	stall := b.stall
	b.mu.Unlock()
	if stall != nil {
		select {
		case <-stall:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.mu.Lock()
	if b.sendErr != nil {
		err := b.sendErr
		b.mu.Unlock()
		return err
	}
	b.sent = append(b.sent, f)
	respond, ctl := b.respond, b.ctl
	b.mu.Unlock()

	if respond != nil {
		for _, r := range respond(f) {
			ctl.HandleFrame(r)
		}
	}
	return nil
}

func (b *fakeBus) Receive(ctx context.Context, _ func(canbus.Frame)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) Sent() []canbus.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]canbus.Frame(nil), b.sent...)
}

func (b *fakeBus) count(t canbus.MsgType, fn canbus.Function) int {
	n := 0
	for _, f := range b.Sent() {
		if f.ID.Type == t && f.ID.Function == fn {
			n++
		}
	}
	return n
}

func (b *fakeBus) countTo(dst uint8, t canbus.MsgType, fn canbus.Function) int {
	n := 0
	for _, f := range b.Sent() {
		if f.ID.Destination == dst && f.ID.Type == t && f.ID.Function == fn {
			n++
		}
	}
	return n
}

// waitSent waits until at least n frames went out on bus.
func (b *fakeBus) waitSent(t *testing.T, n int) []canbus.Frame {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		sent := b.Sent()
		if len(sent) >= n {
			return sent
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d frames sent, got %d: %v", n, len(sent), sent)
		}
		time.Sleep(time.Millisecond)
	}
}

// newTestController returns a running controller on a fakeBus.
func newTestController(t *testing.T, window time.Duration) (*canbus.Controller, *fakeBus) {
	t.Helper()
	bus := &fakeBus{}
	ctl := canbus.NewController(bus, zap.NewNop(), canbus.Options{ResponseWindow: window})
	bus.ctl = ctl

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ctl.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ctl, bus
}

func frame(src, dst uint8, t canbus.MsgType, fn canbus.Function, data ...byte) canbus.Frame {
	return canbus.Frame{ID: canbus.ID{Source: src, Destination: dst, Type: t, Function: fn}, Data: data}
}

// ── Discovery handshake ──────────────────────────────────────────────────────

func TestHandshake_DuplicateGetAssignsOneID(t *testing.T) {
	ctl, bus := newTestController(t, 20*time.Millisecond)
	unique := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02, 0x03, 0x04}

	ctl.HandleFrame(frame(canbus.UnassignedAddress, canbus.BroadcastAddress, canbus.MsgSet, canbus.FnUniqueID, unique...))

	sent := bus.waitSent(t, 2)
	if len(sent) != 2 {
		t.Fatalf("expected ACK + SET after UNIQUE_ID, got %d frames", len(sent))
	}
	if sent[0].ID.Type != canbus.MsgAck || sent[0].ID.Function != canbus.FnUniqueID {
		t.Errorf("first frame: got %v, want ACK UNIQUE_ID", sent[0].ID)
	}
	if sent[1].ID.Type != canbus.MsgSet || sent[1].ID.Function != canbus.FnNewDevice {
		t.Fatalf("second frame: got %v, want SET NEW_DEVICE", sent[1].ID)
	}
	if !reflect.DeepEqual(sent[1].Data, []byte{1}) {
		t.Fatalf("assigned id payload = %v, want [1]", sent[1].Data)
	}

	// The strip retransmits its GET twice.
	get := frame(1, canbus.ControllerAddress, canbus.MsgGet, canbus.FnNewDevice)
	ctl.HandleFrame(get)
	ctl.HandleFrame(get)
	ctl.HandleFrame(get)

	// A second strip announcing itself queues its replies behind anything
	// the GETs produced, so once its ACK is out the count is final.
	ctl.HandleFrame(frame(canbus.UnassignedAddress, canbus.BroadcastAddress, canbus.MsgSet, canbus.FnUniqueID, 1, 1, 1, 1))
	bus.waitSent(t, 6)

	if n := bus.countTo(1, canbus.MsgAck, canbus.FnNewDevice); n != 1 {
		t.Errorf("expected 1 ACK NEW_DEVICE to strip 1, got %d", n)
	}
	if n := bus.countTo(1, canbus.MsgSet, canbus.FnNewDevice); n != 1 {
		t.Errorf("expected 1 confirming SET NEW_DEVICE to strip 1, got %d", n)
	}
	if n := bus.count(canbus.MsgAck, canbus.FnUniqueID); n != 2 {
		t.Errorf("expected 2 ACK UNIQUE_ID, got %d", n)
	}
	if got := ctl.ActiveStrips(); len(got) != 0 {
		t.Fatalf("strip active before its ACK: %v", got)
	}

	ack := frame(1, canbus.ControllerAddress, canbus.MsgAck, canbus.FnNewDevice)
	ctl.HandleFrame(ack)
	ctl.HandleFrame(ack)

	if got := ctl.ActiveStrips(); !reflect.DeepEqual(got, []int{1}) {
		t.Fatalf("ActiveStrips = %v, want [1]", got)
	}
}

func TestHandshake_SequentialIDs(t *testing.T) {
	ctl, bus := newTestController(t, 20*time.Millisecond)

	ctl.HandleFrame(frame(0, canbus.BroadcastAddress, canbus.MsgSet, canbus.FnUniqueID, 1, 1, 1, 1))
	ctl.HandleFrame(frame(0, canbus.BroadcastAddress, canbus.MsgSet, canbus.FnUniqueID, 2, 2, 2, 2))
	// Same strip announcing again keeps its id.
	ctl.HandleFrame(frame(0, canbus.BroadcastAddress, canbus.MsgSet, canbus.FnUniqueID, 1, 1, 1, 1))

	var ids []byte
	for _, f := range bus.waitSent(t, 6) {
		if f.ID.Type == canbus.MsgSet && f.ID.Function == canbus.FnNewDevice {
			ids = append(ids, f.Data[0])
		}
	}
	if !reflect.DeepEqual(ids, []byte{1, 2, 1}) {
		t.Fatalf("assigned ids = %v, want [1 2 1]", ids)
	}
}

func TestHandshake_IgnoresFramesForOtherNodes(t *testing.T) {
	ctl, bus := newTestController(t, 20*time.Millisecond)

	ctl.HandleFrame(frame(0, 0x05, canbus.MsgSet, canbus.FnUniqueID, 9, 9, 9, 9))
	if len(bus.Sent()) != 0 {
		t.Fatalf("expected no reply to a frame for another node, got %v", bus.Sent())
	}
}

func TestHandshake_StalledBusDoesNotBlockReceive(t *testing.T) {
	ctl, bus := newTestController(t, 20*time.Millisecond)
	bus.mu.Lock()
	bus.stall = make(chan struct{})
	bus.mu.Unlock()

	handled := make(chan struct{})
	go func() {
		defer close(handled)
		ctl.HandleFrame(frame(0, canbus.BroadcastAddress, canbus.MsgSet, canbus.FnUniqueID, 7, 7, 7, 7))
		ctl.HandleFrame(frame(1, canbus.ControllerAddress, canbus.MsgSet, canbus.FnKeyTaken|2, 0, 0, 0, 1, 2))
	}()

	select {
	case <-handled:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("HandleFrame blocked on a stalled bus")
	}
	if ev := ctl.PollEvents(); ev.KeyTaken == nil {
		t.Fatal("key event behind the handshake was not handled")
	}

	bus.mu.Lock()
	close(bus.stall)
	bus.stall = nil
	bus.mu.Unlock()
	bus.waitSent(t, 2)
}

// ── Command correlation ──────────────────────────────────────────────────────

func TestGetKeyID_DecodesMatchingResponse(t *testing.T) {
	ctl, bus := newTestController(t, 50*time.Millisecond)
	bus.respond = func(f canbus.Frame) []canbus.Frame {
		if f.ID.Type != canbus.MsgGet || f.ID.Function.Base() != canbus.FnKeyID {
			return nil
		}
		data := []byte{0, 0, 0, 0, 0}
		if f.ID.Destination == 2 && f.ID.Function.Slot() == 3 {
			data = []byte{0, 0, 1, 2, 3}
		}
		return []canbus.Frame{frame(f.ID.Destination, canbus.ControllerAddress, canbus.MsgResponse, f.ID.Function, data...)}
	}

	fob, present, err := ctl.GetKeyID(context.Background(), 2, 3)
	if err != nil {
		t.Fatalf("GetKeyID: %v", err)
	}
	if !present || fob != 123 {
		t.Fatalf("GetKeyID = (%d, %v), want (123, true)", fob, present)
	}

	sent := bus.Sent()
	if got := sent[len(sent)-1].ID.Function; got != canbus.FnKeyID|2 {
		t.Errorf("slot 3 encoded as %#x, want 0x102", uint16(got))
	}

	_, present, err = ctl.GetKeyID(context.Background(), 2, 4)
	if err != nil {
		t.Fatalf("GetKeyID: %v", err)
	}
	if present {
		t.Error("expected empty slot to report absent")
	}
}

func TestCommand_NoResponseIsNotAnError(t *testing.T) {
	ctl, _ := newTestController(t, 10*time.Millisecond)

	r, err := ctl.SetLEDSingle(context.Background(), 1, 5, canbus.LEDBlink)
	if err != nil {
		t.Fatalf("SetLEDSingle: %v", err)
	}
	if r.OK {
		t.Fatal("expected OK=false without a reply")
	}
}

func TestGetKeyID_SilentStripIsNotAnEmptySlot(t *testing.T) {
	ctl, _ := newTestController(t, 10*time.Millisecond)

	_, present, err := ctl.GetKeyID(context.Background(), 1, 5)
	if !errors.Is(err, canbus.ErrNoResponse) {
		t.Fatalf("GetKeyID without reply: err = %v, want ErrNoResponse", err)
	}
	if present {
		t.Error("expected present=false without a reply")
	}
}

func TestCommand_IgnoresReplyFromOtherStrip(t *testing.T) {
	ctl, bus := newTestController(t, 10*time.Millisecond)
	bus.respond = func(f canbus.Frame) []canbus.Frame {
		return []canbus.Frame{frame(f.ID.Destination+1, canbus.ControllerAddress, canbus.MsgAck, f.ID.Function)}
	}

	r, err := ctl.LockAll(context.Background(), 1)
	if err != nil {
		t.Fatalf("LockAll: %v", err)
	}
	if r.OK {
		t.Fatal("reply from strip 2 must not satisfy a command to strip 1")
	}
}

func TestCommand_IgnoresReplyForOtherFunction(t *testing.T) {
	ctl, bus := newTestController(t, 10*time.Millisecond)
	bus.respond = func(f canbus.Frame) []canbus.Frame {
		return []canbus.Frame{frame(f.ID.Destination, canbus.ControllerAddress, canbus.MsgAck, canbus.FnAllLEDs)}
	}

	r, err := ctl.SetLockSingle(context.Background(), 1, 2, canbus.Unlocked)
	if err != nil {
		t.Fatalf("SetLockSingle: %v", err)
	}
	if r.OK {
		t.Fatal("ACK for ALL_LEDS must not satisfy SINGLE_KEYLOCK")
	}
}

func TestCommand_PayloadLayout(t *testing.T) {
	ctl, bus := newTestController(t, 5*time.Millisecond)
	ctx := context.Background()

	ctl.SetLEDSingle(ctx, 1, 3, canbus.LEDOn)
	ctl.SetLockSingle(ctx, 1, 14, canbus.Locked)
	ctl.SetLEDAll(ctx, 1, true, false)
	ctl.UnlockAll(ctx, 1)

	sent := bus.Sent()
	if len(sent) != 4 {
		t.Fatalf("expected 4 frames, got %d", len(sent))
	}
	want := [][]byte{{2, 1}, {13, 1}, {1, 0}, {0}}
	for i, f := range sent {
		if f.ID.Source != canbus.ControllerAddress || f.ID.Destination != 1 || f.ID.Type != canbus.MsgSet {
			t.Errorf("frame %d: unexpected id %v", i, f.ID)
		}
		if !reflect.DeepEqual(f.Data, want[i]) {
			t.Errorf("frame %d payload = %v, want %v", i, f.Data, want[i])
		}
	}
}

func TestCommand_SendFailureReported(t *testing.T) {
	ctl, bus := newTestController(t, 10*time.Millisecond)
	sendErr := errors.New("tx queue full")
	bus.sendErr = sendErr

	_, err := ctl.LockAll(context.Background(), 1)
	if !errors.Is(err, sendErr) {
		t.Fatalf("expected send error, got %v", err)
	}
}

func TestCommand_ValidatesAddresses(t *testing.T) {
	ctl, bus := newTestController(t, 10*time.Millisecond)
	ctx := context.Background()

	if _, err := ctl.SetLEDSingle(ctx, 1, 15, canbus.LEDOn); !errors.Is(err, canbus.ErrInvalidSlot) {
		t.Errorf("slot 15: expected ErrInvalidSlot, got %v", err)
	}
	if _, err := ctl.LockAll(ctx, 0); !errors.Is(err, canbus.ErrInvalidStrip) {
		t.Errorf("strip 0: expected ErrInvalidStrip, got %v", err)
	}
	if _, err := ctl.LockAll(ctx, int(canbus.ControllerAddress)); !errors.Is(err, canbus.ErrInvalidStrip) {
		t.Errorf("strip 0xFE: expected ErrInvalidStrip, got %v", err)
	}
	if len(bus.Sent()) != 0 {
		t.Errorf("invalid commands reached the bus: %v", bus.Sent())
	}
}

// ── Known strips ─────────────────────────────────────────────────────────────

func TestDiscoverAndGetStrips_RegistersOnVersionResponse(t *testing.T) {
	var (
		mu       sync.Mutex
		observed = map[int][]byte{}
	)
	bus := &fakeBus{}
	ctl := canbus.NewController(bus, zap.NewNop(), canbus.Options{
		ResponseWindow: 10 * time.Millisecond,
		Observer: func(strip int, version []byte) {
			mu.Lock()
			observed[strip] = version
			mu.Unlock()
		},
	})
	bus.ctl = ctl
	bus.respond = func(f canbus.Frame) []canbus.Frame {
		if f.ID.Function != canbus.FnVersion || (f.ID.Destination != 1 && f.ID.Destination != 3) {
			return nil
		}
		return []canbus.Frame{frame(f.ID.Destination, canbus.ControllerAddress, canbus.MsgResponse, canbus.FnVersion, 1, 4, f.ID.Destination)}
	}

	strips, err := ctl.DiscoverAndGetStrips(context.Background(), 4)
	if err != nil {
		t.Fatalf("DiscoverAndGetStrips: %v", err)
	}
	if !reflect.DeepEqual(strips, []int{1, 3}) {
		t.Fatalf("strips = %v, want [1 3]", strips)
	}

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(observed[3], []byte{1, 4, 3}) {
		t.Errorf("observer version for strip 3 = %v", observed[3])
	}
	if len(observed) != 2 {
		t.Errorf("observer called for %d strips, want 2", len(observed))
	}
}

func TestKnownStrips_AnyAddressedResponse(t *testing.T) {
	ctl, _ := newTestController(t, 10*time.Millisecond)

	ctl.HandleFrame(frame(4, canbus.ControllerAddress, canbus.MsgResponse, canbus.FnDoorSensor, 0))
	ctl.HandleFrame(frame(5, canbus.ControllerAddress, canbus.MsgAck, canbus.FnAllLEDs))

	if got := ctl.KnownStrips(); !reflect.DeepEqual(got, []int{4}) {
		t.Fatalf("KnownStrips = %v, want [4]", got)
	}
}

// ── Key events ───────────────────────────────────────────────────────────────

func TestKeyEvents_LevelTriggeredUntilCleared(t *testing.T) {
	ctl, _ := newTestController(t, 10*time.Millisecond)

	ctl.HandleFrame(frame(1, canbus.ControllerAddress, canbus.MsgSet, canbus.FnKeyTaken|4, 0, 0, 4, 2, 7))

	for i := 0; i < 2; i++ {
		ev := ctl.PollEvents()
		if ev.KeyTaken == nil {
			t.Fatalf("poll %d: expected key-taken flag", i)
		}
		if ev.KeyTaken.Strip != 1 || ev.KeyTaken.Slot != 5 || ev.KeyTaken.FobID != 427 {
			t.Fatalf("poll %d: got %+v", i, *ev.KeyTaken)
		}
		if ev.KeyInserted != nil {
			t.Fatalf("poll %d: unexpected insert", i)
		}
	}

	ctl.ClearKeyTaken()
	if ev := ctl.PollEvents(); ev.KeyTaken != nil {
		t.Fatal("expected flag cleared")
	}

	ctl.HandleFrame(frame(2, canbus.ControllerAddress, canbus.MsgSet, canbus.FnKeyInserted|13, 0, 0, 0, 9, 9))
	ev := ctl.PollEvents()
	if ev.KeyInserted == nil || ev.KeyInserted.Slot != 14 || ev.KeyInserted.Strip != 2 || ev.KeyInserted.FobID != 99 {
		t.Fatalf("insert event = %+v", ev.KeyInserted)
	}
	ctl.ClearKeyInserted()
	if ev := ctl.PollEvents(); ev.KeyInserted != nil {
		t.Fatal("expected insert flag cleared")
	}
}

func TestKeyEvents_SlotOutOfRangeDropped(t *testing.T) {
	ctl, _ := newTestController(t, 10*time.Millisecond)

	ctl.HandleFrame(frame(1, canbus.ControllerAddress, canbus.MsgSet, canbus.FnKeyTaken|15, 1, 2, 3, 4, 5))
	if ev := ctl.PollEvents(); ev.KeyTaken != nil {
		t.Fatalf("expected slot 16 event dropped, got %+v", *ev.KeyTaken)
	}
}
