package canbus_test

import (
	"errors"
	"testing"

	"github.com/BrandonDHaskell/keycabinet/internal/canbus"
)

// ── Arbitration IDs ──────────────────────────────────────────────────────────

func TestEncode_BitLayout(t *testing.T) {
	id := canbus.ID{
		Source:      canbus.ControllerAddress,
		Destination: 0x03,
		Type:        canbus.MsgSet,
		Function:    canbus.FnSingleLED,
	}
	want := uint32(0xFE)<<20 | uint32(0x03)<<12 | uint32(1)<<9 | 0x010
	if got := id.Encode(); got != want {
		t.Fatalf("Encode = %#x, want %#x", got, want)
	}
	if got := id.Encode(); got >= 1<<29 {
		t.Fatalf("Encode = %#x does not fit 29 bits", got)
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	types := []canbus.MsgType{canbus.MsgAck, canbus.MsgSet, canbus.MsgGet, canbus.MsgResponse, canbus.MsgBootloader}
	functions := []canbus.Function{
		canbus.FnNewDevice, canbus.FnVersion, canbus.FnSingleLED, canbus.FnAllLEDs,
		canbus.FnSingleKeylock, canbus.FnAllKeylocks, canbus.FnBoxlock, canbus.FnDoorSensor,
		canbus.FnUniqueID, canbus.FnKeyID | 0xD, canbus.FnKeyTaken, canbus.FnKeyInserted | 0x7,
		0x1FF,
	}
	addrs := []uint8{0x00, 0x01, 0x02, 0x7F, 0x80, 0xFD, 0xFE, 0xFF}

	for _, src := range addrs {
		for _, dst := range addrs {
			for _, mt := range types {
				for _, fn := range functions {
					id := canbus.ID{Source: src, Destination: dst, Type: mt, Function: fn}
					if got := canbus.DecodeID(id.Encode()); got != id {
						t.Fatalf("round trip %v: got %v", id, got)
					}
				}
			}
		}
	}
}

// ── Slot functions ───────────────────────────────────────────────────────────

func TestSlotFunction_ZeroBasedLowBits(t *testing.T) {
	fn, err := canbus.SlotFunction(canbus.FnKeyID, 1)
	if err != nil {
		t.Fatalf("SlotFunction: %v", err)
	}
	if fn != 0x100 {
		t.Errorf("slot 1: got %#x, want 0x100", uint16(fn))
	}

	fn, err = canbus.SlotFunction(canbus.FnKeyInserted, 14)
	if err != nil {
		t.Fatalf("SlotFunction: %v", err)
	}
	if fn != 0x14D {
		t.Errorf("slot 14: got %#x, want 0x14d", uint16(fn))
	}
	if fn.Base() != canbus.FnKeyInserted {
		t.Errorf("Base = %#x", uint16(fn.Base()))
	}
	if fn.Slot() != 14 {
		t.Errorf("Slot = %d, want 14", fn.Slot())
	}
	if !fn.IsKeyEvent() {
		t.Error("expected KEY_INSERTED to be a key event")
	}
}

func TestSlotFunction_RejectsOutOfRange(t *testing.T) {
	for _, slot := range []int{0, 15, -1} {
		if _, err := canbus.SlotFunction(canbus.FnKeyID, slot); !errors.Is(err, canbus.ErrInvalidSlot) {
			t.Errorf("slot %d: expected ErrInvalidSlot, got %v", slot, err)
		}
	}
}

func TestFunctionBase_PlainCodesUnchanged(t *testing.T) {
	for _, fn := range []canbus.Function{canbus.FnVersion, canbus.FnUniqueID, canbus.FnDoorSensor} {
		if fn.Base() != fn {
			t.Errorf("Base(%#x) = %#x", uint16(fn), uint16(fn.Base()))
		}
		if fn.IsKeyEvent() {
			t.Errorf("%#x reported as key event", uint16(fn))
		}
	}
	if (canbus.FnKeyID | 3).IsKeyEvent() {
		t.Error("KEY_ID is a query, not an event")
	}
}

// ── Absolute index ───────────────────────────────────────────────────────────

func TestAbsoluteIndex_StrictlyIncreasing(t *testing.T) {
	prev := 0
	for strip := 1; strip <= 8; strip++ {
		for slot := 1; slot <= canbus.SlotsPerStrip; slot++ {
			idx := canbus.AbsoluteIndex(strip, slot)
			if idx != prev+1 {
				t.Fatalf("AbsoluteIndex(%d, %d) = %d, want %d", strip, slot, idx, prev+1)
			}
			prev = idx
		}
	}
}

// ── Fob ids ──────────────────────────────────────────────────────────────────

func TestDecodeFobID(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    uint64
		present bool
	}{
		{"single digits", []byte{1, 2, 3, 4, 5}, 12345, true},
		{"multi digit bytes", []byte{10, 20, 30, 40, 50}, 1020304050, true},
		{"leading zeros", []byte{0, 0, 4, 2, 7}, 427, true},
		{"extra bytes ignored", []byte{1, 1, 1, 1, 1, 9, 9, 9}, 11111, true},
		{"all zero", []byte{0, 0, 0, 0, 0}, 0, false},
		{"short", []byte{1, 2, 3}, 0, false},
		{"empty", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := canbus.DecodeFobID(tt.data)
			if ok != tt.present || got != tt.want {
				t.Errorf("DecodeFobID(%v) = (%d, %v), want (%d, %v)", tt.data, got, ok, tt.want, tt.present)
			}
		})
	}
}
