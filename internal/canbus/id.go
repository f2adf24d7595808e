// Package canbus implements the strip-controller framing used by the key
// cabinet: a 29-bit extended arbitration ID carrying source, destination,
// message type and function, plus the discovery and command protocol built
// on top of it.
package canbus

import "fmt"

// MsgType is the 3-bit message class carried in the arbitration ID.
type MsgType uint8

const (
	MsgAck        MsgType = 0
	MsgSet        MsgType = 1
	MsgGet        MsgType = 2
	MsgResponse   MsgType = 3
	MsgBootloader MsgType = 4
)

func (t MsgType) String() string {
	switch t {
	case MsgAck:
		return "ACK"
	case MsgSet:
		return "SET"
	case MsgGet:
		return "GET"
	case MsgResponse:
		return "RESPONSE"
	case MsgBootloader:
		return "BOOTLOADER"
	default:
		return fmt.Sprintf("MsgType(%d)", uint8(t))
	}
}

// Function is the 9-bit function code. The KEY_ID, KEY_TAKEN and
// KEY_INSERTED codes are ranges whose low 4 bits carry a zero-based slot.
type Function uint16

const (
	FnNewDevice     Function = 0x001
	FnVersion       Function = 0x002
	FnSingleLED     Function = 0x010
	FnAllLEDs       Function = 0x011
	FnSingleKeylock Function = 0x012
	FnAllKeylocks   Function = 0x013
	FnBoxlock       Function = 0x014
	FnDoorSensor    Function = 0x015
	FnUniqueID      Function = 0x020

	FnKeyID       Function = 0x100
	FnKeyTaken    Function = 0x120
	FnKeyInserted Function = 0x140

	slotMask  Function = 0x00F
	rangeMask Function = 0x1F0
)

// Addresses with a fixed meaning on the bus.
const (
	UnassignedAddress uint8 = 0x00
	ControllerAddress uint8 = 0xFE
	BroadcastAddress  uint8 = 0xFF
)

// SlotsPerStrip is the number of key positions managed by one strip.
const SlotsPerStrip = 14

const (
	sourceShift = 20
	destShift   = 12
	typeShift   = 9

	byteMask     = 0xFF
	msgTypeMask  = 0x7
	functionMask = 0x1FF
)

// ID is the decoded form of an arbitration ID.
type ID struct {
	Source      uint8
	Destination uint8
	Type        MsgType
	Function    Function
}

// Encode packs the ID as source(8)<<20 | destination(8)<<12 | type(3)<<9 | function(9).
func (id ID) Encode() uint32 {
	return uint32(id.Source)<<sourceShift |
		uint32(id.Destination)<<destShift |
		(uint32(id.Type)&msgTypeMask)<<typeShift |
		uint32(id.Function)&functionMask
}

// DecodeID unpacks an arbitration ID produced by Encode.
func DecodeID(raw uint32) ID {
	return ID{
		Source:      uint8((raw >> sourceShift) & byteMask),
		Destination: uint8((raw >> destShift) & byteMask),
		Type:        MsgType((raw >> typeShift) & msgTypeMask),
		Function:    Function(raw & functionMask),
	}
}

func (id ID) String() string {
	return fmt.Sprintf("%s fn=0x%03x %d->%d", id.Type, uint16(id.Function), id.Source, id.Destination)
}

// SlotFunction builds a ranged function code (KEY_ID, KEY_TAKEN,
// KEY_INSERTED) for a one-based slot number.
func SlotFunction(base Function, slot int) (Function, error) {
	if slot < 1 || slot > SlotsPerStrip {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	return base | Function(slot-1), nil
}

// Base strips the slot bits from ranged function codes and returns other
// codes unchanged.
func (f Function) Base() Function {
	switch f & rangeMask {
	case FnKeyID, FnKeyTaken, FnKeyInserted:
		return f & rangeMask
	}
	return f
}

// Slot returns the one-based slot carried by a ranged function code.
func (f Function) Slot() int {
	return int(f&slotMask) + 1
}

// IsKeyEvent reports whether f is an unsolicited taken/inserted notification.
func (f Function) IsKeyEvent() bool {
	b := f.Base()
	return b == FnKeyTaken || b == FnKeyInserted
}

// AbsoluteIndex maps a (strip, slot) coordinate onto a single cabinet-wide
// position number.
func AbsoluteIndex(strip, slot int) int {
	return slot + (strip-1)*SlotsPerStrip
}
