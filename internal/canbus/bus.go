package canbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
)

var (
	ErrBusClosed       = errors.New("canbus: bus closed")
	ErrPayloadTooLong  = errors.New("canbus: payload exceeds 8 bytes")
	ErrInvalidSlot     = errors.New("canbus: slot out of range")
	ErrInvalidStrip    = errors.New("canbus: strip id out of range")
	ErrNoFreeAddresses = errors.New("canbus: no free strip addresses")
	ErrNoResponse      = errors.New("canbus: strip did not answer")
)

// MaxPayload is the classic CAN data length.
const MaxPayload = 8

// Frame is one extended-ID CAN frame.
type Frame struct {
	ID   ID
	Data []byte
}

// Bus is the raw frame transport. Receive blocks, calling handle for every
// inbound frame, until ctx is cancelled or the bus fails.
type Bus interface {
	Send(ctx context.Context, f Frame) error
	Receive(ctx context.Context, handle func(Frame)) error
	Close() error
}

// SocketCAN is a Bus on a Linux SocketCAN interface.
type SocketCAN struct {
	conn net.Conn
	tx   *socketcan.Transmitter

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// DialSocketCAN opens the named interface (e.g. "can0").
func DialSocketCAN(ctx context.Context, iface string) (*SocketCAN, error) {
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, fmt.Errorf("canbus: dial %s: %w", iface, err)
	}
	return &SocketCAN{
		conn: conn,
		tx:   socketcan.NewTransmitter(conn),
	}, nil
}

func (s *SocketCAN) Send(ctx context.Context, f Frame) error {
	if len(f.Data) > MaxPayload {
		return ErrPayloadTooLong
	}

	fr := can.Frame{
		ID:         f.ID.Encode(),
		Length:     uint8(len(f.Data)),
		IsExtended: true,
	}
	copy(fr.Data[:], f.Data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.tx.TransmitFrame(ctx, fr); err != nil {
		return fmt.Errorf("canbus: transmit %s: %w", f.ID, err)
	}
	return nil
}

func (s *SocketCAN) Receive(ctx context.Context, handle func(Frame)) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	recv := socketcan.NewReceiver(s.conn)
	for recv.Receive() {
		if recv.HasErrorFrame() {
			continue
		}
		fr := recv.Frame()
		if !fr.IsExtended || fr.IsRemote {
			continue
		}
		data := make([]byte, fr.Length)
		copy(data, fr.Data[:fr.Length])
		handle(Frame{ID: DecodeID(fr.ID), Data: data})
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := recv.Err(); err != nil {
		return fmt.Errorf("canbus: receive: %w", err)
	}
	return ErrBusClosed
}

func (s *SocketCAN) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
