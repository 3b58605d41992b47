package can

import (
	"time"

	"github.com/opd-ai/cyphal/transport"
)

// Filter is one hardware acceptance filter: a frame is accepted when
// (frame_id & Mask) == (ID & Mask).
type Filter struct {
	ID   uint32
	Mask uint32
}

// RxEvent is one received CAN frame with its reception timestamp.
type RxEvent struct {
	Timestamp time.Time
	ID        uint32
	Data      []byte
}

// Media is the abstract CAN interface consumed by the transport. A
// driver implementation (SocketCAN, a vendor HAL, a loopback test
// double) exchanges raw frames only and must not block: Push reports
// false when the hardware TX mailboxes are full, Pop reports false
// when no frame is pending.
type Media interface {
	// MTU returns the frame payload capacity: 8 for CAN 2.0, 64 for FD.
	MTU() int

	// Push hands one frame to the driver for transmission before the
	// deadline. The returned flag is false when the driver cannot
	// accept the frame right now (try again on a later run).
	Push(deadline time.Time, id uint32, payload []byte) (bool, error)

	// Pop retrieves the next pending received frame into buf and
	// reports whether one was available. The returned event's Data
	// aliases buf.
	Pop(buf []byte) (RxEvent, bool, error)

	// SetFilters reconfigures the acceptance filters. An empty set
	// means the node currently accepts nothing.
	SetFilters(filters []Filter) error
}

// subjectFilter matches all message frames carrying the given subject.
func subjectFilter(subject transport.PortID) Filter {
	return Filter{
		ID:   uint32(subject&idSubjectMask) << idSubjectOffset,
		Mask: idServiceFlag | uint32(idSubjectMask)<<idSubjectOffset,
	}
}

// serviceFilter matches all service frames addressed to the local node.
func serviceFilter(local transport.NodeID) Filter {
	return Filter{
		ID:   idServiceFlag | uint32(local&idNodeMask)<<idDestOffset,
		Mask: idServiceFlag | uint32(idNodeMask)<<idDestOffset,
	}
}
