package transport

import "time"

// FrameModel is the parsed, medium-independent view of one received
// wire frame, produced by the can and udp codecs and consumed by the
// RX pipeline. The Payload slice aliases the media buffer; the RX
// pipeline copies what it keeps before returning.
type FrameModel struct {
	Timestamp time.Time

	Priority Priority
	Kind     TransferKind
	PortID   PortID

	SourceNodeID      NodeID
	DestinationNodeID NodeID

	TransferID      TransferID
	StartOfTransfer bool
	EndOfTransfer   bool

	// Toggle is the CAN sequence bit; valid when the medium rules
	// select toggle validation.
	Toggle bool

	// Index is the UDP frame index (1-based); valid when the medium
	// rules select index validation.
	Index uint32

	// IfaceIndex is the redundant interface the frame arrived on,
	// in [0, MaxRedundantInterfaces).
	IfaceIndex uint8

	Payload []byte
}

// Single reports whether the frame carries a complete transfer alone.
func (f *FrameModel) Single() bool {
	return f.StartOfTransfer && f.EndOfTransfer
}
