package transport

// NodeID identifies a node on the network. The valid range depends on
// the medium: Cyphal/CAN uses 7-bit node IDs, Cyphal/UDP uses 16-bit
// ones with 0xFFFF reserved. NodeIDUnset marks an anonymous node.
type NodeID uint16

// NodeIDUnset is the reserved value for an unconfigured or anonymous
// node ID on every supported medium.
const NodeIDUnset NodeID = 0xFFFF

// PortID is a subject ID for message transfers or a service ID for
// request/response transfers. The upper bound is medium-specific.
type PortID uint16

// TransferID is the modulo counter identifying transfer order per
// session. Cyphal/CAN wraps it at 32, Cyphal/UDP uses the full 64-bit
// space.
type TransferID uint64

// Priority is the transfer priority level. Lower numeric values are
// more urgent; Exceptional preempts everything, Optional yields to
// everything.
type Priority uint8

const (
	PriorityExceptional Priority = iota
	PriorityImmediate
	PriorityFast
	PriorityHigh
	PriorityNominal
	PriorityLow
	PrioritySlow
	PriorityOptional

	// NumPriorities is the number of defined priority levels.
	NumPriorities = 8
)

// String returns the canonical name of the priority level.
func (p Priority) String() string {
	switch p {
	case PriorityExceptional:
		return "exceptional"
	case PriorityImmediate:
		return "immediate"
	case PriorityFast:
		return "fast"
	case PriorityHigh:
		return "high"
	case PriorityNominal:
		return "nominal"
	case PriorityLow:
		return "low"
	case PrioritySlow:
		return "slow"
	case PriorityOptional:
		return "optional"
	}
	return "invalid"
}

// Valid reports whether the priority is one of the eight defined levels.
func (p Priority) Valid() bool {
	return p < NumPriorities
}

// TransferKind distinguishes the three categories of transfers defined
// by the protocol.
type TransferKind uint8

const (
	TransferKindMessage TransferKind = iota
	TransferKindRequest
	TransferKindResponse

	// NumTransferKinds is the number of defined transfer kinds.
	NumTransferKinds = 3
)

// String returns the lower-case name of the transfer kind.
func (k TransferKind) String() string {
	switch k {
	case TransferKindMessage:
		return "message"
	case TransferKindRequest:
		return "request"
	case TransferKindResponse:
		return "response"
	}
	return "invalid"
}

// MaxRedundantInterfaces is the maximum number of independent physical
// interfaces a transport may aggregate for redundancy.
const MaxRedundantInterfaces = 3
