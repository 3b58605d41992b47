package transport

import "time"

// TransferMetadata identifies a transfer on the wire independent of
// its payload.
type TransferMetadata struct {
	Priority Priority
	Kind     TransferKind
	PortID   PortID

	// RemoteNodeID is the source node on reception and the destination
	// node on service transmission. NodeIDUnset for anonymous senders
	// and for broadcast messages.
	RemoteNodeID NodeID

	TransferID TransferID
}

// Payload is a possibly-multi-fragment view of transfer payload bytes.
// Receive paths produce it from storage owned by a memory resource;
// Release must be called exactly once when the consumer is done so the
// storage returns to its owner. A zero Payload is valid and empty.
type Payload struct {
	fragments [][]byte
	size      int
	mem       MemoryResource
}

// NewPayload wraps fragments allocated from mem. The fragments are
// handed over; the caller must not retain them.
func NewPayload(mem MemoryResource, fragments ...[]byte) Payload {
	size := 0
	for _, f := range fragments {
		size += len(f)
	}
	return Payload{fragments: fragments, size: size, mem: mem}
}

// Fragments exposes the underlying fragments without copying. The
// slices remain owned by the Payload; they are valid until Release.
func (p *Payload) Fragments() [][]byte { return p.fragments }

// Size returns the total payload length in bytes.
func (p *Payload) Size() int { return p.size }

// Bytes gathers the fragments into one contiguous copy.
func (p *Payload) Bytes() []byte {
	out := make([]byte, 0, p.size)
	for _, f := range p.fragments {
		out = append(out, f...)
	}
	return out
}

// Release returns the fragment storage to its owning resource. The
// Payload is empty afterwards; releasing twice is harmless.
func (p *Payload) Release() {
	if p.mem != nil {
		for _, f := range p.fragments {
			p.mem.Deallocate(f)
		}
	}
	p.fragments = nil
	p.size = 0
	p.mem = nil
}

// Transfer is the reassembled logical unit exchanged with the
// application. Timestamp is the reception time of the first frame on
// receive, and the transmission deadline on send.
type Transfer struct {
	TransferMetadata
	Timestamp time.Time
	Payload   Payload
}
