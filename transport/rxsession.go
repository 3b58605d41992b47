package transport

import (
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTransferIDTimeout is the protocol-recommended transfer-ID
// timeout applied to new receive ports.
const DefaultTransferIDTimeout = 2 * time.Second

// RxRules parameterize the receive pipeline for a medium: the
// transfer-ID space, the transfer CRC, and the frame sequencing model.
type RxRules struct {
	// TransferIDModulo is the size of the transfer-ID space; zero
	// selects the full 64-bit space. Must be a power of two otherwise.
	TransferIDModulo uint64

	// CRCSize is the byte length of the transfer CRC trailer.
	CRCSize int

	// CRCOnSingleFrame selects whether single-frame transfers carry the
	// trailer too (Cyphal/UDP) or omit it (Cyphal/CAN).
	CRCOnSingleFrame bool

	// SequenceIsToggle selects toggle-bit validation (CAN) instead of
	// frame-index continuity validation (UDP).
	SequenceIsToggle bool

	CRCInit      func() uint64
	CRCAdd       func(crc uint64, p []byte) uint64
	CRCResidueOK func(crc uint64) bool
}

func (r *RxRules) forwardDistance(from, to TransferID) uint64 {
	d := uint64(to) - uint64(from)
	if r.TransferIDModulo != 0 {
		d &= r.TransferIDModulo - 1
	}
	return d
}

func (r *RxRules) halfRange() uint64 {
	if r.TransferIDModulo == 0 {
		return 1 << 63
	}
	return r.TransferIDModulo / 2
}

func (r *RxRules) nextTransferID(id TransferID) TransferID {
	n := uint64(id) + 1
	if r.TransferIDModulo != 0 {
		n &= r.TransferIDModulo - 1
	}
	return TransferID(n)
}

// RxPort owns the receive state for one (kind, port) subscription:
// per-source reassembly sessions, the transfer-ID timeout, and the
// delivery mechanism (depth-one pending slot or registered callback).
// It is consumed by the medium transport facades.
type RxPort struct {
	rules   RxRules
	res     Resources
	extent  int
	timeout time.Duration

	states *Tree[NodeID, *rxState]

	pending   *Transfer
	onReceive func(*Transfer)
	delivered uint64
	rejected  uint64
}

// rxState is the per-(port, source-node) reassembly record. Field
// semantics follow the reference RX pipeline: transferID holds the
// in-progress transfer while reassembling and the next expected one
// while idle.
type rxState struct {
	tsTransfer time.Time // first frame of the current transfer
	tsLast     time.Time // last accepted byte, drives the timeout

	totalPayload int    // received bytes before implicit truncation
	payloadSize  int    // bytes stored in payload
	payload      []byte // lazily allocated, extent-sized

	crc        uint64
	transferID TransferID
	iface      uint8
	inProgress bool

	toggleExpected bool   // CAN sequencing
	lastIndex      uint32 // UDP sequencing

	// Per-interface observation records; at most one interface is
	// authoritative (the iface field) at any instant.
	ifaceLastTID [MaxRedundantInterfaces]TransferID
	ifaceSeen    [MaxRedundantInterfaces]bool
}

// NewRxPort creates a receive port with the given medium rules,
// payload extent, and the default transfer-ID timeout.
func NewRxPort(res Resources, rules RxRules, extent int) *RxPort {
	return &RxPort{
		rules:   rules,
		res:     res,
		extent:  extent,
		timeout: DefaultTransferIDTimeout,
		states:  NewTree[NodeID, *rxState](compareNodeIDs, res.Session, "rx-session"),
	}
}

func compareNodeIDs(a, b NodeID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Extent returns the configured payload extent in bytes.
func (p *RxPort) Extent() int { return p.extent }

// SetTransferIDTimeout updates the timeout used to evict stale
// reassembly state and release interface authority. Negative durations
// are rejected and the prior value is retained; zero disables
// timeout-based eviction.
func (p *RxPort) SetTransferIDTimeout(d time.Duration) error {
	if d < 0 {
		return ArgumentError{Reason: "transfer-ID timeout must not be negative"}
	}
	p.timeout = d
	return nil
}

// TransferIDTimeout returns the currently configured timeout.
func (p *RxPort) TransferIDTimeout() time.Duration { return p.timeout }

// SetOnReceive registers a synchronous callback invoked the moment a
// transfer completes. While a callback is registered the polling
// Receive path yields nothing: each transfer is delivered exactly once,
// through whichever mechanism is active at completion time. Passing nil
// restores polling delivery.
func (p *RxPort) SetOnReceive(fn func(*Transfer)) {
	p.onReceive = fn
}

// Receive pops the most recently completed, not-yet-delivered transfer.
// The caller assumes ownership of the payload and must Release it.
func (p *RxPort) Receive() (*Transfer, bool) {
	t := p.pending
	if t == nil {
		return nil, false
	}
	p.pending = nil
	return t, true
}

// Accept runs one parsed frame through the receive pipeline. Malformed
// or stale frames are dropped silently; only allocation failures are
// reported, after all partial state has been rolled back.
func (p *RxPort) Accept(frame *FrameModel) error {
	if frame.SourceNodeID == NodeIDUnset {
		return p.acceptAnonymous(frame)
	}
	state, ok := p.states.Find(frame.SourceNodeID)
	if !ok {
		// Reassembly cannot start mid-transfer, so sessions are created
		// only on a start-of-transfer frame.
		if !frame.StartOfTransfer {
			p.rejected++
			return nil
		}
		created, err := p.states.Ensure(frame.SourceNodeID, func() (*rxState, error) {
			return newRxState(&p.rules, frame), nil
		}, false)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "RxPort.Accept",
				"source":   frame.SourceNodeID,
			}).Debug("Receive session allocation refused")
			return err
		}
		state = created
	}
	transfer, err := state.update(p, frame)
	if transfer != nil {
		p.deliver(transfer)
	}
	return err
}

// Close releases all reassembly state, the pending transfer, and the
// per-source session records.
func (p *RxPort) Close() {
	var sources []NodeID
	p.states.Traverse(func(id NodeID, _ *rxState) bool {
		sources = append(sources, id)
		return true
	})
	for _, id := range sources {
		if state, ok := p.states.Remove(id); ok {
			state.freePayload(p)
		}
	}
	if p.pending != nil {
		p.pending.Payload.Release()
		p.pending = nil
	}
	p.onReceive = nil
}

func (p *RxPort) deliver(t *Transfer) {
	p.delivered++
	if cb := p.onReceive; cb != nil {
		cb(t)
		return
	}
	// Depth-one pending slot: the latest completed transfer wins.
	if p.pending != nil {
		p.pending.Payload.Release()
	}
	p.pending = t
}

// acceptAnonymous handles transfers from unset source IDs. They are
// stateless by protocol: always single-frame, no ordering, no session
// record.
func (p *RxPort) acceptAnonymous(frame *FrameModel) error {
	if !frame.Single() {
		p.rejected++
		return nil
	}
	wire := frame.Payload
	if p.rules.CRCSize > 0 && p.rules.CRCOnSingleFrame {
		if len(wire) < p.rules.CRCSize {
			p.rejected++
			return nil
		}
		crc := p.rules.CRCAdd(p.rules.CRCInit(), wire)
		if !p.rules.CRCResidueOK(crc) {
			p.rejected++
			logrus.WithFields(logrus.Fields{
				"function": "RxPort.acceptAnonymous",
				"port":     frame.PortID,
			}).Warn("Anonymous transfer failed CRC verification")
			return nil
		}
		wire = wire[:len(wire)-p.rules.CRCSize]
	}
	size := len(wire)
	if size > p.extent {
		size = p.extent
	}
	var payload Payload
	if size > 0 {
		buf := p.res.Payload.Allocate(size)
		if buf == nil {
			return MemoryError{Site: "anonymous payload"}
		}
		copy(buf, wire[:size])
		payload = NewPayload(p.res.Payload, buf)
	}
	p.deliver(&Transfer{
		TransferMetadata: metadataFromFrame(frame),
		Timestamp:        frame.Timestamp,
		Payload:          payload,
	})
	return nil
}

func metadataFromFrame(f *FrameModel) TransferMetadata {
	return TransferMetadata{
		Priority:     f.Priority,
		Kind:         f.Kind,
		PortID:       f.PortID,
		RemoteNodeID: f.SourceNodeID,
		TransferID:   f.TransferID,
	}
}

func newRxState(rules *RxRules, frame *FrameModel) *rxState {
	s := &rxState{
		tsTransfer:     frame.Timestamp,
		tsLast:         frame.Timestamp,
		crc:            rules.CRCInit(),
		transferID:     frame.TransferID,
		iface:          frame.IfaceIndex,
		toggleExpected: true,
	}
	return s
}

// update is the session state machine: arbitration between redundant
// interfaces, sequence validation, payload accumulation, and delivery.
func (s *rxState) update(p *RxPort, f *FrameModel) (*Transfer, error) {
	rules := &p.rules

	if int(f.IfaceIndex) < len(s.ifaceLastTID) {
		s.ifaceLastTID[f.IfaceIndex] = f.TransferID
		s.ifaceSeen[f.IfaceIndex] = true
	}

	timedOut := p.timeout > 0 && f.Timestamp.After(s.tsLast) &&
		f.Timestamp.Sub(s.tsLast) > p.timeout

	sameIface := s.iface == f.IfaceIndex

	// Same-interface restart mirrors the reference pipeline: adopt any
	// start-of-transfer whose ID is neither the current expectation nor
	// the transfer just completed (a remote restart counts as new).
	backDistance := rules.forwardDistance(f.TransferID, s.transferID)
	notPrevious := backDistance > 1

	// Cross-interface preemption: a non-authoritative interface takes
	// over only with a transfer strictly newer than the authoritative
	// stream's current transfer (or, when idle, no older than the next
	// expected one).
	forward := rules.forwardDistance(s.transferID, f.TransferID)
	var crossNewer bool
	if s.inProgress {
		crossNewer = forward > 0 && forward < rules.halfRange()
	} else {
		crossNewer = forward < rules.halfRange()
	}

	needRestart := timedOut ||
		(sameIface && f.StartOfTransfer && notPrevious) ||
		(!sameIface && f.StartOfTransfer && crossNewer)

	if needRestart {
		if s.inProgress {
			logrus.WithFields(logrus.Fields{
				"function":    "rxState.update",
				"port":        f.PortID,
				"source":      f.SourceNodeID,
				"iface":       f.IfaceIndex,
				"transfer_id": f.TransferID,
			}).Debug("Abandoning in-progress reassembly")
		}
		s.totalPayload = 0
		s.payloadSize = 0
		s.crc = rules.CRCInit()
		s.transferID = f.TransferID
		s.iface = f.IfaceIndex
		s.toggleExpected = true
		s.lastIndex = 0
		s.inProgress = false
		if !f.StartOfTransfer {
			// Start-of-transfer miss: resynchronize on the next one.
			s.restart(p)
			p.rejected++
			return nil, nil
		}
	}

	if s.iface != f.IfaceIndex || f.TransferID != s.transferID {
		p.rejected++
		return nil, nil // Duplicate or stale; drop silently.
	}

	if !f.Single() {
		if rules.SequenceIsToggle {
			if f.Toggle != s.toggleExpected {
				p.rejected++
				return nil, nil // Duplicate frame within the transfer.
			}
		} else if !s.indexAcceptable(f) {
			logrus.WithFields(logrus.Fields{
				"function": "rxState.update",
				"port":     f.PortID,
				"source":   f.SourceNodeID,
				"index":    f.Index,
				"expected": s.lastIndex + 1,
			}).Warn("Out-of-order frame index, dropping transfer")
			s.restart(p)
			p.rejected++
			return nil, nil
		}
	}
	if f.StartOfTransfer && !s.inProgress {
		s.tsTransfer = f.Timestamp
	}

	return s.accept(p, f)
}

func (s *rxState) indexAcceptable(f *FrameModel) bool {
	if f.StartOfTransfer {
		return f.Index == 1
	}
	return f.Index == s.lastIndex+1
}

// accept folds one validated frame into the reassembly buffer and
// finalizes the transfer on end-of-transfer.
func (s *rxState) accept(p *RxPort, f *FrameModel) (*Transfer, error) {
	rules := &p.rules
	s.tsLast = f.Timestamp
	s.inProgress = true
	if !f.Single() {
		if rules.SequenceIsToggle {
			s.toggleExpected = !s.toggleExpected
		} else if !f.EndOfTransfer {
			s.lastIndex = f.Index
		}
	}

	s.crc = rules.CRCAdd(s.crc, f.Payload)
	s.totalPayload += len(f.Payload)

	// Lazy payload allocation, once per transfer lifetime of the state.
	if s.payload == nil && p.extent > 0 {
		s.payload = p.res.Payload.Allocate(p.extent)
		if s.payload == nil {
			s.restart(p)
			return nil, MemoryError{Site: "rx payload"}
		}
	}
	if s.payload != nil {
		// Implicit truncation: bytes beyond the extent are dropped but
		// still participate in the CRC.
		room := p.extent - s.payloadSize
		n := len(f.Payload)
		if n > room {
			n = room
		}
		copy(s.payload[s.payloadSize:], f.Payload[:n])
		s.payloadSize += n
	}

	if !f.EndOfTransfer {
		return nil, nil
	}

	single := f.Single()
	trailer := rules.CRCSize
	if single && !rules.CRCOnSingleFrame {
		trailer = 0
	}
	var out *Transfer
	if trailer == 0 || rules.CRCResidueOK(s.crc) {
		deliveredSize := s.payloadSize
		if trailer > 0 {
			// Cut the CRC trailer unless truncation already removed it.
			truncated := s.totalPayload - s.payloadSize
			if cut := trailer - truncated; cut > 0 {
				deliveredSize -= cut
			}
			if deliveredSize < 0 {
				deliveredSize = 0
			}
		}
		var payload Payload
		if s.payload != nil {
			payload = NewPayload(p.res.Payload, s.payload[:deliveredSize])
			s.payload = nil // Ownership handed to the application.
		}
		out = &Transfer{
			TransferMetadata: metadataFromFrame(f),
			Timestamp:        s.tsTransfer,
			Payload:          payload,
		}
	} else {
		logrus.WithFields(logrus.Fields{
			"function":    "rxState.accept",
			"port":        f.PortID,
			"source":      f.SourceNodeID,
			"transfer_id": f.TransferID,
		}).Warn("Transfer failed CRC verification, dropping")
		p.rejected++
	}
	s.restart(p)
	return out, nil
}

// restart returns the state to idle expecting the next transfer ID,
// releasing the reassembly buffer if it was not handed off.
func (s *rxState) restart(p *RxPort) {
	s.freePayload(p)
	s.totalPayload = 0
	s.payloadSize = 0
	s.crc = p.rules.CRCInit()
	s.transferID = p.rules.nextTransferID(s.transferID)
	s.toggleExpected = true
	s.lastIndex = 0
	s.inProgress = false
}

func (s *rxState) freePayload(p *RxPort) {
	if s.payload != nil {
		p.res.Payload.Deallocate(s.payload)
		s.payload = nil
	}
}
