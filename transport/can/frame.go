package can

import (
	"time"

	"github.com/opd-ai/cyphal/transport"
)

// Protocol limits for Cyphal/CAN.
const (
	SubjectIDMax transport.PortID = 8191 // 13 bits
	ServiceIDMax transport.PortID = 511  // 9 bits
	NodeIDMax    transport.NodeID = 127  // 7 bits

	// TransferIDModulo is the size of the 5-bit transfer-ID space.
	TransferIDModulo = 32

	// MTUClassic and MTUFD are the data lengths of CAN 2.0 and CAN FD.
	MTUClassic = 8
	MTUFD      = 64
)

// 29-bit identifier bit layout.
//
// Message frames:
//
//	[28:26] priority
//	[25]    0 (message, not service)
//	[24]    anonymous
//	[23]    reserved, 0
//	[22:21] reserved, set to 1 on transmission, ignored on reception
//	[20:8]  subject ID
//	[7]     reserved, 0
//	[6:0]   source node ID
//
// Service frames:
//
//	[28:26] priority
//	[25]    1 (service, not message)
//	[24]    request (1) / response (0)
//	[23:15] service ID
//	[14:8]  destination node ID
//	[7]     reserved, 0
//	[6:0]   source node ID
const (
	idPriorityOffset = 26
	idServiceFlag    = 1 << 25
	idAnonymousFlag  = 1 << 24
	idRequestFlag    = 1 << 24
	idReservedTxBits = 3 << 21
	idSubjectOffset  = 8
	idSubjectMask    = 0x1FFF
	idServiceOffset  = 15
	idServiceMask    = 0x1FF
	idDestOffset     = 8
	idNodeMask       = 0x7F
	idReservedBit23  = 1 << 23
	idReservedBit7   = 1 << 7
)

// Tail byte: [7] start-of-transfer, [6] end-of-transfer, [5] toggle,
// [4:0] transfer ID modulo 32.
const (
	tailStartBit  = 1 << 7
	tailEndBit    = 1 << 6
	tailToggleBit = 1 << 5
	tailIDMask    = 0x1F
)

// encodeMessageID builds the identifier of a message frame. Anonymous
// senders pass source == NodeIDUnset along with a 7-bit pseudo ID.
func encodeMessageID(priority transport.Priority, subject transport.PortID, source transport.NodeID, anonymous bool) uint32 {
	id := uint32(priority)<<idPriorityOffset |
		idReservedTxBits |
		uint32(subject&idSubjectMask)<<idSubjectOffset |
		uint32(source)&idNodeMask
	if anonymous {
		id |= idAnonymousFlag
	}
	return id
}

// encodeServiceID builds the identifier of a request or response frame.
func encodeServiceID(priority transport.Priority, request bool, service transport.PortID, destination, source transport.NodeID) uint32 {
	id := uint32(priority)<<idPriorityOffset |
		idServiceFlag |
		uint32(service&idServiceMask)<<idServiceOffset |
		uint32(destination&idNodeMask)<<idDestOffset |
		uint32(source)&idNodeMask
	if request {
		id |= idRequestFlag
	}
	return id
}

func encodeTail(start, end, toggle bool, id transport.TransferID) byte {
	tail := byte(id) & tailIDMask
	if start {
		tail |= tailStartBit
	}
	if end {
		tail |= tailEndBit
	}
	if toggle {
		tail |= tailToggleBit
	}
	return tail
}

// parseFrame converts a raw CAN frame into the medium-independent
// model. It reports false for anything that is not a valid Cyphal/CAN
// frame; such frames are expected noise and dropped without ceremony.
func parseFrame(timestamp time.Time, iface uint8, id uint32, data []byte) (transport.FrameModel, bool) {
	var m transport.FrameModel
	if len(data) < 1 {
		return m, false
	}
	tail := data[len(data)-1]
	m.Timestamp = timestamp
	m.IfaceIndex = iface
	m.Priority = transport.Priority(id >> idPriorityOffset & 0x7)
	m.TransferID = transport.TransferID(tail & tailIDMask)
	m.StartOfTransfer = tail&tailStartBit != 0
	m.EndOfTransfer = tail&tailEndBit != 0
	m.Toggle = tail&tailToggleBit != 0
	m.Payload = data[:len(data)-1]

	if id&idServiceFlag == 0 {
		m.Kind = transport.TransferKindMessage
		m.PortID = transport.PortID(id >> idSubjectOffset & idSubjectMask)
		m.SourceNodeID = transport.NodeID(id & idNodeMask)
		m.DestinationNodeID = transport.NodeIDUnset
		if id&idReservedBit23 != 0 || id&idReservedBit7 != 0 {
			return m, false
		}
		if id&idAnonymousFlag != 0 {
			m.SourceNodeID = transport.NodeIDUnset
		}
	} else {
		if id&idReservedBit7 != 0 {
			return m, false
		}
		if id&idRequestFlag != 0 {
			m.Kind = transport.TransferKindRequest
		} else {
			m.Kind = transport.TransferKindResponse
		}
		m.PortID = transport.PortID(id >> idServiceOffset & idServiceMask)
		m.DestinationNodeID = transport.NodeID(id >> idDestOffset & idNodeMask)
		m.SourceNodeID = transport.NodeID(id & idNodeMask)
		if m.SourceNodeID == m.DestinationNodeID {
			return m, false
		}
	}

	// The toggle of a start-of-transfer frame is always set in v1;
	// a cleared one marks a v0 frame, which is not interoperable.
	if m.StartOfTransfer && !m.Toggle {
		return m, false
	}
	// Anonymous transfers are single-frame only.
	if m.SourceNodeID == transport.NodeIDUnset && !m.Single() {
		return m, false
	}
	// Frames of a multi-frame transfer cannot be empty.
	if len(m.Payload) == 0 && !m.Single() {
		return m, false
	}
	return m, true
}

// rxRules returns the shared pipeline parameterization for Cyphal/CAN:
// 5-bit transfer IDs, toggle-bit sequencing, and a CRC-16-CCITT
// trailer on multi-frame transfers only.
func rxRules() transport.RxRules {
	return transport.RxRules{
		TransferIDModulo: TransferIDModulo,
		CRCSize:          2,
		CRCOnSingleFrame: false,
		SequenceIsToggle: true,
		CRCInit:          func() uint64 { return uint64(transport.CRC16Initial) },
		CRCAdd: func(crc uint64, p []byte) uint64 {
			return uint64(transport.CRC16Add(uint16(crc), p))
		},
		CRCResidueOK: func(crc uint64) bool { return uint16(crc) == 0 },
	}
}
