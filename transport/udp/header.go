package udp

import (
	"encoding/binary"
	"time"

	"github.com/opd-ai/cyphal/transport"
)

// Protocol limits for Cyphal/UDP.
const (
	SubjectIDMax transport.PortID = 0x7FFF // 15 bits
	ServiceIDMax transport.PortID = 0x3FFF // 14 bits
	NodeIDMax    transport.NodeID = 0xFFFE // 0xFFFF is the unset marker

	// HeaderSize is the fixed length of the frame header.
	HeaderSize = 24

	headerVersion = 1
)

// Data-specifier field: bit 15 selects service frames, bit 14 selects
// requests within services. Messages carry the subject ID in the low
// 15 bits; services carry the service ID in the low 14.
const (
	dataSpecServiceFlag = 1 << 15
	dataSpecRequestFlag = 1 << 14
	dataSpecSubjectMask = 0x7FFF
	dataSpecServiceMask = 0x3FFF
)

// Frame-index word: bit 31 flags the end of the transfer; the low 31
// bits carry the 1-based frame index.
const (
	indexEndBit = 1 << 31
	indexMask   = 0x7FFF_FFFF
)

// Header field offsets within the 24-byte little-endian layout.
const (
	offVersion   = 0
	offPriority  = 1
	offSource    = 2
	offDest      = 4
	offDataSpec  = 6
	offTID       = 8
	offIndexEOT  = 16
	offUserData  = 20
	offHeaderCRC = 22
)

func encodeDataSpecifier(kind transport.TransferKind, port transport.PortID) uint16 {
	switch kind {
	case transport.TransferKindMessage:
		return uint16(port) & dataSpecSubjectMask
	case transport.TransferKindRequest:
		return dataSpecServiceFlag | dataSpecRequestFlag | uint16(port)&dataSpecServiceMask
	default:
		return dataSpecServiceFlag | uint16(port)&dataSpecServiceMask
	}
}

// encodeHeader writes one frame header into buf (at least HeaderSize
// bytes), including the header CRC over the preceding 22 bytes.
func encodeHeader(buf []byte, priority transport.Priority, src, dst transport.NodeID,
	dataSpec uint16, tid transport.TransferID, index uint32, end bool) {

	buf[offVersion] = headerVersion
	buf[offPriority] = byte(priority)
	binary.LittleEndian.PutUint16(buf[offSource:], uint16(src))
	binary.LittleEndian.PutUint16(buf[offDest:], uint16(dst))
	binary.LittleEndian.PutUint16(buf[offDataSpec:], dataSpec)
	binary.LittleEndian.PutUint64(buf[offTID:], uint64(tid))
	word := index & indexMask
	if end {
		word |= indexEndBit
	}
	binary.LittleEndian.PutUint32(buf[offIndexEOT:], word)
	binary.LittleEndian.PutUint16(buf[offUserData:], 0)
	binary.LittleEndian.PutUint16(buf[offHeaderCRC:], transport.CRC16(buf[:offHeaderCRC]))
}

// parseDatagram converts one received datagram into the
// medium-independent frame model. It reports false for datagrams that
// are not valid Cyphal/UDP frames; malformed traffic on the multicast
// group is expected and dropped without ceremony.
func parseDatagram(timestamp time.Time, iface uint8, datagram []byte) (transport.FrameModel, bool) {
	var m transport.FrameModel
	if len(datagram) < HeaderSize {
		return m, false
	}
	h := datagram[:HeaderSize]
	if h[offVersion] != headerVersion {
		return m, false
	}
	if transport.CRC16(h[:offHeaderCRC]) != binary.LittleEndian.Uint16(h[offHeaderCRC:]) {
		return m, false
	}
	if h[offPriority] >= transport.NumPriorities {
		return m, false
	}
	m.Timestamp = timestamp
	m.IfaceIndex = iface
	m.Priority = transport.Priority(h[offPriority])
	m.SourceNodeID = transport.NodeID(binary.LittleEndian.Uint16(h[offSource:]))
	m.DestinationNodeID = transport.NodeID(binary.LittleEndian.Uint16(h[offDest:]))
	m.TransferID = transport.TransferID(binary.LittleEndian.Uint64(h[offTID:]))

	spec := binary.LittleEndian.Uint16(h[offDataSpec:])
	if spec&dataSpecServiceFlag == 0 {
		m.Kind = transport.TransferKindMessage
		m.PortID = transport.PortID(spec & dataSpecSubjectMask)
		// Messages are broadcast; the destination field must be unset.
		if m.DestinationNodeID != transport.NodeIDUnset {
			return m, false
		}
	} else {
		if spec&dataSpecRequestFlag != 0 {
			m.Kind = transport.TransferKindRequest
		} else {
			m.Kind = transport.TransferKindResponse
		}
		m.PortID = transport.PortID(spec & dataSpecServiceMask)
		// Services are point-to-point between addressed nodes.
		if m.SourceNodeID == transport.NodeIDUnset ||
			m.DestinationNodeID == transport.NodeIDUnset ||
			m.SourceNodeID == m.DestinationNodeID {
			return m, false
		}
	}

	word := binary.LittleEndian.Uint32(h[offIndexEOT:])
	m.Index = word & indexMask
	if m.Index == 0 {
		return m, false
	}
	m.StartOfTransfer = m.Index == 1
	m.EndOfTransfer = word&indexEndBit != 0
	m.Payload = datagram[HeaderSize:]

	// Anonymous transfers are single-frame only.
	if m.SourceNodeID == transport.NodeIDUnset && !m.Single() {
		return m, false
	}
	// Every final frame carries at least the transfer CRC trailer.
	if m.EndOfTransfer && len(m.Payload) < 4 {
		return m, false
	}
	return m, true
}

// rxRules returns the shared pipeline parameterization for Cyphal/UDP:
// the full 64-bit transfer-ID space, frame-index sequencing, and a
// CRC-32C trailer on every transfer including single-frame ones.
func rxRules() transport.RxRules {
	return transport.RxRules{
		TransferIDModulo: 0,
		CRCSize:          4,
		CRCOnSingleFrame: true,
		SequenceIsToggle: false,
		CRCInit:          func() uint64 { return uint64(transport.CRC32CInitial) },
		CRCAdd: func(crc uint64, p []byte) uint64 {
			return uint64(transport.CRC32CAdd(uint32(crc), p))
		},
		CRCResidueOK: func(crc uint64) bool { return uint32(crc) == transport.CRC32CResidue },
	}
}
