package transport

import "hash/crc32"

// Two checksums protect Cyphal traffic: CRC-16-CCITT-FALSE guards the
// Cyphal/UDP frame header and the Cyphal/CAN multi-frame transfer
// payload; CRC-32C (Castagnoli) guards the Cyphal/UDP transfer payload.
// Both are exposed in incremental form so multi-fragment payloads can
// be folded in without gathering.

// CRC16Initial is the initial value of the CRC-16-CCITT-FALSE
// accumulator.
const CRC16Initial uint16 = 0xFFFF

// CRC16Add folds p into a CRC-16-CCITT-FALSE accumulator
// (poly 0x1021, MSB first, no final XOR).
func CRC16Add(crc uint16, p []byte) uint16 {
	for _, b := range p {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// CRC16 computes the CRC-16-CCITT-FALSE of p from the initial value.
func CRC16(p []byte) uint16 {
	return CRC16Add(CRC16Initial, p)
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32CInitial is the initial value of the raw (pre-XOR) CRC-32C
// accumulator.
const CRC32CInitial uint32 = 0xFFFFFFFF

// CRC32CResidue is the value the raw accumulator converges to after
// folding in a payload followed by its own little-endian CRC-32C.
const CRC32CResidue uint32 = 0xB798B438

// CRC32CAdd folds p into a raw CRC-32C accumulator. The raw form is
// the bitwise complement of the conventional checksum, which makes the
// residue test possible; use CRC32CValue to obtain the wire value.
func CRC32CAdd(crc uint32, p []byte) uint32 {
	// crc32.Update applies the init/final complement internally, so
	// feed it the conventional form and convert back.
	return ^crc32.Update(^crc, crc32cTable, p)
}

// CRC32CValue converts a raw accumulator into the conventional wire
// checksum.
func CRC32CValue(crc uint32) uint32 {
	return crc ^ 0xFFFFFFFF
}

// CRC32C computes the conventional CRC-32C of p.
func CRC32C(p []byte) uint32 {
	return crc32.Checksum(p, crc32cTable)
}
