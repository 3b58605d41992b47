// Package can implements the Cyphal/CAN v1 transport: the 29-bit
// identifier and tail-byte framing, multi-frame segmentation with the
// CRC-16-CCITT transfer checksum, hardware acceptance filter
// computation, and the transport facade tying redundant CAN media to
// the shared session core.
//
// Media drivers (SocketCAN and the like) are external; they plug in
// through the Media interface and exchange raw frames only.
package can
