// Package udp implements the Cyphal/UDP transport: 24-byte framing
// headers over IP multicast, 64-bit transfer IDs, and a CRC-32C
// transfer integrity trailer. It reuses the medium-independent engine
// from the transport package and talks to the network through the
// Media interface, so the same code runs over real sockets or an
// in-process loopback.
package udp
