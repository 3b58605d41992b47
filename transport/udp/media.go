package udp

import (
	"net/netip"
	"time"

	"github.com/opd-ai/cyphal/transport"
)

// UDPPort is the fixed destination port of all Cyphal/UDP traffic.
const UDPPort = 9382

// IPv4 multicast address layout: the 239.0.0.0/8 administratively
// scoped block, with bit 16 separating service traffic (keyed by
// destination node ID) from message traffic (keyed by subject ID).
const (
	multicastBase      = 0xEF00_0000
	serviceAddressFlag = 0x0001_0000
)

func multicastAddr(bits uint32) netip.AddrPort {
	v := multicastBase | bits
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{
		byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v),
	}), UDPPort)
}

// EndpointForMessage returns the multicast endpoint carrying all
// transfers of one subject.
func EndpointForMessage(subject transport.PortID) netip.AddrPort {
	return multicastAddr(uint32(subject & SubjectIDMax))
}

// EndpointForService returns the multicast endpoint carrying all
// service transfers addressed to one node.
func EndpointForService(destination transport.NodeID) netip.AddrPort {
	return multicastAddr(serviceAddressFlag | uint32(destination))
}

// RxDatagram is one received datagram with its reception timestamp.
// The media owns nothing after handing it over.
type RxDatagram struct {
	Timestamp time.Time
	Data      []byte
}

// Media is the abstract UDP interface consumed by the transport: one
// socket pair per redundant network. Implementations (a real socket
// wrapper, an in-process loopback) must not block: Send reports false
// on transient backpressure, Receive reports false when nothing is
// pending.
type Media interface {
	// MTU returns the maximum datagram size in bytes, header included.
	MTU() int

	// Send transmits one datagram, gathered from fragments, to the
	// endpoint with the given DSCP marking, before the deadline. The
	// returned flag is false when the socket cannot accept the datagram
	// right now (try again on a later run).
	Send(deadline time.Time, endpoint netip.AddrPort, dscp uint8, fragments [][]byte) (bool, error)

	// Receive retrieves the next pending datagram; the buffer ownership
	// transfers to the caller.
	Receive() (RxDatagram, bool, error)

	// Join subscribes the receive socket to a multicast group.
	Join(endpoint netip.AddrPort) error

	// Leave drops a multicast group subscription.
	Leave(endpoint netip.AddrPort) error
}
