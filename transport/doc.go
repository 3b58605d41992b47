// Package transport implements the medium-independent core of the
// Cyphal/UAVCAN v1 transport layer: transfer and frame models, the
// session tree, multi-frame reassembly with redundant-interface
// arbitration, priority-ordered transmission queues, transfer CRCs,
// and the explicit memory-resource model threaded through every
// allocating operation.
//
// Medium-specific framing lives in the can and udp subpackages; this
// package knows nothing about wire identifiers or sockets. All state
// here is driven synchronously by a single thread of control: the
// surrounding scheduler calls into the transport, frames are consumed
// within the call that delivered them, and nothing blocks.
package transport
