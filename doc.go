// Package cyphal implements the Cyphal v1 transport layer for
// cyber-physical networks: prioritized publish/subscribe messaging and
// remote procedure calls over redundant CAN and UDP interfaces.
//
// The implementation is split into three packages:
//
//   - [github.com/opd-ai/cyphal/transport]: the medium-independent
//     engine. Transfer reassembly with redundant-interface arbitration,
//     priority-ordered deadline-aware transmit queues, the session
//     model, and the explicit memory-resource model that keeps every
//     allocation accountable.
//   - [github.com/opd-ai/cyphal/transport/can]: Cyphal/CAN framing
//     (29-bit identifiers, tail bytes, 5-bit transfer IDs) for CAN 2.0
//     and CAN FD media.
//   - [github.com/opd-ai/cyphal/transport/udp]: Cyphal/UDP framing
//     (24-byte headers, 64-bit transfer IDs, CRC-32C transfer
//     integrity) over IP multicast.
//
// # Getting Started
//
// Create a transport over one or more media, configure the node ID, and
// open sessions for the ports the node uses:
//
//	res := transport.NewHeapResources()
//	tr, err := can.New(res, []can.Media{driver}, can.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tr.Close()
//
//	if err := tr.SetLocalNodeID(42); err != nil {
//	    log.Fatal(err)
//	}
//
//	pub, _ := tr.NewMessageTxSession(100)
//	sub, _ := tr.NewMessageRxSession(100, 64)
//
//	pub.Send(time.Now(), transport.PriorityNominal, payload)
//	for {
//	    tr.Run(time.Now())
//	    if t, ok := sub.Receive(); ok {
//	        handle(t)
//	        t.Payload.Release()
//	    }
//	    time.Sleep(time.Millisecond)
//	}
//
// The transports never block and never spawn goroutines: all protocol
// work happens inside Run, driven by the caller's scheduling loop. This
// keeps the library usable from a single control thread, which is the
// norm on the embedded and robotics systems Cyphal targets.
package cyphal
