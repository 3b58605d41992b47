package can

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cyphal/transport"
)

// Config carries the tunables of a CAN transport instance. The zero
// value selects the defaults.
type Config struct {
	// TxQueueCapacity bounds the per-interface transmit queue in
	// frames. Default 128.
	TxQueueCapacity int

	// SendTimeout is the default transmission deadline applied by
	// sessions whose caller does not pass an explicit one. Default 1s.
	SendTimeout time.Duration
}

const (
	defaultTxQueueCapacity = 128
	defaultSendTimeout     = time.Second
)

// outFrame is one encoded wire frame awaiting egress.
type outFrame struct {
	id   uint32
	data []byte
}

// Transport is the Cyphal/CAN transport facade: it owns the protocol
// engine for one node over up to three redundant CAN interfaces,
// demultiplexes received frames to sessions, and services the transmit
// queues on Run. All methods must be called from a single thread of
// control.
type Transport struct {
	res    transport.Resources
	cfg    Config
	media  []Media
	queues []*transport.TxQueue[outFrame]

	local transport.NodeID

	rx     *transport.Tree[transport.SessionKey, *rxBinding]
	txKeys *transport.Tree[transport.SessionKey, *txBinding]

	rxBuf []byte
}

// New creates a transport over the given redundant media. At least one
// and at most three interfaces are required; the local node ID starts
// unset (anonymous).
func New(res transport.Resources, media []Media, cfg Config) (*Transport, error) {
	if !res.Valid() {
		return nil, transport.ArgumentError{Reason: "all three memory resources are required"}
	}
	if len(media) == 0 {
		return nil, transport.ArgumentError{Reason: "at least one media interface is required"}
	}
	if len(media) > transport.MaxRedundantInterfaces {
		return nil, transport.ArgumentError{
			Reason: fmt.Sprintf("at most %d redundant interfaces are supported", transport.MaxRedundantInterfaces),
		}
	}
	if cfg.TxQueueCapacity <= 0 {
		cfg.TxQueueCapacity = defaultTxQueueCapacity
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	maxMTU := 0
	for _, m := range media {
		if mtu := m.MTU(); mtu > maxMTU {
			maxMTU = mtu
		}
	}
	if maxMTU < 2 {
		return nil, transport.ArgumentError{Reason: "media MTU too small for Cyphal/CAN framing"}
	}
	t := &Transport{
		res:    res,
		cfg:    cfg,
		media:  media,
		local:  transport.NodeIDUnset,
		rx:     transport.NewTree[transport.SessionKey, *rxBinding](transport.CompareSessionKeys, res.Session, "can-rx-session"),
		txKeys: transport.NewTree[transport.SessionKey, *txBinding](transport.CompareSessionKeys, res.Session, "can-tx-session"),
		rxBuf:  make([]byte, maxMTU),
	}
	for range media {
		t.queues = append(t.queues, transport.NewTxQueue[outFrame](cfg.TxQueueCapacity, res.Session))
	}
	logrus.WithFields(logrus.Fields{
		"function":   "can.New",
		"interfaces": len(media),
		"queue_cap":  cfg.TxQueueCapacity,
	}).Info("CAN transport created")
	return t, nil
}

// SetLocalNodeID configures the node ID, leaving anonymous mode. It
// can be set once; the valid range is 0..127.
func (t *Transport) SetLocalNodeID(id transport.NodeID) error {
	if id > NodeIDMax {
		return transport.ArgumentError{Reason: "CAN node ID must be in 0..127"}
	}
	if t.local != transport.NodeIDUnset {
		return transport.ArgumentError{Reason: "local node ID is already configured"}
	}
	t.local = id
	logrus.WithFields(logrus.Fields{
		"function": "Transport.SetLocalNodeID",
		"node_id":  id,
	}).Info("Local node ID configured")
	return t.refreshFilters()
}

// LocalNodeID returns the configured node ID; ok is false while the
// node is anonymous.
func (t *Transport) LocalNodeID() (transport.NodeID, bool) {
	return t.local, t.local != transport.NodeIDUnset
}

// Run services the transport: it drains received frames from every
// interface in arrival order and advances the transmit queues,
// dropping frames whose deadline has passed. Malformed frames are
// discarded silently; the first allocation or media failure is
// returned after all interfaces have been serviced.
func (t *Transport) Run(now time.Time) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for i, m := range t.media {
		for {
			ev, ok, err := m.Pop(t.rxBuf)
			if err != nil {
				record(transport.PlatformError{Cause: err})
				break
			}
			if !ok {
				break
			}
			model, valid := parseFrame(ev.Timestamp, uint8(i), ev.ID, ev.Data)
			if !valid {
				continue
			}
			record(t.dispatch(&model))
		}
	}
	for i, q := range t.queues {
		m := t.media[i]
		_, _, err := q.Transmit(now, func(deadline time.Time, f outFrame) (bool, error) {
			return m.Push(deadline, f.id, f.data)
		}, func(f outFrame) {
			t.res.Fragment.Deallocate(f.data)
		})
		record(err)
	}
	return firstErr
}

// dispatch routes one parsed frame to its receive session, if any.
func (t *Transport) dispatch(m *transport.FrameModel) error {
	key := transport.SessionKey{Kind: m.Kind, PortID: m.PortID, RemoteNodeID: transport.NodeIDUnset}
	if m.Kind != transport.TransferKindMessage {
		// Service frames are addressed; ignore traffic for other nodes.
		if t.local == transport.NodeIDUnset || m.DestinationNodeID != t.local {
			return nil
		}
		if m.Kind == transport.TransferKindResponse {
			key.RemoteNodeID = m.SourceNodeID
		}
	}
	binding, ok := t.rx.Find(key)
	if !ok {
		return nil // No session for this port; expected bus noise.
	}
	return binding.port.Accept(m)
}

// Close destroys every session, flushes the transmit queues, and
// clears the acceptance filters.
func (t *Transport) Close() {
	var bindings []*rxBinding
	t.rx.Traverse(func(_ transport.SessionKey, b *rxBinding) bool {
		bindings = append(bindings, b)
		return true
	})
	for _, b := range bindings {
		b.close()
	}
	var senders []*txBinding
	t.txKeys.Traverse(func(_ transport.SessionKey, b *txBinding) bool {
		senders = append(senders, b)
		return true
	})
	for _, b := range senders {
		b.close()
	}
	for _, q := range t.queues {
		q.Flush(func(f outFrame) { t.res.Fragment.Deallocate(f.data) })
	}
	for _, m := range t.media {
		if err := m.SetFilters(nil); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Transport.Close",
				"error":    err,
			}).Warn("Failed to clear acceptance filters")
		}
	}
	logrus.WithField("function", "Transport.Close").Info("CAN transport closed")
}

// refreshFilters recomputes the acceptance filter set from the live
// subscriptions and applies it to every interface.
func (t *Transport) refreshFilters() error {
	var filters []Filter
	needService := false
	t.rx.Traverse(func(k transport.SessionKey, _ *rxBinding) bool {
		if k.Kind == transport.TransferKindMessage {
			filters = append(filters, subjectFilter(k.PortID))
		} else {
			needService = true
		}
		return true
	})
	if needService && t.local != transport.NodeIDUnset {
		filters = append(filters, serviceFilter(t.local))
	}
	for _, m := range t.media {
		if err := m.SetFilters(filters); err != nil {
			return transport.PlatformError{Cause: err}
		}
	}
	return nil
}

// enqueueTransfer fragments one outgoing transfer and enqueues the
// frames on every interface. The operation is transactional: on any
// failure nothing remains queued and all frame storage is returned.
func (t *Transport) enqueueTransfer(kind transport.TransferKind, port transport.PortID,
	destination transport.NodeID, priority transport.Priority, tid transport.TransferID,
	deadline time.Time, fragments [][]byte) error {

	if !priority.Valid() {
		return transport.ArgumentError{Reason: "invalid priority level"}
	}
	payloadSize := 0
	for _, f := range fragments {
		payloadSize += len(f)
	}
	anonymous := t.local == transport.NodeIDUnset
	if anonymous && kind != transport.TransferKindMessage {
		return transport.AnonymousError{Op: "service transfer"}
	}
	source := t.local
	if anonymous {
		source = pseudoSourceID(fragments)
	}

	// Plan first so that failure cannot leave a transfer half-queued.
	caps := make([]int, len(t.media))
	for i, m := range t.media {
		cap := m.MTU() - 1 // Tail byte.
		if cap < 1 {
			return transport.ArgumentError{Reason: "media MTU too small"}
		}
		n := 1
		if payloadSize > cap {
			if anonymous {
				return transport.ArgumentError{Reason: "anonymous transfers must be single-frame"}
			}
			n = (payloadSize + 2 + cap - 1) / cap
		}
		if t.queues[i].Free() < n {
			return transport.CapacityError{Reason: "transmit queue cannot hold the transfer"}
		}
		caps[i] = cap
	}

	var id uint32
	switch kind {
	case transport.TransferKindMessage:
		id = encodeMessageID(priority, port, source, anonymous)
	case transport.TransferKindRequest:
		id = encodeServiceID(priority, true, port, destination, source)
	default:
		id = encodeServiceID(priority, false, port, destination, source)
	}

	built := make([][]outFrame, len(t.media))
	freeAll := func() {
		for _, frames := range built {
			for _, f := range frames {
				t.res.Fragment.Deallocate(f.data)
			}
		}
	}
	for i := range t.media {
		frames, err := t.buildFrames(id, tid, fragments, payloadSize, caps[i])
		if err != nil {
			freeAll()
			return err
		}
		built[i] = frames
	}

	type ticket struct {
		queue int
		seq   uint64
	}
	var pushed []ticket
	for i, frames := range built {
		for _, f := range frames {
			seq, err := t.queues[i].Push(priority, deadline, f)
			if err != nil {
				for _, tk := range pushed {
					t.queues[tk.queue].Remove(priority, tk.seq)
				}
				freeAll()
				return err
			}
			pushed = append(pushed, ticket{queue: i, seq: seq})
		}
	}
	return nil
}

// buildFrames encodes one transfer for one interface MTU. On failure
// every allocated frame is returned to the fragment resource.
func (t *Transport) buildFrames(id uint32, tid transport.TransferID,
	fragments [][]byte, payloadSize, mtuCap int) ([]outFrame, error) {

	if payloadSize <= mtuCap {
		buf := t.res.Fragment.Allocate(payloadSize + 1)
		if buf == nil {
			return nil, transport.MemoryError{Site: "tx frame"}
		}
		off := 0
		for _, f := range fragments {
			off += copy(buf[off:], f)
		}
		buf[payloadSize] = encodeTail(true, true, true, tid)
		return []outFrame{{id: id, data: buf}}, nil
	}

	crc := transport.CRC16Initial
	for _, f := range fragments {
		crc = transport.CRC16Add(crc, f)
	}
	trailer := []byte{byte(crc >> 8), byte(crc)}
	cursor := newFragmentCursor(fragments, trailer)

	total := payloadSize + len(trailer)
	frames := make([]outFrame, 0, (total+mtuCap-1)/mtuCap)
	toggle := true
	offset := 0
	for offset < total {
		chunk := total - offset
		if chunk > mtuCap {
			chunk = mtuCap
		}
		buf := t.res.Fragment.Allocate(chunk + 1)
		if buf == nil {
			for _, f := range frames {
				t.res.Fragment.Deallocate(f.data)
			}
			return nil, transport.MemoryError{Site: "tx frame"}
		}
		cursor.read(buf[:chunk])
		start := offset == 0
		offset += chunk
		buf[chunk] = encodeTail(start, offset == total, toggle, tid)
		toggle = !toggle
		frames = append(frames, outFrame{id: id, data: buf})
	}
	return frames, nil
}

// pseudoSourceID derives the 7-bit pseudo source ID of an anonymous
// message from its payload, so retransmissions collide predictably.
func pseudoSourceID(fragments [][]byte) transport.NodeID {
	crc := transport.CRC16Initial
	for _, f := range fragments {
		crc = transport.CRC16Add(crc, f)
	}
	return transport.NodeID(crc) & transport.NodeID(idNodeMask)
}

// fragmentCursor reads sequentially across payload fragments followed
// by a trailer without gathering them.
type fragmentCursor struct {
	parts [][]byte
	index int
	off   int
}

func newFragmentCursor(fragments [][]byte, trailer []byte) *fragmentCursor {
	parts := make([][]byte, 0, len(fragments)+1)
	parts = append(parts, fragments...)
	if len(trailer) > 0 {
		parts = append(parts, trailer)
	}
	return &fragmentCursor{parts: parts}
}

func (c *fragmentCursor) read(dst []byte) int {
	n := 0
	for n < len(dst) && c.index < len(c.parts) {
		part := c.parts[c.index]
		m := copy(dst[n:], part[c.off:])
		n += m
		c.off += m
		if c.off == len(part) {
			c.index++
			c.off = 0
		}
	}
	return n
}
