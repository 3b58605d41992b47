package udp

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cyphal/transport"
)

// Config carries the tunables of a UDP transport instance. The zero
// value selects the defaults.
type Config struct {
	// TxQueueCapacity bounds the per-interface transmit queue in
	// datagrams. Default 128.
	TxQueueCapacity int

	// SendTimeout is the default transmission deadline applied by
	// sessions whose caller does not pass an explicit one. Default 1s.
	SendTimeout time.Duration

	// DSCP maps each transfer priority to the DSCP marking of its
	// datagrams. The zero value (best effort for everything) is valid.
	DSCP [transport.NumPriorities]uint8
}

const (
	defaultTxQueueCapacity = 128
	defaultSendTimeout     = time.Second
)

// outDatagram is one encoded datagram awaiting egress.
type outDatagram struct {
	endpoint netip.AddrPort
	dscp     uint8
	data     []byte
}

// Transport is the Cyphal/UDP transport facade: one node over up to
// three redundant networks, with multicast group management driven by
// the live subscriptions. All methods must be called from a single
// thread of control.
type Transport struct {
	res    transport.Resources
	cfg    Config
	media  []Media
	queues []*transport.TxQueue[outDatagram]

	local transport.NodeID

	rx     *transport.Tree[transport.SessionKey, *rxBinding]
	txKeys *transport.Tree[transport.SessionKey, *txBinding]

	joined map[netip.AddrPort]struct{}
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
	for _, m := range media {
		// Room for the header and the transfer CRC trailer at minimum.
		if m.MTU() < HeaderSize+4 {
			return nil, transport.ArgumentError{Reason: "media MTU too small for Cyphal/UDP framing"}
		}
	}
	t := &Transport{
		res:    res,
		cfg:    cfg,
		media:  media,
		local:  transport.NodeIDUnset,
		rx:     transport.NewTree[transport.SessionKey, *rxBinding](transport.CompareSessionKeys, res.Session, "udp-rx-session"),
		txKeys: transport.NewTree[transport.SessionKey, *txBinding](transport.CompareSessionKeys, res.Session, "udp-tx-session"),
		joined: make(map[netip.AddrPort]struct{}),
	}
	for range media {
		t.queues = append(t.queues, transport.NewTxQueue[outDatagram](cfg.TxQueueCapacity, res.Session))
	}
	logrus.WithFields(logrus.Fields{
		"function":   "udp.New",
		"interfaces": len(media),
		"queue_cap":  cfg.TxQueueCapacity,
	}).Info("UDP transport created")
	return t, nil
}

// SetLocalNodeID configures the node ID, leaving anonymous mode. It
// can be set once; the valid range is 0..65534.
func (t *Transport) SetLocalNodeID(id transport.NodeID) error {
	if id > NodeIDMax {
		return transport.ArgumentError{Reason: "UDP node ID must be in 0..65534"}
	}
	if t.local != transport.NodeIDUnset {
		return transport.ArgumentError{Reason: "local node ID is already configured"}
	}
	t.local = id
	logrus.WithFields(logrus.Fields{
		"function": "Transport.SetLocalNodeID",
		"node_id":  id,
	}).Info("Local node ID configured")
	return t.refreshGroups()
}

// LocalNodeID returns the configured node ID; ok is false while the
// node is anonymous.
func (t *Transport) LocalNodeID() (transport.NodeID, bool) {
	return t.local, t.local != transport.NodeIDUnset
}

// Run services the transport: it drains received datagrams from every
// interface and advances the transmit queues, dropping datagrams whose
// deadline has passed. Malformed datagrams are discarded silently; the
// first allocation or media failure is returned after all interfaces
// have been serviced.
func (t *Transport) Run(now time.Time) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for i, m := range t.media {
		for {
			dg, ok, err := m.Receive()
			if err != nil {
				record(transport.PlatformError{Cause: err})
				break
			}
			if !ok {
				break
			}
			model, valid := parseDatagram(dg.Timestamp, uint8(i), dg.Data)
			if !valid {
				continue
			}
			record(t.dispatch(&model))
		}
	}
	for i, q := range t.queues {
		m := t.media[i]
		_, _, err := q.Transmit(now, func(deadline time.Time, d outDatagram) (bool, error) {
			return m.Send(deadline, d.endpoint, d.dscp, [][]byte{d.data})
		}, func(d outDatagram) {
			t.res.Fragment.Deallocate(d.data)
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
		return nil // No session for this port; expected group noise.
	}
	return binding.port.Accept(m)
}

// Close destroys every session, flushes the transmit queues, and
// leaves all multicast groups.
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
		q.Flush(func(d outDatagram) { t.res.Fragment.Deallocate(d.data) })
	}
	if err := t.refreshGroups(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Transport.Close",
			"error":    err,
		}).Warn("Failed to leave multicast groups")
	}
	logrus.WithField("function", "Transport.Close").Info("UDP transport closed")
}

// refreshGroups reconciles the multicast memberships of every
// interface with the live subscriptions: joins groups that gained a
// session, leaves groups that lost their last one.
func (t *Transport) refreshGroups() error {
	desired := make(map[netip.AddrPort]struct{})
	t.rx.Traverse(func(k transport.SessionKey, _ *rxBinding) bool {
		if k.Kind == transport.TransferKindMessage {
			desired[EndpointForMessage(k.PortID)] = struct{}{}
		} else if t.local != transport.NodeIDUnset {
			desired[EndpointForService(t.local)] = struct{}{}
		}
		return true
	})
	var firstErr error
	for ep := range desired {
		if _, ok := t.joined[ep]; ok {
			continue
		}
		for _, m := range t.media {
			if err := m.Join(ep); err != nil && firstErr == nil {
				firstErr = transport.PlatformError{Cause: err}
			}
		}
		t.joined[ep] = struct{}{}
	}
	for ep := range t.joined {
		if _, ok := desired[ep]; ok {
			continue
		}
		for _, m := range t.media {
			if err := m.Leave(ep); err != nil && firstErr == nil {
				firstErr = transport.PlatformError{Cause: err}
			}
		}
		delete(t.joined, ep)
	}
	return firstErr
}

// enqueueTransfer fragments one outgoing transfer and enqueues the
// datagrams on every interface. The operation is transactional: on any
// failure nothing remains queued and all datagram storage is returned.
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

	var endpoint netip.AddrPort
	if kind == transport.TransferKindMessage {
		endpoint = EndpointForMessage(port)
	} else {
		endpoint = EndpointForService(destination)
	}
	dscp := t.cfg.DSCP[priority]
	spec := encodeDataSpecifier(kind, port)
	dst := destination
	if kind == transport.TransferKindMessage {
		dst = transport.NodeIDUnset
	}

	// Plan first so that failure cannot leave a transfer half-queued.
	total := payloadSize + 4 // Transfer CRC trailer.
	caps := make([]int, len(t.media))
	for i, m := range t.media {
		cap := m.MTU() - HeaderSize
		n := (total + cap - 1) / cap
		if anonymous && n > 1 {
			return transport.ArgumentError{Reason: "anonymous transfers must be single-frame"}
		}
		if t.queues[i].Free() < n {
			return transport.CapacityError{Reason: "transmit queue cannot hold the transfer"}
		}
		caps[i] = cap
	}

	crc := transport.CRC32CInitial
	for _, f := range fragments {
		crc = transport.CRC32CAdd(crc, f)
	}
	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], transport.CRC32CValue(crc))

	built := make([][]outDatagram, len(t.media))
	freeAll := func() {
		for _, dgs := range built {
			for _, d := range dgs {
				t.res.Fragment.Deallocate(d.data)
			}
		}
	}
	for i := range t.media {
		dgs, err := t.buildDatagrams(endpoint, dscp, spec, priority, dst, tid, fragments, trailer[:], total, caps[i])
		if err != nil {
			freeAll()
			return err
		}
		built[i] = dgs
	}

	type ticket struct {
		queue int
		seq   uint64
	}
	var pushed []ticket
	for i, dgs := range built {
		for _, d := range dgs {
			seq, err := t.queues[i].Push(priority, deadline, d)
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

// buildDatagrams encodes one transfer for one interface MTU. On
// failure every allocated datagram is returned to the fragment
// resource.
func (t *Transport) buildDatagrams(endpoint netip.AddrPort, dscp uint8, spec uint16,
	priority transport.Priority, dst transport.NodeID, tid transport.TransferID,
	fragments [][]byte, trailer []byte, total, mtuCap int) ([]outDatagram, error) {

	cursor := newPayloadCursor(fragments, trailer)
	dgs := make([]outDatagram, 0, (total+mtuCap-1)/mtuCap)
	offset := 0
	for index := uint32(1); offset < total; index++ {
		chunk := total - offset
		if chunk > mtuCap {
			chunk = mtuCap
		}
		buf := t.res.Fragment.Allocate(HeaderSize + chunk)
		if buf == nil {
			for _, d := range dgs {
				t.res.Fragment.Deallocate(d.data)
			}
			return nil, transport.MemoryError{Site: "tx datagram"}
		}
		cursor.read(buf[HeaderSize:])
		offset += chunk
		encodeHeader(buf, priority, t.local, dst, spec, tid, index, offset == total)
		dgs = append(dgs, outDatagram{endpoint: endpoint, dscp: dscp, data: buf})
	}
	return dgs, nil
}

// payloadCursor reads sequentially across payload fragments followed
// by the CRC trailer without gathering them.
type payloadCursor struct {
	parts [][]byte
	index int
	off   int
}

func newPayloadCursor(fragments [][]byte, trailer []byte) *payloadCursor {
	parts := make([][]byte, 0, len(fragments)+1)
	parts = append(parts, fragments...)
	parts = append(parts, trailer)
	return &payloadCursor{parts: parts}
}

func (c *payloadCursor) read(dst []byte) int {
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
