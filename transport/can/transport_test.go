package can

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/cyphal/transport"
)

// testMedia is an in-memory CAN driver double with scriptable
// backpressure and full visibility of transmitted frames.
type testMedia struct {
	mtu     int
	rx      []RxEvent
	sent    []testFrame
	pushOK  bool
	pushErr error
	filters []Filter
}

type testFrame struct {
	id   uint32
	data []byte
}

func newTestMedia(mtu int) *testMedia {
	return &testMedia{mtu: mtu, pushOK: true}
}

func (m *testMedia) MTU() int { return m.mtu }

func (m *testMedia) Push(_ time.Time, id uint32, payload []byte) (bool, error) {
	if m.pushErr != nil {
		return false, m.pushErr
	}
	if !m.pushOK {
		return false, nil
	}
	data := make([]byte, len(payload))
	copy(data, payload)
	m.sent = append(m.sent, testFrame{id: id, data: data})
	return true, nil
}

func (m *testMedia) Pop(buf []byte) (RxEvent, bool, error) {
	if len(m.rx) == 0 {
		return RxEvent{}, false, nil
	}
	ev := m.rx[0]
	m.rx = m.rx[1:]
	n := copy(buf, ev.Data)
	return RxEvent{Timestamp: ev.Timestamp, ID: ev.ID, Data: buf[:n]}, true, nil
}

func (m *testMedia) SetFilters(filters []Filter) error {
	m.filters = filters
	return nil
}

func (m *testMedia) inject(ts time.Time, id uint32, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)
	m.rx = append(m.rx, RxEvent{Timestamp: ts, ID: id, Data: cp})
}

// carry moves every frame transmitted on src into dst's receive queue,
// stamped with the given reception time.
func carry(src, dst *testMedia, ts time.Time) {
	for _, f := range src.sent {
		dst.inject(ts, f.id, f.data)
	}
	src.sent = nil
}

func newTestTransport(t *testing.T, node transport.NodeID, media ...*testMedia) *Transport {
	t.Helper()
	ifaces := make([]Media, len(media))
	for i, m := range media {
		ifaces[i] = m
	}
	tr, err := New(transport.NewHeapResources(), ifaces, Config{})
	require.NoError(t, err)
	if node != transport.NodeIDUnset {
		require.NoError(t, tr.SetLocalNodeID(node))
	}
	return tr
}

func TestTransportReceivesSingleFrameTransfer(t *testing.T) {
	m := newTestMedia(MTUClassic)
	tr := newTestTransport(t, 9, m)
	defer tr.Close()

	sub, err := tr.NewMessageRxSession(100, 42)
	require.NoError(t, err)

	arrival := time.Unix(1, 10_000_000)
	id := encodeMessageID(transport.PriorityHigh, 100, 5, false)
	m.inject(arrival, id, []byte{42, 147, encodeTail(true, true, true, 0x1D)})

	require.NoError(t, tr.Run(time.Unix(1, 11_000_000)))

	got, ok := sub.Receive()
	require.True(t, ok)
	assert.Equal(t, transport.PriorityHigh, got.Priority)
	assert.Equal(t, transport.PortID(100), got.PortID)
	assert.Equal(t, transport.NodeID(5), got.RemoteNodeID)
	assert.Equal(t, transport.TransferID(0x1D), got.TransferID)
	assert.Equal(t, arrival, got.Timestamp)
	assert.Equal(t, []byte{42, 147}, got.Payload.Bytes())
	got.Payload.Release()
}

func TestTransportPubSubEndToEnd(t *testing.T) {
	mPub, mSub := newTestMedia(MTUClassic), newTestMedia(MTUClassic)
	pub := newTestTransport(t, 10, mPub)
	defer pub.Close()
	sub := newTestTransport(t, 20, mSub)
	defer sub.Close()

	tx, err := pub.NewMessageTxSession(100)
	require.NoError(t, err)
	rx, err := sub.NewMessageRxSession(100, 16)
	require.NoError(t, err)

	now := time.Unix(10, 0)
	for i := byte(0); i < 3; i++ {
		require.NoError(t, tx.Send(now, transport.PriorityNominal, []byte{i}))
		require.NoError(t, pub.Run(now))
		carry(mPub, mSub, now)
		require.NoError(t, sub.Run(now))

		got, ok := rx.Receive()
		require.True(t, ok)
		assert.Equal(t, transport.TransferID(i), got.TransferID, "transfer IDs ascend per session")
		assert.Equal(t, transport.NodeID(10), got.RemoteNodeID)
		assert.Equal(t, []byte{i}, got.Payload.Bytes())
		got.Payload.Release()
	}
}

func TestTransportMultiFrameEndToEnd(t *testing.T) {
	mPub, mSub := newTestMedia(MTUClassic), newTestMedia(MTUClassic)
	pub := newTestTransport(t, 10, mPub)
	defer pub.Close()
	sub := newTestTransport(t, 20, mSub)
	defer sub.Close()

	tx, err := pub.NewMessageTxSession(200)
	require.NoError(t, err)
	rx, err := sub.NewMessageRxSession(200, 64)
	require.NoError(t, err)

	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i * 3)
	}

	now := time.Unix(10, 0)
	// Scattered fragments are gathered during encoding.
	require.NoError(t, tx.Send(now, transport.PriorityNominal, payload[:11], payload[11:]))
	require.NoError(t, pub.Run(now))
	assert.Len(t, mPub.sent, 4) // 20 payload + 2 CRC bytes over 7-byte chunks.
	carry(mPub, mSub, now)
	require.NoError(t, sub.Run(now))

	got, ok := rx.Receive()
	require.True(t, ok)
	assert.Equal(t, payload, got.Payload.Bytes())
	got.Payload.Release()
}

func TestTransportRedundantInterfaces(t *testing.T) {
	pubA, pubB := newTestMedia(MTUClassic), newTestMedia(MTUClassic)
	subA, subB := newTestMedia(MTUClassic), newTestMedia(MTUClassic)
	pub := newTestTransport(t, 10, pubA, pubB)
	defer pub.Close()
	sub := newTestTransport(t, 20, subA, subB)
	defer sub.Close()

	tx, err := pub.NewMessageTxSession(100)
	require.NoError(t, err)
	rx, err := sub.NewMessageRxSession(100, 16)
	require.NoError(t, err)

	now := time.Unix(10, 0)
	require.NoError(t, tx.Send(now, transport.PriorityNominal, []byte{1}))
	require.NoError(t, pub.Run(now))
	require.NotEmpty(t, pubA.sent)
	require.NotEmpty(t, pubB.sent)

	// Both copies arrive; exactly one transfer is delivered.
	carry(pubA, subA, now)
	carry(pubB, subB, now)
	require.NoError(t, sub.Run(now))
	got, ok := rx.Receive()
	require.True(t, ok)
	got.Payload.Release()
	_, ok = rx.Receive()
	assert.False(t, ok)

	// One interface going dark does not interrupt reception.
	require.NoError(t, tx.Send(now, transport.PriorityNominal, []byte{2}))
	require.NoError(t, pub.Run(now))
	pubA.sent = nil // Interface A loses the frame.
	carry(pubB, subB, now)
	require.NoError(t, sub.Run(now))
	got, ok = rx.Receive()
	require.True(t, ok)
	assert.Equal(t, []byte{2}, got.Payload.Bytes())
	got.Payload.Release()
}

func TestTransportServiceRPC(t *testing.T) {
	mServer, mClient := newTestMedia(MTUClassic), newTestMedia(MTUClassic)
	server := newTestTransport(t, 27, mServer)
	defer server.Close()
	client := newTestTransport(t, 123, mClient)
	defer client.Close()

	serverRx, err := server.NewRequestRxSession(430, 32)
	require.NoError(t, err)
	serverTx, err := server.NewResponseTxSession(430)
	require.NoError(t, err)
	clientTx, err := client.NewRequestTxSession(430, 27)
	require.NoError(t, err)
	clientRx, err := client.NewResponseRxSession(430, 27, 32)
	require.NoError(t, err)

	now := time.Unix(10, 0)
	tid, err := clientTx.Send(now, transport.PriorityHigh, []byte("ping"))
	require.NoError(t, err)
	require.NoError(t, client.Run(now))
	carry(mClient, mServer, now)
	require.NoError(t, server.Run(now))

	req, ok := serverRx.Receive()
	require.True(t, ok)
	assert.Equal(t, transport.NodeID(123), req.RemoteNodeID)
	assert.Equal(t, []byte("ping"), req.Payload.Bytes())

	require.NoError(t, serverTx.Send(now, transport.PriorityHigh, req.RemoteNodeID, req.TransferID, []byte("pong")))
	req.Payload.Release()
	require.NoError(t, server.Run(now))
	carry(mServer, mClient, now)
	require.NoError(t, client.Run(now))

	resp, ok := clientRx.Receive()
	require.True(t, ok)
	assert.Equal(t, tid, resp.TransferID, "the response echoes the request transfer ID")
	assert.Equal(t, []byte("pong"), resp.Payload.Bytes())
	resp.Payload.Release()
}

func TestTransportIgnoresServiceTrafficForOtherNodes(t *testing.T) {
	m := newTestMedia(MTUClassic)
	tr := newTestTransport(t, 27, m)
	defer tr.Close()

	rx, err := tr.NewRequestRxSession(430, 32)
	require.NoError(t, err)

	// Addressed to node 28, not us.
	id := encodeServiceID(transport.PriorityNominal, true, 430, 28, 5)
	m.inject(time.Unix(1, 0), id, []byte{1, encodeTail(true, true, true, 0)})
	require.NoError(t, tr.Run(time.Unix(1, 0)))
	_, ok := rx.Receive()
	assert.False(t, ok)
}

func TestTransportDeadlineExpiry(t *testing.T) {
	m := newTestMedia(MTUClassic)
	fragment := transport.NewCountingResource(transport.NewHeapResource())
	res := transport.Resources{
		Session:  transport.NewHeapResource(),
		Fragment: fragment,
		Payload:  transport.NewHeapResource(),
	}
	tr, err := New(res, []Media{m}, Config{})
	require.NoError(t, err)
	defer tr.Close()
	require.NoError(t, tr.SetLocalNodeID(10))

	tx, err := tr.NewMessageTxSession(100)
	require.NoError(t, err)

	now := time.Unix(10, 0)
	require.NoError(t, tx.SendDeadline(now.Add(-time.Millisecond), transport.PriorityNominal, []byte{1}))
	require.NoError(t, tr.Run(now))

	assert.Empty(t, m.sent, "an expired frame never reaches the media")
	assert.Equal(t, 0, fragment.BytesLive, "expired frame storage is returned")
}

func TestTransportBackpressureRetry(t *testing.T) {
	m := newTestMedia(MTUClassic)
	tr := newTestTransport(t, 10, m)
	defer tr.Close()

	tx, err := tr.NewMessageTxSession(100)
	require.NoError(t, err)

	now := time.Unix(10, 0)
	m.pushOK = false
	require.NoError(t, tx.Send(now, transport.PriorityNominal, []byte{1}))
	require.NoError(t, tr.Run(now))
	assert.Empty(t, m.sent)

	m.pushOK = true
	require.NoError(t, tr.Run(now))
	require.Len(t, m.sent, 1, "rejected frame is retried on the next run")
}

func TestTransportAnonymousRules(t *testing.T) {
	m := newTestMedia(MTUClassic)
	tr := newTestTransport(t, transport.NodeIDUnset, m)
	defer tr.Close()

	tx, err := tr.NewMessageTxSession(100)
	require.NoError(t, err)
	now := time.Unix(10, 0)

	// Single-frame anonymous messages are allowed.
	require.NoError(t, tx.Send(now, transport.PriorityNominal, []byte{1, 2}))
	require.NoError(t, tr.Run(now))
	require.Len(t, m.sent, 1)
	assert.NotZero(t, m.sent[0].id&idAnonymousFlag)

	// Multi-frame anonymous messages are not.
	var arg transport.ArgumentError
	err = tx.Send(now, transport.PriorityNominal, make([]byte, 32))
	require.ErrorAs(t, err, &arg)

	// Services require an addressed node outright.
	rpc, err := tr.NewRequestTxSession(430, 27)
	require.NoError(t, err)
	_, err = rpc.Send(now, transport.PriorityNominal, []byte{1})
	var anon transport.AnonymousError
	require.ErrorAs(t, err, &anon)
}

func TestTransportAnonymousEndToEnd(t *testing.T) {
	mPub, mSub := newTestMedia(MTUClassic), newTestMedia(MTUClassic)
	pub := newTestTransport(t, transport.NodeIDUnset, mPub)
	defer pub.Close()
	sub := newTestTransport(t, 20, mSub)
	defer sub.Close()

	tx, err := pub.NewMessageTxSession(100)
	require.NoError(t, err)
	rx, err := sub.NewMessageRxSession(100, 16)
	require.NoError(t, err)

	now := time.Unix(10, 0)
	require.NoError(t, tx.Send(now, transport.PriorityNominal, []byte{7}))
	require.NoError(t, pub.Run(now))
	carry(mPub, mSub, now)
	require.NoError(t, sub.Run(now))

	got, ok := rx.Receive()
	require.True(t, ok)
	assert.Equal(t, transport.NodeIDUnset, got.RemoteNodeID)
	assert.Equal(t, []byte{7}, got.Payload.Bytes())
	got.Payload.Release()
}

func TestTransportEmptyPayload(t *testing.T) {
	mPub, mSub := newTestMedia(MTUClassic), newTestMedia(MTUClassic)
	pub := newTestTransport(t, 10, mPub)
	defer pub.Close()
	sub := newTestTransport(t, 20, mSub)
	defer sub.Close()

	tx, err := pub.NewMessageTxSession(100)
	require.NoError(t, err)
	rx, err := sub.NewMessageRxSession(100, 16)
	require.NoError(t, err)

	now := time.Unix(10, 0)
	require.NoError(t, tx.Send(now, transport.PriorityNominal))
	require.NoError(t, pub.Run(now))
	require.Len(t, mPub.sent, 1)
	assert.Len(t, mPub.sent[0].data, 1, "an empty transfer is a lone tail byte")
	carry(mPub, mSub, now)
	require.NoError(t, sub.Run(now))

	got, ok := rx.Receive()
	require.True(t, ok)
	assert.Empty(t, got.Payload.Bytes())
	got.Payload.Release()
}

func TestTransportSendAllocationFailure(t *testing.T) {
	m := newTestMedia(MTUClassic)
	failing := transport.NewFailingResource(transport.NewHeapResource())
	fragment := transport.NewCountingResource(failing)
	res := transport.Resources{
		Session:  transport.NewHeapResource(),
		Fragment: fragment,
		Payload:  transport.NewHeapResource(),
	}
	tr, err := New(res, []Media{m}, Config{})
	require.NoError(t, err)
	defer tr.Close()
	require.NoError(t, tr.SetLocalNodeID(10))

	tx, err := tr.NewMessageTxSession(100)
	require.NoError(t, err)

	// 20 payload bytes need 4 frames; fail on the third allocation.
	now := time.Unix(10, 0)
	failing.FailFrom(2)
	err = tx.Send(now, transport.PriorityNominal, make([]byte, 20))
	var mem transport.MemoryError
	require.ErrorAs(t, err, &mem)
	assert.Equal(t, 0, fragment.BytesLive, "partial frame storage is returned")

	require.NoError(t, tr.Run(now))
	assert.Empty(t, m.sent, "a failed transfer leaves nothing queued")

	// The session recovers once memory is available again.
	failing.Disarm()
	require.NoError(t, tx.Send(now, transport.PriorityNominal, []byte{1}))
	require.NoError(t, tr.Run(now))
	require.Len(t, m.sent, 1)
	assert.Equal(t, transport.TransferID(0), transport.TransferID(m.sent[0].data[1]&tailIDMask))
}

func TestTransportSessionUniqueness(t *testing.T) {
	m := newTestMedia(MTUClassic)
	tr := newTestTransport(t, 10, m)
	defer tr.Close()

	tx, err := tr.NewMessageTxSession(100)
	require.NoError(t, err)
	_, err = tr.NewMessageTxSession(100)
	var exists transport.AlreadyExistsError
	require.ErrorAs(t, err, &exists)

	rx, err := tr.NewMessageRxSession(100, 16)
	require.NoError(t, err)
	_, err = tr.NewMessageRxSession(100, 16)
	require.ErrorAs(t, err, &exists)

	// Closing frees the slot for a replacement.
	tx.Close()
	rx.Close()
	_, err = tr.NewMessageTxSession(100)
	require.NoError(t, err)
	_, err = tr.NewMessageRxSession(100, 16)
	require.NoError(t, err)
}

func TestTransportFilterReconfiguration(t *testing.T) {
	m := newTestMedia(MTUClassic)
	tr := newTestTransport(t, transport.NodeIDUnset, m)
	defer tr.Close()

	rx, err := tr.NewMessageRxSession(1234, 16)
	require.NoError(t, err)
	require.Len(t, m.filters, 1)
	assert.Equal(t, subjectFilter(1234), m.filters[0])

	// Service filters appear once the node has an address.
	_, err = tr.NewRequestRxSession(430, 16)
	require.NoError(t, err)
	require.Len(t, m.filters, 1, "anonymous nodes cannot accept service traffic")
	require.NoError(t, tr.SetLocalNodeID(27))
	require.Len(t, m.filters, 2)
	assert.Contains(t, m.filters, serviceFilter(27))

	rx.Close()
	require.Len(t, m.filters, 1)
	assert.NotContains(t, m.filters, subjectFilter(1234))
}

func TestTransportQueueCapacityIsTransactional(t *testing.T) {
	m := newTestMedia(MTUClassic)
	tr, err := New(transport.NewHeapResources(), []Media{m}, Config{TxQueueCapacity: 2})
	require.NoError(t, err)
	defer tr.Close()
	require.NoError(t, tr.SetLocalNodeID(10))

	tx, err := tr.NewMessageTxSession(100)
	require.NoError(t, err)

	// 20 payload bytes need 4 frames; the queue holds 2.
	now := time.Unix(10, 0)
	err = tx.Send(now, transport.PriorityNominal, make([]byte, 20))
	var capErr transport.CapacityError
	require.ErrorAs(t, err, &capErr)

	require.NoError(t, tr.Run(now))
	assert.Empty(t, m.sent, "a rejected transfer leaves nothing queued")

	// The transfer-ID counter does not advance on failure.
	require.NoError(t, tx.Send(now, transport.PriorityNominal, []byte{1}))
	require.NoError(t, tr.Run(now))
	require.Len(t, m.sent, 1)
	assert.Equal(t, transport.TransferID(0), transport.TransferID(m.sent[0].data[1]&tailIDMask))
}

func TestTransportConfigValidation(t *testing.T) {
	res := transport.NewHeapResources()

	_, err := New(res, nil, Config{})
	var arg transport.ArgumentError
	require.ErrorAs(t, err, &arg)

	four := []Media{newTestMedia(8), newTestMedia(8), newTestMedia(8), newTestMedia(8)}
	_, err = New(res, four, Config{})
	require.ErrorAs(t, err, &arg)

	tr, err := New(res, []Media{newTestMedia(8)}, Config{})
	require.NoError(t, err)
	defer tr.Close()

	require.ErrorAs(t, tr.SetLocalNodeID(128), &arg)
	require.NoError(t, tr.SetLocalNodeID(127))
	require.ErrorAs(t, tr.SetLocalNodeID(5), &arg)

	_, err = tr.NewMessageRxSession(SubjectIDMax+1, 0)
	require.ErrorAs(t, err, &arg)
	_, err = tr.NewRequestTxSession(ServiceIDMax+1, 1)
	require.ErrorAs(t, err, &arg)
	_, err = tr.NewResponseRxSession(1, 200, 0)
	require.ErrorAs(t, err, &arg)
	_, err = tr.NewMessageRxSession(10, -1)
	require.ErrorAs(t, err, &arg)
}
