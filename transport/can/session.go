package can

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/cyphal/transport"
)

var (
	_ transport.RxSession = (*MessageRxSession)(nil)
	_ transport.RxSession = (*RequestRxSession)(nil)
	_ transport.RxSession = (*ResponseRxSession)(nil)
	_ transport.TxSession = (*MessageTxSession)(nil)
	_ transport.TxSession = (*RequestTxSession)(nil)
	_ transport.TxSession = (*ResponseTxSession)(nil)
)

// rxBinding ties one receive port into the transport's demultiplexing
// tree. All concrete receive session types delegate to it.
type rxBinding struct {
	t      *Transport
	key    transport.SessionKey
	port   *transport.RxPort
	closed bool
}

func (t *Transport) newRxBinding(key transport.SessionKey, extent int) (*rxBinding, error) {
	if extent < 0 {
		return nil, transport.ArgumentError{Reason: "extent must not be negative"}
	}
	b := &rxBinding{t: t, key: key}
	_, err := t.rx.Ensure(key, func() (*rxBinding, error) {
		b.port = transport.NewRxPort(t.res, rxRules(), extent)
		return b, nil
	}, true)
	if err != nil {
		return nil, err
	}
	if err := t.refreshFilters(); err != nil {
		t.rx.Remove(key)
		b.port.Close()
		return nil, err
	}
	return b, nil
}

func (b *rxBinding) Receive() (*transport.Transfer, bool) { return b.port.Receive() }

func (b *rxBinding) SetOnReceive(fn func(*transport.Transfer)) { b.port.SetOnReceive(fn) }

func (b *rxBinding) SetTransferIDTimeout(d time.Duration) error {
	return b.port.SetTransferIDTimeout(d)
}

func (b *rxBinding) Close() { b.close() }

func (b *rxBinding) close() {
	if b.closed {
		return
	}
	b.closed = true
	b.t.rx.Remove(b.key)
	b.port.Close()
	if err := b.t.refreshFilters(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "rxBinding.close",
			"port":     b.key.PortID,
			"error":    err,
		}).Warn("Failed to refresh acceptance filters")
	}
}

// txBinding holds the per-session transmit state: the default send
// timeout and the transfer-ID counter. Its key occupies a slot in the
// transport's uniqueness tree so a port cannot be claimed twice.
type txBinding struct {
	t       *Transport
	key     transport.SessionKey
	timeout time.Duration
	nextTID transport.TransferID
	closed  bool
}

func (t *Transport) newTxBinding(key transport.SessionKey) (*txBinding, error) {
	b := &txBinding{t: t, key: key, timeout: t.cfg.SendTimeout}
	_, err := t.txKeys.Ensure(key, func() (*txBinding, error) { return b, nil }, true)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (b *txBinding) SetSendTimeout(d time.Duration) error {
	if d <= 0 {
		return transport.ArgumentError{Reason: "send timeout must be positive"}
	}
	b.timeout = d
	return nil
}

func (b *txBinding) Close() { b.close() }

func (b *txBinding) close() {
	if b.closed {
		return
	}
	b.closed = true
	b.t.txKeys.Remove(b.key)
}

func (b *txBinding) send(kind transport.TransferKind, destination transport.NodeID,
	priority transport.Priority, tid transport.TransferID,
	deadline time.Time, fragments [][]byte) error {

	if b.closed {
		return transport.ArgumentError{Reason: "session is closed"}
	}
	return b.t.enqueueTransfer(kind, b.key.PortID, destination, priority, tid, deadline, fragments)
}

// MessageRxSession receives transfers published on one subject.
type MessageRxSession struct{ *rxBinding }

// NewMessageRxSession subscribes to a subject. extent bounds the
// reassembled payload; longer transfers are truncated implicitly.
func (t *Transport) NewMessageRxSession(subject transport.PortID, extent int) (*MessageRxSession, error) {
	if subject > SubjectIDMax {
		return nil, transport.ArgumentError{Reason: "CAN subject ID must be in 0..8191"}
	}
	b, err := t.newRxBinding(transport.SessionKey{
		Kind:         transport.TransferKindMessage,
		PortID:       subject,
		RemoteNodeID: transport.NodeIDUnset,
	}, extent)
	if err != nil {
		return nil, err
	}
	return &MessageRxSession{rxBinding: b}, nil
}

// MessageTxSession publishes transfers on one subject.
type MessageTxSession struct{ *txBinding }

// NewMessageTxSession creates a publisher for a subject. One transmit
// session per subject: the transfer-ID counter lives in the session.
func (t *Transport) NewMessageTxSession(subject transport.PortID) (*MessageTxSession, error) {
	if subject > SubjectIDMax {
		return nil, transport.ArgumentError{Reason: "CAN subject ID must be in 0..8191"}
	}
	b, err := t.newTxBinding(transport.SessionKey{
		Kind:         transport.TransferKindMessage,
		PortID:       subject,
		RemoteNodeID: transport.NodeIDUnset,
	})
	if err != nil {
		return nil, err
	}
	return &MessageTxSession{txBinding: b}, nil
}

// Send enqueues one message transfer with the session's default
// transmission deadline measured from now. The payload may be scattered
// across fragments; they are gathered during frame encoding.
func (s *MessageTxSession) Send(now time.Time, priority transport.Priority, fragments ...[]byte) error {
	return s.SendDeadline(now.Add(s.timeout), priority, fragments...)
}

// SendDeadline enqueues one message transfer with an explicit deadline.
func (s *MessageTxSession) SendDeadline(deadline time.Time, priority transport.Priority, fragments ...[]byte) error {
	tid := s.nextTID
	err := s.send(transport.TransferKindMessage, transport.NodeIDUnset, priority, tid, deadline, fragments)
	if err != nil {
		return err
	}
	s.nextTID++
	return nil
}

// RequestRxSession receives service requests addressed to this node
// (the server side of an RPC port).
type RequestRxSession struct{ *rxBinding }

// NewRequestRxSession starts serving requests on a service port.
func (t *Transport) NewRequestRxSession(service transport.PortID, extent int) (*RequestRxSession, error) {
	if service > ServiceIDMax {
		return nil, transport.ArgumentError{Reason: "CAN service ID must be in 0..511"}
	}
	b, err := t.newRxBinding(transport.SessionKey{
		Kind:         transport.TransferKindRequest,
		PortID:       service,
		RemoteNodeID: transport.NodeIDUnset,
	}, extent)
	if err != nil {
		return nil, err
	}
	return &RequestRxSession{rxBinding: b}, nil
}

// RequestTxSession sends service requests to one server (the client
// side of an RPC port).
type RequestTxSession struct {
	*txBinding
	server transport.NodeID
}

// NewRequestTxSession creates a client session addressing one server.
func (t *Transport) NewRequestTxSession(service transport.PortID, server transport.NodeID) (*RequestTxSession, error) {
	if service > ServiceIDMax {
		return nil, transport.ArgumentError{Reason: "CAN service ID must be in 0..511"}
	}
	if server > NodeIDMax {
		return nil, transport.ArgumentError{Reason: "CAN node ID must be in 0..127"}
	}
	b, err := t.newTxBinding(transport.SessionKey{
		Kind:         transport.TransferKindRequest,
		PortID:       service,
		RemoteNodeID: server,
	})
	if err != nil {
		return nil, err
	}
	return &RequestTxSession{txBinding: b, server: server}, nil
}

// Send enqueues one request and returns the transfer ID assigned to it,
// which the matching response will echo.
func (s *RequestTxSession) Send(now time.Time, priority transport.Priority, fragments ...[]byte) (transport.TransferID, error) {
	return s.SendDeadline(now.Add(s.timeout), priority, fragments...)
}

// SendDeadline enqueues one request with an explicit deadline.
func (s *RequestTxSession) SendDeadline(deadline time.Time, priority transport.Priority, fragments ...[]byte) (transport.TransferID, error) {
	tid := s.nextTID
	err := s.send(transport.TransferKindRequest, s.server, priority, tid, deadline, fragments)
	if err != nil {
		return 0, err
	}
	s.nextTID++
	return tid, nil
}

// ResponseRxSession receives responses from one server (the client side
// of an RPC port).
type ResponseRxSession struct{ *rxBinding }

// NewResponseRxSession subscribes to responses on a service port coming
// from one specific server.
func (t *Transport) NewResponseRxSession(service transport.PortID, server transport.NodeID, extent int) (*ResponseRxSession, error) {
	if service > ServiceIDMax {
		return nil, transport.ArgumentError{Reason: "CAN service ID must be in 0..511"}
	}
	if server > NodeIDMax {
		return nil, transport.ArgumentError{Reason: "CAN node ID must be in 0..127"}
	}
	b, err := t.newRxBinding(transport.SessionKey{
		Kind:         transport.TransferKindResponse,
		PortID:       service,
		RemoteNodeID: server,
	}, extent)
	if err != nil {
		return nil, err
	}
	return &ResponseRxSession{rxBinding: b}, nil
}

// ResponseTxSession sends service responses to requesting clients (the
// server side of an RPC port). One session serves every client.
type ResponseTxSession struct{ *txBinding }

// NewResponseTxSession creates a responder for a service port.
func (t *Transport) NewResponseTxSession(service transport.PortID) (*ResponseTxSession, error) {
	if service > ServiceIDMax {
		return nil, transport.ArgumentError{Reason: "CAN service ID must be in 0..511"}
	}
	b, err := t.newTxBinding(transport.SessionKey{
		Kind:         transport.TransferKindResponse,
		PortID:       service,
		RemoteNodeID: transport.NodeIDUnset,
	})
	if err != nil {
		return nil, err
	}
	return &ResponseTxSession{txBinding: b}, nil
}

// Send enqueues one response. The destination and transfer ID must be
// taken from the request being answered; the transfer ID is echoed, not
// generated.
func (s *ResponseTxSession) Send(now time.Time, priority transport.Priority,
	client transport.NodeID, tid transport.TransferID, fragments ...[]byte) error {
	return s.SendDeadline(now.Add(s.timeout), priority, client, tid, fragments...)
}

// SendDeadline enqueues one response with an explicit deadline.
func (s *ResponseTxSession) SendDeadline(deadline time.Time, priority transport.Priority,
	client transport.NodeID, tid transport.TransferID, fragments ...[]byte) error {
	if client > NodeIDMax {
		return transport.ArgumentError{Reason: "CAN node ID must be in 0..127"}
	}
	return s.send(transport.TransferKindResponse, client, priority, tid, deadline, fragments)
}
