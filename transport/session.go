package transport

import "time"

// SessionKey uniquely identifies a session within one transport
// instance. RemoteNodeID participates only for response receive and
// request transmit sessions (which are bound to a specific server);
// everywhere else it is NodeIDUnset.
type SessionKey struct {
	Kind         TransferKind
	PortID       PortID
	RemoteNodeID NodeID
}

// CompareSessionKeys is the total ordering used by the session trees.
func CompareSessionKeys(a, b SessionKey) int {
	if a.Kind != b.Kind {
		if a.Kind < b.Kind {
			return -1
		}
		return 1
	}
	if a.PortID != b.PortID {
		if a.PortID < b.PortID {
			return -1
		}
		return 1
	}
	if a.RemoteNodeID != b.RemoteNodeID {
		if a.RemoteNodeID < b.RemoteNodeID {
			return -1
		}
		return 1
	}
	return 0
}

// RxSession is the surface common to all receive sessions regardless
// of medium and transfer kind.
type RxSession interface {
	// Receive pops the most recently completed undelivered transfer.
	Receive() (*Transfer, bool)

	// SetOnReceive switches delivery to a synchronous callback; nil
	// restores polling via Receive.
	SetOnReceive(func(*Transfer))

	// SetTransferIDTimeout reconfigures stale-transfer eviction.
	SetTransferIDTimeout(time.Duration) error

	// Close destroys the session and all its pending state.
	Close()
}

// TxSession is the surface common to all transmit sessions.
type TxSession interface {
	// SetSendTimeout sets the default transmission deadline applied
	// when the caller does not pass an explicit one.
	SetSendTimeout(time.Duration) error

	// Close destroys the session.
	Close()
}
