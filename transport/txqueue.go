package transport

import (
	"time"

	"github.com/sirupsen/logrus"
)

// TxQueue is a bounded, priority-ordered, deadline-aware queue of
// encoded frames awaiting egress on one physical interface. Ordering is
// by priority first and insertion order within a priority, so frames of
// one transfer leave in sequence. Expiry is evaluated when a frame is
// dequeued, not when it is enqueued: a frame whose deadline has passed
// by the time the scheduler gets to it is dropped without touching the
// media.
//
// The element type F carries the medium-specific frame (identifier plus
// encoded bytes); the queue itself never inspects it.
type TxQueue[F any] struct {
	tree     *Tree[txKey, *txItem[F]]
	capacity int
	seq      uint64
	dropped  uint64
}

type txKey struct {
	priority Priority
	seq      uint64
}

type txItem[F any] struct {
	deadline time.Time
	frame    F
}

func compareTxKeys(a, b txKey) int {
	if a.priority != b.priority {
		if a.priority < b.priority {
			return -1
		}
		return 1
	}
	switch {
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	}
	return 0
}

// NewTxQueue returns a queue admitting at most capacity frames; queue
// bookkeeping is charged to mem.
func NewTxQueue[F any](capacity int, mem MemoryResource) *TxQueue[F] {
	return &TxQueue[F]{
		tree:     NewTree[txKey, *txItem[F]](compareTxKeys, mem, "tx-frame"),
		capacity: capacity,
	}
}

// Len returns the number of queued frames.
func (q *TxQueue[F]) Len() int { return q.tree.Len() }

// Free returns the remaining capacity.
func (q *TxQueue[F]) Free() int { return q.capacity - q.tree.Len() }

// Push enqueues one frame and returns its sequence ticket, usable with
// Remove to roll back a partially enqueued transfer. CapacityError when
// the queue is full; MemoryError when the bookkeeping charge is
// refused.
func (q *TxQueue[F]) Push(priority Priority, deadline time.Time, frame F) (uint64, error) {
	if q.tree.Len() >= q.capacity {
		return 0, CapacityError{Reason: "transmit queue full"}
	}
	key := txKey{priority: priority, seq: q.seq}
	_, err := q.tree.Ensure(key, func() (*txItem[F], error) {
		return &txItem[F]{deadline: deadline, frame: frame}, nil
	}, true)
	if err != nil {
		return 0, err
	}
	q.seq++
	return key.seq, nil
}

// Remove takes a previously pushed frame back out of the queue by its
// priority and sequence ticket.
func (q *TxQueue[F]) Remove(priority Priority, seq uint64) (F, bool) {
	item, ok := q.tree.Remove(txKey{priority: priority, seq: seq})
	if !ok {
		var zero F
		return zero, false
	}
	return item.frame, true
}

// Peek returns the highest-priority frame and its deadline without
// removing it.
func (q *TxQueue[F]) Peek() (frame F, deadline time.Time, ok bool) {
	var zero F
	found := false
	q.tree.Traverse(func(_ txKey, item *txItem[F]) bool {
		zero = item.frame
		deadline = item.deadline
		found = true
		return false
	})
	return zero, deadline, found
}

// Pop removes and returns the highest-priority frame.
func (q *TxQueue[F]) Pop() (frame F, ok bool) {
	var key txKey
	found := false
	q.tree.Traverse(func(k txKey, _ *txItem[F]) bool {
		key = k
		found = true
		return false
	})
	if !found {
		var zero F
		return zero, false
	}
	item, _ := q.tree.Remove(key)
	return item.frame, true
}

// Flush pops every frame into drop, emptying the queue.
func (q *TxQueue[F]) Flush(drop func(F)) {
	for {
		f, ok := q.Pop()
		if !ok {
			return
		}
		if drop != nil {
			drop(f)
		}
	}
}

// Transmit services the queue: it pops frames in order, drops expired
// ones without attempting transmission, and hands live ones to push.
// push reports whether the media accepted the frame; a rejection
// (backpressure) leaves the frame queued for a later run. Media errors
// abort the run and surface as PlatformError. release is invoked for
// every frame that leaves the queue, transmitted or expired, so frame
// storage can return to its resource. Returns the numbers of frames
// accepted by the media and dropped on expiry.
func (q *TxQueue[F]) Transmit(now time.Time, push func(deadline time.Time, frame F) (bool, error), release func(F)) (sent, expired int, err error) {
	for {
		frame, deadline, ok := q.Peek()
		if !ok {
			return sent, expired, nil
		}
		if deadline.Before(now) {
			q.Pop()
			q.dropped++
			expired++
			logrus.WithFields(logrus.Fields{
				"function": "TxQueue.Transmit",
				"deadline": deadline,
				"now":      now,
			}).Debug("Dropping expired frame")
			if release != nil {
				release(frame)
			}
			continue
		}
		accepted, pushErr := push(deadline, frame)
		if pushErr != nil {
			return sent, expired, PlatformError{Cause: pushErr}
		}
		if !accepted {
			return sent, expired, nil // Media backpressure; retry on the next run.
		}
		q.Pop()
		sent++
		if release != nil {
			release(frame)
		}
	}
}
