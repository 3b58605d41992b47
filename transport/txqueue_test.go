package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTxQueuePriorityOrdering(t *testing.T) {
	q := NewTxQueue[string](8, NewHeapResource())
	deadline := time.Now().Add(time.Second)

	_, err := q.Push(PriorityLow, deadline, "low")
	require.NoError(t, err)
	_, err = q.Push(PriorityExceptional, deadline, "exceptional")
	require.NoError(t, err)
	_, err = q.Push(PriorityNominal, deadline, "nominal")
	require.NoError(t, err)

	var order []string
	for {
		f, ok := q.Pop()
		if !ok {
			break
		}
		order = append(order, f)
	}
	assert.Equal(t, []string{"exceptional", "nominal", "low"}, order)
}

func TestTxQueueFIFOWithinPriority(t *testing.T) {
	q := NewTxQueue[int](8, NewHeapResource())
	deadline := time.Now().Add(time.Second)
	for i := 0; i < 5; i++ {
		_, err := q.Push(PriorityNominal, deadline, i)
		require.NoError(t, err)
	}
	for want := 0; want < 5; want++ {
		got, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
}

func TestTxQueueCapacity(t *testing.T) {
	q := NewTxQueue[int](2, NewHeapResource())
	deadline := time.Now().Add(time.Second)

	_, err := q.Push(PriorityNominal, deadline, 1)
	require.NoError(t, err)
	_, err = q.Push(PriorityNominal, deadline, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, q.Free())

	_, err = q.Push(PriorityNominal, deadline, 3)
	var capErr CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 2, q.Len())
}

func TestTxQueueRemoveTicket(t *testing.T) {
	q := NewTxQueue[string](8, NewHeapResource())
	deadline := time.Now().Add(time.Second)

	seqA, err := q.Push(PriorityHigh, deadline, "a")
	require.NoError(t, err)
	_, err = q.Push(PriorityHigh, deadline, "b")
	require.NoError(t, err)

	got, ok := q.Remove(PriorityHigh, seqA)
	require.True(t, ok)
	assert.Equal(t, "a", got)
	assert.Equal(t, 1, q.Len())

	_, ok = q.Remove(PriorityHigh, seqA)
	assert.False(t, ok)

	next, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "b", next)
}

func TestTxQueueTransmitExpiredDropped(t *testing.T) {
	q := NewTxQueue[string](8, NewHeapResource())
	now := time.Unix(100, 0)

	_, err := q.Push(PriorityNominal, now.Add(-time.Millisecond), "stale")
	require.NoError(t, err)
	_, err = q.Push(PriorityNominal, now.Add(time.Second), "live")
	require.NoError(t, err)

	var pushed, released []string
	sent, expired, err := q.Transmit(now, func(_ time.Time, f string) (bool, error) {
		pushed = append(pushed, f)
		return true, nil
	}, func(f string) {
		released = append(released, f)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, expired)
	// The expired frame never touches the media.
	assert.Equal(t, []string{"live"}, pushed)
	// Both frames return their storage.
	assert.Equal(t, []string{"stale", "live"}, released)
	assert.Equal(t, 0, q.Len())
}

func TestTxQueueTransmitBackpressure(t *testing.T) {
	q := NewTxQueue[string](8, NewHeapResource())
	now := time.Unix(100, 0)
	_, err := q.Push(PriorityNominal, now.Add(time.Second), "frame")
	require.NoError(t, err)

	sent, expired, err := q.Transmit(now, func(time.Time, string) (bool, error) {
		return false, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Equal(t, 0, expired)
	assert.Equal(t, 1, q.Len(), "rejected frame stays queued for the next run")

	// Accepted on the retry.
	sent, _, err = q.Transmit(now, func(time.Time, string) (bool, error) {
		return true, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 0, q.Len())
}

func TestTxQueueTransmitMediaError(t *testing.T) {
	q := NewTxQueue[string](8, NewHeapResource())
	now := time.Unix(100, 0)
	_, err := q.Push(PriorityNominal, now.Add(time.Second), "frame")
	require.NoError(t, err)

	boom := errors.New("bus off")
	_, _, err = q.Transmit(now, func(time.Time, string) (bool, error) {
		return false, boom
	}, nil)
	var platform PlatformError
	require.ErrorAs(t, err, &platform)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, q.Len(), "frame survives a media fault")
}

func TestTxQueueFlush(t *testing.T) {
	q := NewTxQueue[int](8, NewHeapResource())
	deadline := time.Now().Add(time.Second)
	for i := 0; i < 3; i++ {
		_, err := q.Push(PriorityNominal, deadline, i)
		require.NoError(t, err)
	}
	var dropped []int
	q.Flush(func(f int) { dropped = append(dropped, f) })
	assert.Equal(t, []int{0, 1, 2}, dropped)
	assert.Equal(t, 0, q.Len())
}
