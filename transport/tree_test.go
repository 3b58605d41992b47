package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compareInts(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func newIntTree(mem MemoryResource) *Tree[int, string] {
	if mem == nil {
		mem = NewHeapResource()
	}
	return NewTree[int, string](compareInts, mem, "test-node")
}

func TestTreeFindAndEnsure(t *testing.T) {
	tr := newIntTree(nil)
	assert.True(t, tr.Empty())

	_, ok := tr.Find(10)
	assert.False(t, ok)

	v, err := tr.Ensure(10, func() (string, error) { return "ten", nil }, false)
	require.NoError(t, err)
	assert.Equal(t, "ten", v)
	assert.Equal(t, 1, tr.Len())

	// Idempotent Ensure returns the existing value without invoking the
	// factory.
	v, err = tr.Ensure(10, func() (string, error) {
		t.Fatal("factory must not run for an existing key")
		return "", nil
	}, false)
	require.NoError(t, err)
	assert.Equal(t, "ten", v)
	assert.Equal(t, 1, tr.Len())

	found, ok := tr.Find(10)
	require.True(t, ok)
	assert.Equal(t, "ten", found)
}

func TestTreeEnsureMustBeNew(t *testing.T) {
	tr := newIntTree(nil)
	_, err := tr.Ensure(7, func() (string, error) { return "seven", nil }, true)
	require.NoError(t, err)

	_, err = tr.Ensure(7, func() (string, error) { return "again", nil }, true)
	var exists AlreadyExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, 1, tr.Len())
}

func TestTreeEnsureRecordGate(t *testing.T) {
	pool := NewPoolResource(0, 2)
	tr := newIntTree(pool)

	for i := 0; i < 2; i++ {
		_, err := tr.Ensure(i, func() (string, error) { return "v", nil }, false)
		require.NoError(t, err)
	}
	_, err := tr.Ensure(99, func() (string, error) { return "v", nil }, false)
	var mem MemoryError
	require.ErrorAs(t, err, &mem)
	assert.Equal(t, 2, tr.Len())
	_, ok := tr.Find(99)
	assert.False(t, ok)

	// Removal refunds the record charge.
	_, removed := tr.Remove(0)
	require.True(t, removed)
	_, err = tr.Ensure(99, func() (string, error) { return "v", nil }, false)
	require.NoError(t, err)
}

func TestTreeEnsureFactoryError(t *testing.T) {
	counting := NewCountingResource(NewHeapResource())
	tr := newIntTree(counting)

	boom := errors.New("factory failed")
	_, err := tr.Ensure(1, func() (string, error) { return "", boom }, false)
	require.ErrorIs(t, err, boom)
	assert.True(t, tr.Empty())
	assert.Equal(t, 0, counting.RecordsLive)
}

func TestTreeRemove(t *testing.T) {
	tr := newIntTree(nil)
	for _, k := range []int{5, 3, 8, 1, 4, 7, 9} {
		_, err := tr.Ensure(k, func() (string, error) { return "v", nil }, false)
		require.NoError(t, err)
	}

	_, ok := tr.Remove(42)
	assert.False(t, ok)
	assert.Equal(t, 7, tr.Len())

	_, ok = tr.Remove(5) // Interior node with two children.
	require.True(t, ok)
	assert.Equal(t, 6, tr.Len())
	_, ok = tr.Find(5)
	assert.False(t, ok)

	var keys []int
	tr.Traverse(func(k int, _ string) bool {
		keys = append(keys, k)
		return true
	})
	assert.Equal(t, []int{1, 3, 4, 7, 8, 9}, keys)
}

func TestTreeReleaseHook(t *testing.T) {
	tr := newIntTree(nil)
	var released []int
	tr.SetReleaseHook(func(k int, _ string) { released = append(released, k) })

	for _, k := range []int{2, 1, 3} {
		_, err := tr.Ensure(k, func() (string, error) { return "v", nil }, false)
		require.NoError(t, err)
	}
	tr.Remove(2)
	tr.Remove(1)
	assert.Equal(t, []int{2, 1}, released)
}

func TestTreeTraverseOrder(t *testing.T) {
	tr := newIntTree(nil)
	for k := 20; k > 0; k-- {
		_, err := tr.Ensure(k, func() (string, error) { return "v", nil }, false)
		require.NoError(t, err)
	}
	var keys []int
	tr.Traverse(func(k int, _ string) bool {
		keys = append(keys, k)
		return true
	})
	require.Len(t, keys, 20)
	for i, k := range keys {
		assert.Equal(t, i+1, k)
	}
}

func TestTreeTraverseEarlyStop(t *testing.T) {
	tr := newIntTree(nil)
	for k := 1; k <= 5; k++ {
		_, err := tr.Ensure(k, func() (string, error) { return "v", nil }, false)
		require.NoError(t, err)
	}
	visited := 0
	tr.Traverse(func(int, string) bool {
		visited++
		return visited < 3
	})
	assert.Equal(t, 3, visited)
}

func TestTreeTraverseToleratesRemovalOfVisited(t *testing.T) {
	tr := newIntTree(nil)
	for k := 1; k <= 10; k++ {
		_, err := tr.Ensure(k, func() (string, error) { return "v", nil }, false)
		require.NoError(t, err)
	}
	var keys []int
	tr.Traverse(func(k int, _ string) bool {
		keys = append(keys, k)
		tr.Remove(k) // Destroying the visited node must not derail the walk.
		return true
	})
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, keys)
	assert.True(t, tr.Empty())
}

func TestTreeTraverseToleratesUnrelatedMutation(t *testing.T) {
	tr := newIntTree(nil)
	for k := 0; k < 10; k += 2 {
		_, err := tr.Ensure(k, func() (string, error) { return "v", nil }, false)
		require.NoError(t, err)
	}
	var keys []int
	tr.Traverse(func(k int, _ string) bool {
		keys = append(keys, k)
		if k == 4 {
			// Insert behind and ahead of the walk position.
			tr.Ensure(1, func() (string, error) { return "v", nil }, false)
			tr.Remove(8)
		}
		return true
	})
	// 1 was inserted behind the cursor (skipped), 8 was removed ahead.
	assert.Equal(t, []int{0, 2, 4, 6}, keys)
}
