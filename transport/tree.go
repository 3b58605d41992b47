package transport

// Tree is a self-balancing (AVL) binary search tree used for session
// lookup: find-or-create, point lookup, and removal are all O(log n)
// with no amortized rehashing cost and no allocation on lookup. Keys
// are totally ordered by the compare function supplied at construction;
// duplicate keys cannot exist by construction.
//
// Node creation is gated through the session memory resource so a
// bounded deployment can refuse new sessions deterministically. The
// tree is not safe for concurrent use; like the rest of the core it is
// driven by a single thread of control.
type Tree[K any, V any] struct {
	root    *treeNode[K, V]
	compare func(a, b K) int
	mem     MemoryResource
	kind    string
	size    int
	release func(K, V)
}

type treeNode[K any, V any] struct {
	key         K
	value       V
	left, right *treeNode[K, V]
	height      int8
}

// NewTree returns an empty tree ordering keys with compare; node
// creation is charged to mem under the given record kind.
func NewTree[K any, V any](compare func(a, b K) int, mem MemoryResource, kind string) *Tree[K, V] {
	return &Tree[K, V]{compare: compare, mem: mem, kind: kind}
}

// SetReleaseHook registers a hook invoked for a node's key and value
// when the node is removed, before the tree finishes rebalancing.
func (t *Tree[K, V]) SetReleaseHook(hook func(K, V)) {
	t.release = hook
}

// Len returns the number of nodes.
func (t *Tree[K, V]) Len() int { return t.size }

// Empty reports whether the tree has no nodes.
func (t *Tree[K, V]) Empty() bool { return t.size == 0 }

// Find returns the value stored under key, if any. It never allocates.
func (t *Tree[K, V]) Find(key K) (V, bool) {
	n := t.root
	for n != nil {
		c := t.compare(key, n.key)
		switch {
		case c < 0:
			n = n.left
		case c > 0:
			n = n.right
		default:
			return n.value, true
		}
	}
	var zero V
	return zero, false
}

// Ensure finds the node under key or creates it with the factory.
// Without mustBeNew it is idempotent: an existing node is returned
// as-is and the factory is not invoked. With mustBeNew an existing key
// yields AlreadyExistsError. Creation failures (record charge refused,
// or a factory error) leave the tree structure unmodified.
func (t *Tree[K, V]) Ensure(key K, factory func() (V, error), mustBeNew bool) (V, error) {
	var zero V
	if existing, ok := t.Find(key); ok {
		if mustBeNew {
			return zero, AlreadyExistsError{What: "session tree node"}
		}
		return existing, nil
	}
	if !t.mem.AllocateRecord(t.kind) {
		return zero, MemoryError{Site: t.kind}
	}
	value, err := factory()
	if err != nil {
		t.mem.ReleaseRecord(t.kind)
		return zero, err
	}
	t.root = t.insert(t.root, key, value)
	t.size++
	return value, nil
}

// Remove deletes the node under key and returns its value. The release
// hook, if any, runs before rebalancing completes.
func (t *Tree[K, V]) Remove(key K) (V, bool) {
	var removed *treeNode[K, V]
	t.root = t.remove(t.root, key, &removed)
	if removed == nil {
		var zero V
		return zero, false
	}
	t.size--
	t.mem.ReleaseRecord(t.kind)
	return removed.value, true
}

// Traverse visits nodes in key order until visit returns false. The
// walk is tolerant of structural mutation from within visit: removal
// of the visited node, and insertion or removal of any other node, do
// not skip or double-visit the remaining nodes, because each step
// re-descends from the root for the smallest key greater than the one
// just visited.
func (t *Tree[K, V]) Traverse(visit func(key K, value V) bool) {
	node := t.minimum(t.root)
	for node != nil {
		key := node.key
		if !visit(key, node.value) {
			return
		}
		node = t.successor(key)
	}
}

func (t *Tree[K, V]) minimum(n *treeNode[K, V]) *treeNode[K, V] {
	if n == nil {
		return nil
	}
	for n.left != nil {
		n = n.left
	}
	return n
}

// successor returns the node with the smallest key strictly greater
// than key, descending fresh from the root.
func (t *Tree[K, V]) successor(key K) *treeNode[K, V] {
	var candidate *treeNode[K, V]
	n := t.root
	for n != nil {
		if t.compare(key, n.key) < 0 {
			candidate = n
			n = n.left
		} else {
			n = n.right
		}
	}
	return candidate
}

func height[K any, V any](n *treeNode[K, V]) int8 {
	if n == nil {
		return 0
	}
	return n.height
}

func (n *treeNode[K, V]) refresh() {
	lh, rh := height(n.left), height(n.right)
	if lh > rh {
		n.height = lh + 1
	} else {
		n.height = rh + 1
	}
}

func balance[K any, V any](n *treeNode[K, V]) int8 {
	return height(n.left) - height(n.right)
}

func rotateRight[K any, V any](n *treeNode[K, V]) *treeNode[K, V] {
	l := n.left
	n.left = l.right
	l.right = n
	n.refresh()
	l.refresh()
	return l
}

func rotateLeft[K any, V any](n *treeNode[K, V]) *treeNode[K, V] {
	r := n.right
	n.right = r.left
	r.left = n
	n.refresh()
	r.refresh()
	return r
}

func rebalance[K any, V any](n *treeNode[K, V]) *treeNode[K, V] {
	n.refresh()
	switch bf := balance(n); {
	case bf > 1:
		if balance(n.left) < 0 {
			n.left = rotateLeft(n.left)
		}
		return rotateRight(n)
	case bf < -1:
		if balance(n.right) > 0 {
			n.right = rotateRight(n.right)
		}
		return rotateLeft(n)
	}
	return n
}

func (t *Tree[K, V]) insert(n *treeNode[K, V], key K, value V) *treeNode[K, V] {
	if n == nil {
		return &treeNode[K, V]{key: key, value: value, height: 1}
	}
	if t.compare(key, n.key) < 0 {
		n.left = t.insert(n.left, key, value)
	} else {
		n.right = t.insert(n.right, key, value)
	}
	return rebalance(n)
}

func (t *Tree[K, V]) remove(n *treeNode[K, V], key K, removed **treeNode[K, V]) *treeNode[K, V] {
	if n == nil {
		return nil
	}
	switch c := t.compare(key, n.key); {
	case c < 0:
		n.left = t.remove(n.left, key, removed)
	case c > 0:
		n.right = t.remove(n.right, key, removed)
	default:
		*removed = n
		if t.release != nil {
			t.release(n.key, n.value)
		}
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		succ := t.minimum(n.right)
		replacement := &treeNode[K, V]{key: succ.key, value: succ.value, height: n.height}
		var detached *treeNode[K, V]
		replacement.right = t.detachMin(n.right, &detached)
		replacement.left = n.left
		return rebalance(replacement)
	}
	return rebalance(n)
}

// detachMin unlinks the minimum node of the subtree without running the
// release hook; the node's payload has already been relocated.
func (t *Tree[K, V]) detachMin(n *treeNode[K, V], detached **treeNode[K, V]) *treeNode[K, V] {
	if n.left == nil {
		*detached = n
		return n.right
	}
	n.left = t.detachMin(n.left, detached)
	return rebalance(n)
}
