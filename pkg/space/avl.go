package space

import "github.com/flier/goheap/pkg/xmem"

// Intrusive AVL tree over span nodes, keyed by span address. It backs the
// page-span bucket so that buddy lookups during coalescing stay
// logarithmic instead of scanning freelists.

type spanTree struct {
	root xmem.Addr[spanNode]
}

func (t *spanTree) insert(node *spanNode) {
	t.root = avlInsert(t.root, node)
}

func (t *spanTree) remove(ptr uintptr) *spanNode {
	root, removed := avlRemove(t.root, ptr)
	t.root = root
	return removed.Ptr()
}

func (t *spanTree) find(ptr uintptr) *spanNode {
	at := t.root
	for !at.IsNil() {
		node := at.Ptr()
		switch {
		case ptr < node.ptr:
			at = node.left
		case ptr > node.ptr:
			at = node.right
		default:
			return node
		}
	}
	return nil
}

func avlHeight(at xmem.Addr[spanNode]) int8 {
	if at.IsNil() {
		return 0
	}
	return at.Ptr().height
}

func avlFix(at xmem.Addr[spanNode]) xmem.Addr[spanNode] {
	node := at.Ptr()
	node.height = 1 + max(avlHeight(node.left), avlHeight(node.right))

	switch balance := avlHeight(node.left) - avlHeight(node.right); {
	case balance > 1:
		left := node.left.Ptr()
		if avlHeight(left.left) < avlHeight(left.right) {
			node.left = avlRotateLeft(node.left)
		}
		return avlRotateRight(at)
	case balance < -1:
		right := node.right.Ptr()
		if avlHeight(right.right) < avlHeight(right.left) {
			node.right = avlRotateRight(node.right)
		}
		return avlRotateLeft(at)
	}
	return at
}

func avlRotateRight(at xmem.Addr[spanNode]) xmem.Addr[spanNode] {
	node := at.Ptr()
	pivot := node.left
	node.left = pivot.Ptr().right
	pivot.Ptr().right = at
	node.height = 1 + max(avlHeight(node.left), avlHeight(node.right))
	pivot.Ptr().height = 1 + max(avlHeight(pivot.Ptr().left), avlHeight(pivot.Ptr().right))
	return pivot
}

func avlRotateLeft(at xmem.Addr[spanNode]) xmem.Addr[spanNode] {
	node := at.Ptr()
	pivot := node.right
	node.right = pivot.Ptr().left
	pivot.Ptr().left = at
	node.height = 1 + max(avlHeight(node.left), avlHeight(node.right))
	pivot.Ptr().height = 1 + max(avlHeight(pivot.Ptr().left), avlHeight(pivot.Ptr().right))
	return pivot
}

func avlInsert(at xmem.Addr[spanNode], node *spanNode) xmem.Addr[spanNode] {
	if at.IsNil() {
		node.left, node.right = 0, 0
		node.height = 1
		return xmem.AddrOf(node)
	}
	cur := at.Ptr()
	if node.ptr < cur.ptr {
		cur.left = avlInsert(cur.left, node)
	} else {
		cur.right = avlInsert(cur.right, node)
	}
	return avlFix(at)
}

func avlRemove(at xmem.Addr[spanNode], ptr uintptr) (root, removed xmem.Addr[spanNode]) {
	if at.IsNil() {
		return 0, 0
	}
	node := at.Ptr()
	switch {
	case ptr < node.ptr:
		node.left, removed = avlRemove(node.left, ptr)
	case ptr > node.ptr:
		node.right, removed = avlRemove(node.right, ptr)
	default:
		removed = at
		switch {
		case node.left.IsNil():
			return node.right, removed
		case node.right.IsNil():
			return node.left, removed
		default:
			// Two children: unlink the in-order successor and put it
			// in this node's place.
			var heir xmem.Addr[spanNode]
			node.right, heir = avlRemoveMin(node.right)
			h := heir.Ptr()
			h.left, h.right = node.left, node.right
			return avlFix(heir), removed
		}
	}
	if removed.IsNil() {
		return at, 0
	}
	return avlFix(at), removed
}

func avlRemoveMin(at xmem.Addr[spanNode]) (root, minimum xmem.Addr[spanNode]) {
	node := at.Ptr()
	if node.left.IsNil() {
		return node.right, at
	}
	node.left, minimum = avlRemoveMin(node.left)
	return avlFix(at), minimum
}
