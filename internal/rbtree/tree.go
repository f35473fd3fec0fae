// Package rbtree provides an ordered map backed by a red-black tree.
//
// Nodes are exposed so callers can allocate them ahead of time (NewNode) and
// link them into a tree later (Insert) without allocating. A removed node keeps
// its key and value and may be inserted again, in the same or another tree.
//
// Trees are not safe for concurrent use.
package rbtree

type color uint8

const (
	red   color = 0
	black color = 1
)

// Node is a single entry of a Tree.
type Node[K, V any] struct {
	key    K
	Value  V
	color  color
	left   *Node[K, V]
	right  *Node[K, V]
	parent *Node[K, V]
	linked bool
}

// NewNode allocates an unlinked node.
func NewNode[K, V any](key K, value V) *Node[K, V] {
	return &Node[K, V]{key: key, Value: value}
}

// Key returns the node key.
func (n *Node[K, V]) Key() K { return n.key }

// SetKey changes the key of an unlinked node.
func (n *Node[K, V]) SetKey(key K) {
	if n.linked {
		panic("rbtree: SetKey on linked node")
	}
	n.key = key
}

// Linked reports whether the node currently belongs to a tree.
func (n *Node[K, V]) Linked() bool { return n.linked }

// Tree is an ordered map keyed by K. The zero value is not usable; use New.
type Tree[K, V any] struct {
	root     *Node[K, V]
	sentinel *Node[K, V] // black leaf shared by every node
	cmp      func(a, b K) int
	size     int
}

// New constructs an empty tree ordered by cmp, which must return a negative
// number, zero or a positive number as a < b, a == b or a > b.
func New[K, V any](cmp func(a, b K) int) *Tree[K, V] {
	s := &Node[K, V]{color: black}
	return &Tree[K, V]{root: s, sentinel: s, cmp: cmp}
}

// Len returns the number of linked nodes.
func (t *Tree[K, V]) Len() int { return t.size }

// Find returns the node stored under key, or nil.
func (t *Tree[K, V]) Find(key K) *Node[K, V] {
	n := t.root
	for n != t.sentinel {
		c := t.cmp(key, n.key)
		switch {
		case c < 0:
			n = n.left
		case c > 0:
			n = n.right
		default:
			return n
		}
	}
	return nil
}

// Get returns the value stored under key.
func (t *Tree[K, V]) Get(key K) (V, bool) {
	if n := t.Find(key); n != nil {
		return n.Value, true
	}
	var zero V
	return zero, false
}

// Put stores value under key, allocating a node if the key is new.
func (t *Tree[K, V]) Put(key K, value V) *Node[K, V] {
	if n := t.Find(key); n != nil {
		n.Value = value
		return n
	}
	n := NewNode(key, value)
	t.Insert(n)
	return n
}

// Insert links n into the tree. It returns false, leaving the tree unchanged,
// when a node with the same key already exists.
func (t *Tree[K, V]) Insert(z *Node[K, V]) bool {
	if z.linked {
		panic("rbtree: node already linked")
	}
	y := t.sentinel
	x := t.root
	for x != t.sentinel {
		y = x
		c := t.cmp(z.key, x.key)
		switch {
		case c < 0:
			x = x.left
		case c > 0:
			x = x.right
		default:
			return false
		}
	}

	z.parent = y
	z.left = t.sentinel
	z.right = t.sentinel
	z.color = red
	z.linked = true

	if y == t.sentinel {
		t.root = z
	} else if t.cmp(z.key, y.key) < 0 {
		y.left = z
	} else {
		y.right = z
	}
	t.insertFixup(z)
	t.size++
	return true
}

// Remove unlinks n from the tree. Other nodes are never moved, so pointers to
// them stay valid.
func (t *Tree[K, V]) Remove(z *Node[K, V]) {
	if !z.linked {
		panic("rbtree: node not linked")
	}
	t.deleteNode(z)
	z.left, z.right, z.parent = nil, nil, nil
	z.linked = false
	t.size--
}

// Delete removes the node stored under key and returns it, or nil.
func (t *Tree[K, V]) Delete(key K) *Node[K, V] {
	n := t.Find(key)
	if n == nil {
		return nil
	}
	t.Remove(n)
	return n
}

// LowerBound returns the node with the smallest key >= key, or nil.
func (t *Tree[K, V]) LowerBound(key K) *Node[K, V] {
	n := t.root
	best := t.sentinel
	for n != t.sentinel {
		if t.cmp(n.key, key) >= 0 {
			best = n
			n = n.left
		} else {
			n = n.right
		}
	}
	return t.external(best)
}

// Min returns the node with the smallest key, or nil.
func (t *Tree[K, V]) Min() *Node[K, V] { return t.external(t.minNode(t.root)) }

// Max returns the node with the largest key, or nil.
func (t *Tree[K, V]) Max() *Node[K, V] { return t.external(t.maxNode(t.root)) }

// Next returns the in-order successor of n, or nil.
func (t *Tree[K, V]) Next(n *Node[K, V]) *Node[K, V] { return t.external(t.next(n)) }

// Prev returns the in-order predecessor of n, or nil.
func (t *Tree[K, V]) Prev(n *Node[K, V]) *Node[K, V] { return t.external(t.prev(n)) }

// Ascend calls fn for every node in key order until fn returns false.
// fn must not modify the tree.
func (t *Tree[K, V]) Ascend(fn func(n *Node[K, V]) bool) {
	for n := t.minNode(t.root); n != t.sentinel; n = t.next(n) {
		if !fn(n) {
			return
		}
	}
}

/******************** Internal helpers ********************/

func (t *Tree[K, V]) external(n *Node[K, V]) *Node[K, V] {
	if n == t.sentinel {
		return nil
	}
	return n
}

func (t *Tree[K, V]) minNode(n *Node[K, V]) *Node[K, V] {
	if n == t.sentinel {
		return t.sentinel
	}
	for n.left != t.sentinel {
		n = n.left
	}
	return n
}

func (t *Tree[K, V]) maxNode(n *Node[K, V]) *Node[K, V] {
	if n == t.sentinel {
		return t.sentinel
	}
	for n.right != t.sentinel {
		n = n.right
	}
	return n
}

func (t *Tree[K, V]) next(n *Node[K, V]) *Node[K, V] {
	if n == nil || n == t.sentinel {
		return t.sentinel
	}
	if n.right != t.sentinel {
		return t.minNode(n.right)
	}
	p := n.parent
	for p != t.sentinel && n == p.right {
		n = p
		p = p.parent
	}
	return p
}

func (t *Tree[K, V]) prev(n *Node[K, V]) *Node[K, V] {
	if n == nil || n == t.sentinel {
		return t.sentinel
	}
	if n.left != t.sentinel {
		return t.maxNode(n.left)
	}
	p := n.parent
	for p != t.sentinel && n == p.left {
		n = p
		p = p.parent
	}
	return p
}

func (t *Tree[K, V]) leftRotate(x *Node[K, V]) {
	y := x.right
	x.right = y.left
	if y.left != t.sentinel {
		y.left.parent = x
	}
	y.parent = x.parent
	if x.parent == t.sentinel {
		t.root = y
	} else if x == x.parent.left {
		x.parent.left = y
	} else {
		x.parent.right = y
	}
	y.left = x
	x.parent = y
}

func (t *Tree[K, V]) rightRotate(y *Node[K, V]) {
	x := y.left
	y.left = x.right
	if x.right != t.sentinel {
		x.right.parent = y
	}
	x.parent = y.parent
	if y.parent == t.sentinel {
		t.root = x
	} else if y == y.parent.right {
		y.parent.right = x
	} else {
		y.parent.left = x
	}
	x.right = y
	y.parent = x
}

func (t *Tree[K, V]) insertFixup(z *Node[K, V]) {
	for z.parent.color == red {
		if z.parent == z.parent.parent.left {
			y := z.parent.parent.right
			if y.color == red {
				z.parent.color = black
				y.color = black
				z.parent.parent.color = red
				z = z.parent.parent
			} else {
				if z == z.parent.right {
					z = z.parent
					t.leftRotate(z)
				}
				z.parent.color = black
				z.parent.parent.color = red
				t.rightRotate(z.parent.parent)
			}
		} else {
			y := z.parent.parent.left
			if y.color == red {
				z.parent.color = black
				y.color = black
				z.parent.parent.color = red
				z = z.parent.parent
			} else {
				if z == z.parent.left {
					z = z.parent
					t.rightRotate(z)
				}
				z.parent.color = black
				z.parent.parent.color = red
				t.leftRotate(z.parent.parent)
			}
		}
	}
	t.root.color = black
}

func (t *Tree[K, V]) transplant(u, v *Node[K, V]) {
	if u.parent == t.sentinel {
		t.root = v
	} else if u == u.parent.left {
		u.parent.left = v
	} else {
		u.parent.right = v
	}
	v.parent = u.parent
}

func (t *Tree[K, V]) deleteNode(z *Node[K, V]) {
	y := z
	yOrigColor := y.color
	var x *Node[K, V]

	if z.left == t.sentinel {
		x = z.right
		t.transplant(z, z.right)
	} else if z.right == t.sentinel {
		x = z.left
		t.transplant(z, z.left)
	} else {
		y = t.minNode(z.right)
		yOrigColor = y.color
		x = y.right
		if y.parent == z {
			x.parent = y
		} else {
			t.transplant(y, y.right)
			y.right = z.right
			y.right.parent = y
		}
		t.transplant(z, y)
		y.left = z.left
		y.left.parent = y
		y.color = z.color
	}

	if yOrigColor == black {
		t.deleteFixup(x)
	}
	// The sentinel's parent is scratch space for deleteFixup.
	t.sentinel.parent = nil
}

func (t *Tree[K, V]) deleteFixup(x *Node[K, V]) {
	for x != t.root && x.color == black {
		if x == x.parent.left {
			w := x.parent.right
			if w.color == red {
				w.color = black
				x.parent.color = red
				t.leftRotate(x.parent)
				w = x.parent.right
			}
			if w.left.color == black && w.right.color == black {
				w.color = red
				x = x.parent
			} else {
				if w.right.color == black {
					w.left.color = black
					w.color = red
					t.rightRotate(w)
					w = x.parent.right
				}
				w.color = x.parent.color
				x.parent.color = black
				w.right.color = black
				t.leftRotate(x.parent)
				x = t.root
			}
		} else {
			w := x.parent.left
			if w.color == red {
				w.color = black
				x.parent.color = red
				t.rightRotate(x.parent)
				w = x.parent.left
			}
			if w.right.color == black && w.left.color == black {
				w.color = red
				x = x.parent
			} else {
				if w.left.color == black {
					w.right.color = black
					w.color = red
					t.leftRotate(w)
					w = x.parent.left
				}
				w.color = x.parent.color
				x.parent.color = black
				w.left.color = black
				t.rightRotate(x.parent)
				x = t.root
			}
		}
	}
	x.color = black
}
