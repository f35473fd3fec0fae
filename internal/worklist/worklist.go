// Package worklist implements an intrusive FIFO used for work queues.
//
// Items embed Links. An item can sit on at most one List at a time; pushing an
// item that is already queued anywhere fails instead of corrupting either list.
// Lists are not thread-safe; the owner guards them with its own lock. The
// queued flag itself is atomic so that Claim can be used to reserve an item
// from outside that lock.
package worklist

import "sync/atomic"

// Links is embedded by every item that can be queued.
type Links struct {
	prev, next *Links
	owner      any
	item       any
	queued     atomic.Bool
}

// WorkLinks returns the embedded links. It is promoted to the embedding type
// and satisfies Item.
func (l *Links) WorkLinks() *Links { return l }

// Queued reports whether the item is on a list or claimed for one.
func (l *Links) Queued() bool { return l.queued.Load() }

// Claim marks the item as queued without linking it. It returns false when the
// item is already claimed or on a list. A claimed item is pushed with
// PushClaimed or handed back with Unclaim.
func (l *Links) Claim() bool { return l.queued.CompareAndSwap(false, true) }

// Unclaim releases a claim taken with Claim.
func (l *Links) Unclaim() {
	if l.owner != nil {
		panic("worklist: unclaim of a linked item")
	}
	l.queued.Store(false)
}

// Item is anything that embeds Links.
type Item interface {
	WorkLinks() *Links
}

// List is a FIFO of T.
type List[T Item] struct {
	head Links
	n    int
}

func (q *List[T]) lazyInit() {
	if q.head.next == nil {
		q.head.next = &q.head
		q.head.prev = &q.head
	}
}

// Len returns the number of queued items.
func (q *List[T]) Len() int { return q.n }

// IsEmpty reports whether the list holds no items.
func (q *List[T]) IsEmpty() bool { return q.n == 0 }

// PushBack appends item. It returns false when item is already queued.
func (q *List[T]) PushBack(item T) bool {
	l := item.WorkLinks()
	if !l.Claim() {
		return false
	}
	q.link(l, item, q.head.prev)
	return true
}

// PushClaimed appends an item previously reserved with Claim.
func (q *List[T]) PushClaimed(item T) {
	l := item.WorkLinks()
	if !l.queued.Load() || l.owner != nil {
		panic("worklist: push of an unclaimed or linked item")
	}
	q.link(l, item, q.head.prev)
}

func (q *List[T]) link(l *Links, item T, after *Links) {
	q.lazyInit()
	if after == nil {
		after = q.head.prev
	}
	l.owner = q
	l.item = item
	l.prev = after
	l.next = after.next
	after.next.prev = l
	after.next = l
	q.n++
}

// PopFront removes and returns the oldest item.
func (q *List[T]) PopFront() (T, bool) {
	var zero T
	if q.n == 0 {
		return zero, false
	}
	l := q.head.next
	item := l.item.(T)
	q.unlink(l)
	return item, true
}

// Front returns the oldest item without removing it.
func (q *List[T]) Front() (T, bool) {
	var zero T
	if q.n == 0 {
		return zero, false
	}
	return q.head.next.item.(T), true
}

// Remove unlinks item if it is on q and reports whether it was.
func (q *List[T]) Remove(item T) bool {
	l := item.WorkLinks()
	if l.owner != any(q) {
		return false
	}
	q.unlink(l)
	return true
}

// Contains reports whether item is on q.
func (q *List[T]) Contains(item T) bool {
	return item.WorkLinks().owner == any(q)
}

// Each calls fn for every item from oldest to newest until fn returns false.
// fn must not modify q.
func (q *List[T]) Each(fn func(T) bool) {
	if q.n == 0 {
		return
	}
	for l := q.head.next; l != &q.head; l = l.next {
		if !fn(l.item.(T)) {
			return
		}
	}
}

// Take moves every item into a new list and leaves q empty. Items stay
// queued throughout.
func (q *List[T]) Take() *List[T] {
	out := &List[T]{}
	if q.n == 0 {
		return out
	}
	out.lazyInit()
	for l := q.head.next; l != &q.head; l = l.next {
		l.owner = out
	}
	first, last := q.head.next, q.head.prev
	out.head.next, out.head.prev = first, last
	first.prev, last.next = &out.head, &out.head
	out.n = q.n
	q.head.next, q.head.prev = &q.head, &q.head
	q.n = 0
	return out
}

func (q *List[T]) unlink(l *Links) {
	l.prev.next = l.next
	l.next.prev = l.prev
	l.prev, l.next = nil, nil
	l.owner = nil
	l.item = nil
	q.n--
	l.queued.Store(false)
}
