package rangealloc

import (
	"cmp"
	"math"

	"go.uber.org/zap"

	"github.com/joshuapare/binderkit/internal/rbtree"
)

const (
	// DefaultPageSize is the page granularity used for FreedRange computation.
	DefaultPageSize = 4096

	// DefaultSpamMaxBuffers is the number of oneway buffers one pid may hold
	// before it is suspected of spamming.
	DefaultSpamMaxBuffers = 50

	// DefaultSpamBytesDivisor flags a pid holding more than size/4 bytes of
	// oneway buffers (half of the oneway budget).
	DefaultSpamBytesDivisor = 4

	// DefaultLowSpaceDivisor starts spam detection once the oneway budget has
	// dropped below size/10.
	DefaultLowSpaceDivisor = 10
)

// Options configures an Allocator. Zero fields take their defaults.
type Options struct {
	PageSize         int
	SpamMaxBuffers   int
	SpamBytesDivisor int
	LowSpaceDivisor  int
	Logger           *zap.Logger
}

func (o *Options) withDefaults() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.PageSize <= 0 {
		out.PageSize = DefaultPageSize
	}
	if out.SpamMaxBuffers <= 0 {
		out.SpamMaxBuffers = DefaultSpamMaxBuffers
	}
	if out.SpamBytesDivisor <= 0 {
		out.SpamBytesDivisor = DefaultSpamBytesDivisor
	}
	if out.LowSpaceDivisor <= 0 {
		out.LowSpaceDivisor = DefaultLowSpaceDivisor
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// State is the state of one extent.
type State uint8

const (
	StateFree State = iota
	StateReserved
	StateAllocated
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateReserved:
		return "reserved"
	case StateAllocated:
		return "allocated"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON diagnostics.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// sizeKey orders free extents for best-fit search.
type sizeKey struct {
	size   int
	offset int
}

func compareSizeKey(a, b sizeKey) int {
	if c := cmp.Compare(a.size, b.size); c != 0 {
		return c
	}
	return cmp.Compare(a.offset, b.offset)
}

// descriptor is one extent. node is always linked in byOffset; freeNode is
// linked in the free index iff state == StateFree.
type descriptor[T any] struct {
	offset  int
	size    int
	state   State
	debugID uint64
	pid     int32
	oneway  bool
	data    T

	node     *rbtree.Node[int, *descriptor[T]]
	freeNode *rbtree.Node[sizeKey, *descriptor[T]]
}

func newDescriptor[T any]() *descriptor[T] {
	d := &descriptor[T]{}
	d.node = rbtree.NewNode(0, d)
	d.freeNode = rbtree.NewNode(sizeKey{}, d)
	return d
}

// place positions an unlinked descriptor as a free extent.
func (d *descriptor[T]) place(offset, size int) {
	d.offset = offset
	d.size = size
	d.node.SetKey(offset)
	d.freeNode.SetKey(sizeKey{size: size, offset: offset})
}

func (d *descriptor[T]) release() {
	var zero T
	d.state = StateFree
	d.debugID = 0
	d.pid = 0
	d.oneway = false
	d.data = zero
}

// Prealloc holds the storage one ReserveNew may need, built before the caller
// takes the lock that guards the allocator.
type Prealloc[T any] struct {
	desc *descriptor[T]
}

// NewPrealloc allocates storage for one extent.
func NewPrealloc[T any]() *Prealloc[T] {
	return &Prealloc[T]{desc: newDescriptor[T]()}
}

func (p *Prealloc[T]) take() *descriptor[T] {
	if p == nil || p.desc == nil {
		return newDescriptor[T]()
	}
	d := p.desc
	p.desc = nil
	return d
}

// ReserveNewArgs describes a new reservation.
type ReserveNewArgs[T any] struct {
	Size     int
	Oneway   bool
	PID      int32
	DebugID  uint64
	Prealloc *Prealloc[T]
}

// FreedRange is the half-open range of page indices [StartPage, EndPage) that
// became entirely free after a ReservationAbort.
type FreedRange struct {
	StartPage int
	EndPage   int
}

// Empty reports whether no whole page was freed.
func (r FreedRange) Empty() bool { return r.StartPage >= r.EndPage }

// interiorPages returns the pages lying entirely inside [offset, offset+size).
func interiorPages(offset, size, pageSize int) FreedRange {
	return FreedRange{
		StartPage: (offset + pageSize - 1) / pageSize,
		EndPage:   (offset + size) / pageSize,
	}
}

// Extent is a snapshot of one extent, for diagnostics.
type Extent struct {
	Offset  int    `json:"offset"`
	Size    int    `json:"size"`
	State   State  `json:"state"`
	PID     int32  `json:"pid,omitempty"`
	Oneway  bool   `json:"oneway,omitempty"`
	DebugID uint64 `json:"debug_id,omitempty"`
}

// Allocator manages the extents of one transaction buffer. T is the payload
// attached to committed extents.
type Allocator[T any] struct {
	size            int
	freeOnewaySpace int

	byOffset *rbtree.Tree[int, *descriptor[T]]
	free     *rbtree.Tree[sizeKey, *descriptor[T]]

	opts Options
	log  *zap.Logger
}

// New creates an allocator for [0, size) with a single free extent.
// opts may be nil.
func New[T any](size int, opts *Options) (*Allocator[T], error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	o := opts.withDefaults()
	a := &Allocator[T]{
		size:            size,
		freeOnewaySpace: size / 2,
		byOffset:        rbtree.New[int, *descriptor[T]](cmp.Compare[int]),
		free:            rbtree.New[sizeKey, *descriptor[T]](compareSizeKey),
		opts:            o,
		log:             o.Logger,
	}
	d := newDescriptor[T]()
	d.place(0, size)
	a.byOffset.Insert(d.node)
	a.free.Insert(d.freeNode)
	return a, nil
}

// Size returns the total size of the managed range.
func (a *Allocator[T]) Size() int { return a.size }

// PageSize returns the page granularity of FreedRange.
func (a *Allocator[T]) PageSize() int { return a.opts.PageSize }

// FreeOnewaySpace returns the remaining oneway budget in bytes.
func (a *Allocator[T]) FreeOnewaySpace() int { return a.freeOnewaySpace }

// CountBuffers returns the number of reserved or allocated extents.
func (a *Allocator[T]) CountBuffers() int {
	return a.byOffset.Len() - a.free.Len()
}

// IsEmpty reports whether the whole range is a single free extent.
func (a *Allocator[T]) IsEmpty() bool {
	// Free extents are never adjacent, so more than one extent means at least
	// one of them is in use.
	if a.byOffset.Len() != 1 {
		return false
	}
	return a.byOffset.Min().Value.state == StateFree
}

// ReserveNew reserves args.Size bytes from the smallest free extent that fits
// and returns its offset. The second result reports whether the requesting pid
// looks like it is flooding the buffer with oneway transactions.
func (a *Allocator[T]) ReserveNew(args ReserveNewArgs[T]) (int, bool, error) {
	if args.Size <= 0 {
		return 0, false, ErrInvalidSize
	}
	if args.Oneway && a.freeOnewaySpace < args.Size {
		a.log.Warn("oneway reservation exceeds oneway budget",
			zap.Int("size", args.Size),
			zap.Int("free_oneway_space", a.freeOnewaySpace),
			zap.Int32("pid", args.PID))
		return 0, false, ErrNoSpace
	}

	best := a.free.LowerBound(sizeKey{size: args.Size})
	if best == nil {
		a.log.Warn("no free range for reservation",
			zap.Int("size", args.Size),
			zap.Int32("pid", args.PID))
		return 0, false, ErrNoSpace
	}

	desc := best.Value
	a.free.Remove(desc.freeNode)
	if desc.size > args.Size {
		rest := args.Prealloc.take()
		rest.place(desc.offset+args.Size, desc.size-args.Size)
		desc.size = args.Size
		a.byOffset.Insert(rest.node)
		a.free.Insert(rest.freeNode)
	}

	desc.state = StateReserved
	desc.debugID = args.DebugID
	desc.pid = args.PID
	desc.oneway = args.Oneway

	if args.Oneway {
		a.freeOnewaySpace -= args.Size
	}

	// Evaluated after the budget update; lowOnewaySpace only runs once the
	// budget is nearly exhausted.
	spam := args.Oneway &&
		a.freeOnewaySpace < a.size/a.opts.LowSpaceDivisor &&
		a.lowOnewaySpace(args.PID)

	return desc.offset, spam, nil
}

// ReservationAbort frees the reserved extent starting at offset, coalescing it
// with free neighbours, and returns the pages that became entirely free.
func (a *Allocator[T]) ReservationAbort(offset int) (FreedRange, error) {
	n := a.byOffset.Find(offset)
	if n == nil {
		a.log.Warn("abort of unknown range", zap.Int("offset", offset))
		return FreedRange{}, ErrNotFound
	}
	desc := n.Value
	switch desc.state {
	case StateFree:
		a.log.Warn("abort of free range", zap.Int("offset", offset))
		return FreedRange{}, ErrAlreadyFree
	case StateAllocated:
		a.log.Warn("abort of allocated range", zap.Int("offset", offset))
		return FreedRange{}, ErrCommitted
	}

	if desc.oneway {
		a.freeOnewaySpace += desc.size
	}
	desc.release()

	ps := a.opts.PageSize
	freed := interiorPages(desc.offset, desc.size, ps)

	// How large a free neighbour must be to complete the partial page at
	// each edge of the released extent.
	nextNeeded := math.MaxInt
	if r := (desc.offset + desc.size) % ps; r != 0 {
		nextNeeded = ps - r
	}
	prevNeeded := math.MaxInt
	if r := desc.offset % ps; r != 0 {
		prevNeeded = r
	}

	if next := a.byOffset.Next(n); next != nil && next.Value.state == StateFree {
		nd := next.Value
		if nd.size >= nextNeeded {
			freed.EndPage++
		}
		a.free.Remove(nd.freeNode)
		a.byOffset.Remove(nd.node)
		desc.size += nd.size
	}

	if prev := a.byOffset.Prev(n); prev != nil && prev.Value.state == StateFree {
		pd := prev.Value
		if pd.size >= prevNeeded {
			freed.StartPage--
		}
		a.free.Remove(pd.freeNode)
		a.byOffset.Remove(n)
		pd.size += desc.size
		desc = pd
	}

	desc.freeNode.SetKey(sizeKey{size: desc.size, offset: desc.offset})
	a.free.Insert(desc.freeNode)
	return freed, nil
}

// ReservationCommit moves the reserved extent at offset to the allocated state
// and attaches data to it.
func (a *Allocator[T]) ReservationCommit(offset int, data T) error {
	n := a.byOffset.Find(offset)
	if n == nil || n.Value.state != StateReserved {
		a.log.Warn("commit of non-reserved range", zap.Int("offset", offset))
		return ErrNotReserved
	}
	n.Value.state = StateAllocated
	n.Value.data = data
	return nil
}

// ReserveExisting moves the allocated extent at offset back to the reserved
// state and detaches its payload.
func (a *Allocator[T]) ReserveExisting(offset int) (size int, debugID uint64, data T, err error) {
	n := a.byOffset.Find(offset)
	if n == nil || n.Value.state != StateAllocated {
		a.log.Warn("reserve of non-allocated range", zap.Int("offset", offset))
		return 0, 0, data, ErrNotAllocated
	}
	d := n.Value
	data = d.data
	var zero T
	d.data = zero
	d.state = StateReserved
	return d.size, d.debugID, data, nil
}

// TakeForEach detaches the payload of every allocated extent and passes it to
// fn. It is meant for tearing down the owning process.
func (a *Allocator[T]) TakeForEach(fn func(offset, size int, debugID uint64, data T)) {
	var zero T
	a.byOffset.Ascend(func(n *rbtree.Node[int, *descriptor[T]]) bool {
		d := n.Value
		if d.state == StateAllocated {
			data := d.data
			d.data = zero
			fn(d.offset, d.size, d.debugID, data)
		}
		return true
	})
}

// Extents returns every extent in offset order.
func (a *Allocator[T]) Extents() []Extent {
	out := make([]Extent, 0, a.byOffset.Len())
	a.byOffset.Ascend(func(n *rbtree.Node[int, *descriptor[T]]) bool {
		d := n.Value
		out = append(out, Extent{
			Offset:  d.offset,
			Size:    d.size,
			State:   d.state,
			PID:     d.pid,
			Oneway:  d.oneway,
			DebugID: d.debugID,
		})
		return true
	})
	return out
}
