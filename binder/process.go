package binder

import (
	"cmp"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/joshuapare/binderkit/internal/protocol"
	"github.com/joshuapare/binderkit/internal/rbtree"
	"github.com/joshuapare/binderkit/internal/stats"
	"github.com/joshuapare/binderkit/internal/worklist"
)

// defaultMaxFiles sizes the in-memory file table of a new process.
const defaultMaxFiles = 1024

// Process is one participant in a Context. It owns a transaction buffer,
// nodes, handles to other processes' nodes, and a set of threads.
//
// Locks are taken in the order refsMu, mu, allocMu. Thread locks nest inside
// mu. Work is never pushed while refsMu is held.
type Process struct {
	ctx  *Context
	pid  int32
	euid uint32
	log  *zap.Logger

	counters      stats.Counters
	spamDetection atomic.Bool

	wake       chan struct{}
	freezeWait chan struct{}

	mu          sync.Mutex
	isDead      bool
	isFrozen    bool
	syncRecv    bool
	asyncRecv   bool
	outstanding int
	work        worklist.List[workItem]
	threads     map[int32]*Thread
	nodes       *rbtree.Tree[uint64, *Node]
	secctx      string
	files       FileTable

	refsMu          sync.Mutex
	byHandle        map[uint32]*nodeRef
	byNode          map[*Node]uint32
	nextHandle      uint32
	freezeListeners map[uint64]*freezeListener

	allocMu sync.Mutex
	mapped  bool
	mapping *mapping
}

// nodeRef is a handle held by a process on some node.
type nodeRef struct {
	node         *Node
	handle       uint32
	hasFreeze    bool
	freezeCookie uint64
}

func newProcess(ctx *Context, pid int32, euid uint32) *Process {
	return &Process{
		ctx:             ctx,
		pid:             pid,
		euid:            euid,
		log:             ctx.log.With(zap.Int32("pid", pid)),
		wake:            make(chan struct{}, 1),
		freezeWait:      make(chan struct{}, 1),
		threads:         make(map[int32]*Thread),
		nodes:           rbtree.New[uint64, *Node](cmp.Compare[uint64]),
		files:           NewMemFileTable(defaultMaxFiles),
		byHandle:        make(map[uint32]*nodeRef),
		byNode:          make(map[*Node]uint32),
		nextHandle:      1,
		freezeListeners: make(map[uint64]*freezeListener),
	}
}

// PID returns the process id.
func (p *Process) PID() int32 { return p.pid }

// EUID returns the effective user id reported to receivers.
func (p *Process) EUID() uint32 { return p.euid }

// Context returns the domain the process belongs to.
func (p *Process) Context() *Context { return p.ctx }

// SetSecurityContext sets the label appended to transactions this process
// sends to nodes that ask for it.
func (p *Process) SetSecurityContext(label string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.secctx = label
}

func (p *Process) securityContext() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.secctx
}

// SetFileTable replaces the table that receives files sent to this process.
func (p *Process) SetFileTable(ft FileTable) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files = ft
}

func (p *Process) fileTable() FileTable {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.files
}

// EnableOnewaySpamDetection makes oneway transactions sent by this process
// complete with BR_ONEWAY_SPAM_SUSPECT when the receiver flags them.
func (p *Process) EnableOnewaySpamDetection(enable bool) {
	p.spamDetection.Store(enable)
}

// IsDead reports whether Release has run.
func (p *Process) IsDead() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isDead
}

// Thread returns the thread with the given id, creating it on first use.
func (p *Process) Thread(id int32) (*Thread, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isDead {
		return nil, ErrDead
	}
	if th, ok := p.threads[id]; ok {
		return th, nil
	}
	th := newThread(p, id)
	p.threads[id] = th
	return th, nil
}

func (p *Process) removeThread(th *Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.threads[th.id] == th {
		delete(p.threads, th.id)
	}
}

// NewNode exports a node identified by ptr. An existing node with the same
// ptr is returned unchanged.
func (p *Process) NewNode(ptr, cookie uint64, flags uint32) (*Node, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isDead {
		return nil, ErrDead
	}
	if n, ok := p.nodes.Get(ptr); ok {
		return n, nil
	}
	n := &Node{
		owner:   p,
		ptr:     ptr,
		cookie:  cookie,
		flags:   flags,
		debugID: p.ctx.nextDebugID(),
	}
	p.nodes.Put(ptr, n)
	return n, nil
}

// Node returns the node exported under ptr.
func (p *Process) Node(ptr uint64) (*Node, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodes.Get(ptr)
}

// InsertRef gives the process a handle on n and returns it. The context
// manager is always handle 0; other nodes get handles from 1 up. Asking
// twice for the same node returns the same handle.
func (p *Process) InsertRef(n *Node) uint32 {
	isManager := p.ctx.ContextManager() == n

	p.refsMu.Lock()
	defer p.refsMu.Unlock()
	if h, ok := p.byNode[n]; ok {
		return h
	}
	h := uint32(0)
	if !isManager {
		h = p.nextHandle
		p.nextHandle++
	}
	p.byHandle[h] = &nodeRef{node: n, handle: h}
	p.byNode[n] = h
	return h
}

// transactionNode resolves the target of a transaction sent on handle.
func (p *Process) transactionNode(handle uint32) (*Node, error) {
	if handle == 0 {
		if n := p.ctx.ContextManager(); n != nil {
			return n, nil
		}
		return nil, errDeadReply
	}
	p.refsMu.Lock()
	defer p.refsMu.Unlock()
	ref, ok := p.byHandle[handle]
	if !ok {
		return nil, ErrInvalidHandle
	}
	return ref.node, nil
}

func (p *Process) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// pushWorkLocked queues w on the process queue. p.mu must be held.
func (p *Process) pushWorkLocked(w workItem) error {
	if p.isDead {
		return errDeadReply
	}
	p.work.PushBack(w)
	p.signal()
	return nil
}

func (p *Process) pushWork(w workItem) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pushWorkLocked(w)
}

func (p *Process) popWork() (workItem, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.work.PopFront()
}

func (p *Process) dropOutstandingTxn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outstanding == 0 {
		p.log.Error("outstanding transaction count underflow")
		return
	}
	p.outstanding--
	if p.isFrozen && p.outstanding == 0 {
		select {
		case p.freezeWait <- struct{}{}:
		default:
		}
	}
}

// Outstanding returns the number of transactions submitted to the process
// and not yet delivered or discarded.
func (p *Process) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

// txnsPendingLocked reports whether anything still blocks a freeze. p.mu
// must be held.
func (p *Process) txnsPendingLocked() bool {
	if p.outstanding > 0 {
		return true
	}
	for _, th := range p.threads {
		if th.hasCurrentTransaction() {
			return true
		}
	}
	return false
}

func (p *Process) recordReturn(code protocol.Return) {
	p.counters.IncReturn(code)
	p.ctx.metrics.Return(code)
}

func (p *Process) recordCommand(code protocol.Command) {
	p.counters.IncCommand(code)
	p.ctx.metrics.Command(code)
}

// Stats returns the per-code counts of commands processed and return codes
// delivered by this process.
func (p *Process) Stats() map[string]uint64 { return p.counters.Snapshot() }

// Info is a point-in-time summary of a process.
type Info struct {
	PID         int32 `json:"pid"`
	Threads     int   `json:"threads"`
	Nodes       int   `json:"nodes"`
	Handles     int   `json:"handles"`
	QueuedWork  int   `json:"queued_work"`
	Outstanding int   `json:"outstanding"`
	Frozen      bool  `json:"frozen"`
	Dead        bool  `json:"dead"`
	Buffers     int   `json:"buffers"`
	OnewayFree  int   `json:"oneway_free"`
}

// Info returns a summary of the process.
func (p *Process) Info() Info {
	p.refsMu.Lock()
	handles := len(p.byHandle)
	p.refsMu.Unlock()

	p.mu.Lock()
	info := Info{
		PID:         p.pid,
		Threads:     len(p.threads),
		Nodes:       p.nodes.Len(),
		Handles:     handles,
		QueuedWork:  p.work.Len(),
		Outstanding: p.outstanding,
		Frozen:      p.isFrozen,
		Dead:        p.isDead,
	}
	p.mu.Unlock()

	p.allocMu.Lock()
	if p.mapping != nil {
		info.Buffers = p.mapping.alloc.CountBuffers()
		info.OnewayFree = p.mapping.alloc.FreeOnewaySpace()
	}
	p.allocMu.Unlock()
	return info
}

// Release tears the process down: it leaves the context, its threads exit,
// queued work is cancelled, and every buffer it still holds is cleaned up.
// Release is idempotent.
func (p *Process) Release() {
	p.mu.Lock()
	if p.isDead {
		p.mu.Unlock()
		return
	}
	p.isDead = true
	p.isFrozen = false
	p.syncRecv = false
	p.asyncRecv = false
	threads := p.threads
	p.threads = make(map[int32]*Thread)
	p.mu.Unlock()

	p.ctx.deregister(p)

	for _, th := range threads {
		th.release()
	}

	for {
		p.mu.Lock()
		first := p.nodes.Min()
		if first != nil {
			p.nodes.Remove(first)
		}
		p.mu.Unlock()
		if first == nil {
			break
		}
		first.Value.release()
	}

	p.refsMu.Lock()
	listeners := p.freezeListeners
	p.freezeListeners = make(map[uint64]*freezeListener)
	p.byHandle = make(map[uint32]*nodeRef)
	p.byNode = make(map[*Node]uint32)
	p.refsMu.Unlock()
	for _, l := range listeners {
		l.onProcessExit(p)
	}

	for {
		w, ok := p.popWork()
		if !ok {
			break
		}
		w.cancel()
	}

	p.releaseMapping()
	p.signal()
	p.log.Debug("process released", zap.Int("threads", len(threads)))
}
