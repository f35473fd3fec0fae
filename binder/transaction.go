package binder

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/joshuapare/binderkit/internal/buf"
	"github.com/joshuapare/binderkit/internal/protocol"
	"github.com/joshuapare/binderkit/internal/stats"
	"github.com/joshuapare/binderkit/internal/worklist"
)

const (
	// ptrSize is the alignment of the data, offsets and security context
	// sections of a transaction buffer.
	ptrSize = 8

	// objectHeaderSize is the smallest object an offset may point at.
	objectHeaderSize = 8
)

// Request is a transaction or reply as sent by a thread.
type Request struct {
	// Handle selects the target node. It is ignored for replies.
	Handle  uint32
	Code    uint32
	Flags   uint32
	Data    []byte
	Offsets []uint64
	Files   []FileObject
}

func (r *Request) oneway() bool { return r.Flags&protocol.TFOneWay != 0 }

// Transaction is a request or reply on its way from one thread to a process.
type Transaction struct {
	worklist.Links

	debugID     uint64
	targetNode  *Node
	fromParent  *Transaction
	from        *Thread
	to          *Process
	code        uint32
	flags       uint32
	senderEUID  uint32
	dataSize    int
	offsetsSize int
	dataAddress uint64
	secctxOff   int
	files       []FileObject
	onewaySpam  bool
	started     time.Time

	alloc       atomic.Pointer[Allocation]
	outstanding atomic.Bool
}

// DebugID returns the transaction's debug id.
func (t *Transaction) DebugID() uint64 { return t.debugID }

// IsReply reports whether t answers an earlier transaction.
func (t *Transaction) IsReply() bool { return t.targetNode == nil }

func (t *Transaction) isOneway() bool { return t.flags&protocol.TFOneWay != 0 }

// stagedBuffer is a filled allocation plus where its security context went.
type stagedBuffer struct {
	alloc     *Allocation
	secctxOff int
}

// copyTransactionData validates req and copies it into a new buffer of to.
// The buffer holds the data, then the offsets, then the security context,
// each section aligned to 8 bytes.
func (th *Thread) copyTransactionData(to *Process, req *Request, debugID uint64, allowFDs, withSecCtx bool) (stagedBuffer, error) {
	dataSize := len(req.Data)
	if err := validateOffsets(req.Offsets, dataSize); err != nil {
		return stagedBuffer{}, err
	}
	if len(req.Files) > 0 {
		if !allowFDs {
			return stagedBuffer{}, ErrFilesNotAllowed
		}
		for _, f := range req.Files {
			if f.File == nil || f.Offset%4 != 0 || f.Offset+4 > uint64(dataSize) {
				return stagedBuffer{}, ErrBadOffset
			}
		}
	}

	var label []byte
	if withSecCtx {
		label = append([]byte(th.process.securityContext()), 0)
	}

	alignedData, ok := buf.AlignUp(dataSize, ptrSize)
	if !ok {
		return stagedBuffer{}, ErrBadAddress
	}
	offsetsEnd, err := buf.CheckListBounds(maxMappingSize, alignedData, len(req.Offsets), ptrSize)
	if err != nil {
		return stagedBuffer{}, fmt.Errorf("transaction buffer: %v: %w", err, ErrBadAddress)
	}
	offsetsSize := offsetsEnd - alignedData
	alignedSecCtx, _ := buf.AlignUp(len(label), ptrSize)
	total := max(offsetsEnd+alignedSecCtx, ptrSize)

	a, err := to.bufferAlloc(debugID, total, req.oneway(), th.process.pid)
	if err != nil {
		return stagedBuffer{}, err
	}
	secctxOff := -1
	err = a.write(0, req.Data)
	if err == nil && offsetsSize > 0 {
		raw := make([]byte, offsetsSize)
		for i, off := range req.Offsets {
			buf.PutU64LE(raw[i*ptrSize:], off)
		}
		err = a.write(alignedData, raw)
	}
	if err == nil && label != nil {
		secctxOff = alignedData + offsetsSize
		err = a.write(secctxOff, label)
	}
	if err != nil {
		a.free()
		return stagedBuffer{}, err
	}
	return stagedBuffer{alloc: a, secctxOff: secctxOff}, nil
}

// validateOffsets checks that objects are u32 aligned, ascending, do not
// overlap and fit inside the data.
func validateOffsets(offsets []uint64, dataSize int) error {
	var end uint64
	for _, off := range offsets {
		if off%4 != 0 || off < end || off+objectHeaderSize > uint64(dataSize) {
			return ErrBadOffset
		}
		end = off + objectHeaderSize
	}
	return nil
}

func newTransaction(node *Node, fromParent *Transaction, from *Thread, req *Request) (*Transaction, error) {
	if req.oneway() && fromParent != nil {
		from.log.Warn("oneway transaction should not be in a transaction stack")
		return nil, ErrOnewayNested
	}
	debugID := from.process.ctx.nextDebugID()
	st, err := from.copyTransactionData(node.owner, req, debugID, node.acceptsFDs(), node.wantsSecCtx())
	if err != nil {
		if !IsDead(err) && !loggedByAllocator(err) {
			from.log.Warn("copy of transaction data failed", zap.Uint64("debug_id", debugID), zap.Error(err))
		}
		return nil, err
	}
	a := st.alloc
	if req.oneway() {
		a.infoOrNew().onewayNode = node
	}
	if req.Flags&protocol.TFClearBuf != 0 {
		a.infoOrNew().clearOnFree = true
	}
	t := &Transaction{
		debugID:     debugID,
		targetNode:  node,
		fromParent:  fromParent,
		from:        from,
		to:          node.owner,
		code:        req.Code,
		flags:       req.Flags,
		senderEUID:  from.process.euid,
		dataSize:    len(req.Data),
		offsetsSize: len(req.Offsets) * ptrSize,
		dataAddress: a.ptr,
		secctxOff:   st.secctxOff,
		files:       req.Files,
		onewaySpam:  a.onewaySpam,
		started:     time.Now(),
	}
	t.alloc.Store(a)
	return t, nil
}

func newReply(from *Thread, to *Process, req *Request, allowFDs bool) (*Transaction, error) {
	debugID := from.process.ctx.nextDebugID()
	st, err := from.copyTransactionData(to, req, debugID, allowFDs, false)
	if err != nil {
		if !IsDead(err) && !loggedByAllocator(err) {
			from.log.Warn("copy of reply data failed", zap.Uint64("debug_id", debugID), zap.Error(err))
		}
		return nil, err
	}
	a := st.alloc
	if req.Flags&protocol.TFClearBuf != 0 {
		a.infoOrNew().clearOnFree = true
	}
	t := &Transaction{
		debugID:     debugID,
		from:        from,
		to:          to,
		code:        req.Code,
		flags:       req.Flags,
		senderEUID:  from.process.euid,
		dataSize:    len(req.Data),
		offsetsSize: len(req.Offsets) * ptrSize,
		dataAddress: a.ptr,
		secctxOff:   -1,
		files:       req.Files,
		onewaySpam:  a.onewaySpam,
		started:     time.Now(),
	}
	t.alloc.Store(a)
	return t, nil
}

// setOutstanding counts t against its target once. to.mu must be held.
func (t *Transaction) setOutstanding(to *Process) {
	if t.outstanding.CompareAndSwap(false, true) {
		to.outstanding++
	}
}

func (t *Transaction) dropOutstanding() {
	if t.outstanding.CompareAndSwap(true, false) {
		t.to.dropOutstandingTxn()
	}
}

// discard frees a transaction that will never be delivered.
func (t *Transaction) discard() {
	if a := t.alloc.Swap(nil); a != nil {
		a.free()
	}
	t.dropOutstanding()
}

// evict discards a queued oneway transaction replaced by a newer one. It was
// never in flight, so freeing it must not release the next oneway.
func (t *Transaction) evict() {
	if a := t.alloc.Load(); a != nil && a.info != nil {
		a.info.onewayNode = nil
	}
	t.discard()
}

// canReplace reports whether t supersedes the queued transaction old.
func (t *Transaction) canReplace(old *Transaction) bool {
	if t.from.process.pid != old.from.process.pid {
		return false
	}
	const want = protocol.TFOneWay | protocol.TFUpdateTxn
	if t.flags&old.flags&want != want {
		return false
	}
	return t.code == old.code && t.flags == old.flags && t.targetNode == old.targetNode
}

// findTargetThread returns the thread of the target process that is already
// part of this transaction stack, if any.
func (t *Transaction) findTargetThread() *Thread {
	for it := t.fromParent; it != nil; it = it.fromParent {
		if it.from.process == t.to {
			return it.from
		}
	}
	return nil
}

// findFrom returns the first transaction below t on the stack sent by th.
func (t *Transaction) findFrom(th *Thread) *Transaction {
	for it := t.fromParent; it != nil; it = it.fromParent {
		if it.from == th {
			return it
		}
	}
	return nil
}

func (t *Transaction) isStackedOn(top *Transaction) bool {
	return t.fromParent == top
}

// submit queues t for its target. Oneway transactions go through the target
// node so that one node never has more than one in flight.
func (t *Transaction) submit() error {
	p := t.to
	p.mu.Lock()
	t.setOutstanding(p)
	if t.isOneway() {
		if node := t.targetNode; node != nil {
			frozen := p.isFrozen
			var outdated *Transaction
			if frozen {
				p.asyncRecv = true
				if t.flags&protocol.TFUpdateTxn != 0 {
					outdated = node.takeOutdatedTransaction(t)
				}
			}
			err := node.submitOneway(t)
			p.mu.Unlock()
			if outdated != nil {
				outdated.evict()
			}
			if err != nil {
				t.discard()
				return err
			}
			if frozen {
				return errPendingFrozen
			}
			return nil
		}
		p.log.Error("oneway transaction without a target node", zap.Uint64("debug_id", t.debugID))
	}
	if p.isFrozen {
		p.syncRecv = true
		p.mu.Unlock()
		t.discard()
		return errFrozenReply
	}
	var err error
	if th := t.findTargetThread(); th != nil {
		err = th.pushWork(t)
	} else {
		err = p.pushWorkLocked(t)
	}
	p.mu.Unlock()
	if err != nil {
		t.discard()
	}
	return err
}

func (t *Transaction) doWork(th *Thread, w *protocol.Writer) (bool, error) {
	needsReply := t.targetNode != nil && !t.isOneway()
	fail := func() {
		if a := t.alloc.Swap(nil); a != nil {
			a.free()
		}
		if needsReply {
			t.from.deliverReply(nil, protocol.BRFailedReply, t)
		}
		t.dropOutstanding()
	}

	files, err := prepareFiles(th.process.fileTable(), t.files)
	if err != nil {
		th.log.Warn("file reservation failed", zap.Uint64("debug_id", t.debugID), zap.Error(err))
		fail()
		return true, nil
	}

	td := protocol.TransactionData{
		Code:        t.code,
		Flags:       t.flags,
		SenderEUID:  t.senderEUID,
		DataSize:    uint64(t.dataSize),
		OffsetsSize: uint64(t.offsetsSize),
		Buffer:      t.dataAddress,
	}
	if n := t.targetNode; n != nil {
		td.Target = n.ptr
		td.Cookie = n.cookie
	}
	if t.offsetsSize > 0 {
		aligned, _ := buf.AlignUp(t.dataSize, ptrSize)
		td.Offsets = t.dataAddress + uint64(aligned)
	}
	if needsReply {
		td.SenderPID = t.from.process.pid
	}
	code := protocol.BRTransaction
	var secctx uint64
	switch {
	case t.targetNode == nil:
		code = protocol.BRReply
	case t.secctxOff >= 0:
		code = protocol.BRTransactionSecCtx
		secctx = t.dataAddress + uint64(t.secctxOff)
	}

	if err := w.WriteTransaction(code, &td, secctx); err != nil {
		files.abort()
		fail()
		return false, err
	}
	a := t.alloc.Swap(nil)
	if a == nil {
		files.abort()
		fail()
		return false, ErrDead
	}
	a.infoOrNew().closeOnFree = files.commit(a)
	a.keepAlive()
	t.dropOutstanding()
	if needsReply {
		th.setCurrentTransaction(t)
	}
	th.log.Debug("transaction delivered",
		zap.Uint64("debug_id", t.debugID),
		zap.Stringer("code", code),
		zap.Duration("queued", time.Since(t.started)))
	// A transaction ends the read. Sync deliveries carry no separate wakeup
	// hint; every waiter is woken through Thread.Wait.
	return false, nil
}

func (t *Transaction) cancel() {
	if a := t.alloc.Swap(nil); a != nil {
		a.free()
	}
	if t.targetNode != nil && !t.isOneway() {
		t.from.deliverReply(nil, protocol.BRDeadReply, t)
	}
	t.dropOutstanding()
}

// Transaction sends req to the node behind req.Handle. A failure is returned
// and also queued as the return code the thread's next Read reports.
func (th *Thread) Transaction(req *Request) error {
	th.process.recordCommand(protocol.BCTransaction)
	var err error
	kind := stats.KindSync
	if req.oneway() {
		kind = stats.KindOneway
		err = th.onewayTransaction(req)
	} else {
		err = th.syncTransaction(req)
	}
	return th.finish(kind, err)
}

// Reply answers the transaction the thread is currently serving.
func (th *Thread) Reply(req *Request) error {
	th.process.recordCommand(protocol.BCReply)
	return th.finish(stats.KindReply, th.reply(req))
}

func (th *Thread) finish(kind string, err error) error {
	if err == nil {
		th.process.ctx.metrics.Transaction(kind)
		return nil
	}
	if !IsDead(err) && !IsFrozen(err) && !loggedByAllocator(err) {
		th.log.Warn("transaction failed", zap.String("kind", kind), zap.Error(err))
	}
	th.pushReturnWork(replyCode(err))
	return err
}

func (th *Thread) syncTransaction(req *Request) error {
	node, err := th.process.transactionNode(req.Handle)
	if err != nil {
		return err
	}
	top, err := th.topOfTransactionStack()
	if err != nil {
		return err
	}
	completion := newDeliverCode(protocol.BRTransactionComplete)
	t, err := newTransaction(node, top, th, req)
	if err != nil {
		return err
	}

	th.mu.Lock()
	if !t.isStackedOn(th.current) {
		th.mu.Unlock()
		th.log.Warn("transaction stack changed during transaction")
		t.discard()
		return ErrBadTransactionStack
	}
	th.current = t
	// Delivered together with the reply.
	th.work.PushBack(completion)
	th.mu.Unlock()

	if err := t.submit(); err != nil {
		completion.skip()
		th.mu.Lock()
		if th.current == t {
			th.current = t.fromParent
		}
		th.mu.Unlock()
		return err
	}
	return nil
}

func (th *Thread) onewayTransaction(req *Request) error {
	node, err := th.process.transactionNode(req.Handle)
	if err != nil {
		return err
	}
	t, err := newTransaction(node, nil, th, req)
	if err != nil {
		return err
	}
	code := protocol.BRTransactionComplete
	if th.process.spamDetection.Load() && t.onewaySpam {
		code = protocol.BROnewaySpamSuspect
	}
	// The completion is reserved now and queued only once the target accepted
	// the transaction.
	completion := newDeliverCode(code)
	completion.Claim()
	if err := t.submit(); err != nil {
		completion.Unclaim()
		return err
	}
	_ = th.pushClaimed(completion)
	return nil
}

func (th *Thread) reply(req *Request) error {
	th.mu.Lock()
	orig, err := th.popTransactionToReply()
	th.mu.Unlock()
	if err != nil {
		return err
	}
	if !orig.from.isCurrentTransaction(orig) {
		return ErrBadTransactionStack
	}

	allowFDs := orig.flags&protocol.TFAcceptFDs != 0
	r, err := newReply(th, orig.from.process, req, allowFDs)
	if err != nil {
		if !loggedByAllocator(err) {
			th.log.Warn("reply failed, sending BR_FAILED_REPLY", zap.Uint64("debug_id", orig.debugID), zap.Error(err))
		}
		orig.from.deliverReply(nil, protocol.BRFailedReply, orig)
		// The replier is done either way.
		return &ReplyError{Reply: protocol.BRTransactionComplete, Err: err}
	}
	_ = th.pushWork(newDeliverCode(protocol.BRTransactionComplete))
	orig.from.deliverReply(r, 0, orig)
	return nil
}

// FreeBuffer returns a delivered buffer to the thread's process. Freeing the
// buffer of a oneway transaction releases the next one queued on its node.
// The command is counted whether or not addr is valid.
func (th *Thread) FreeBuffer(addr uint64) error {
	p := th.process
	p.recordCommand(protocol.BCFreeBuffer)
	a, err := p.bufferGet(addr)
	if err != nil {
		th.log.Warn("free of unknown buffer", zap.Uint64("addr", addr), zap.Error(err))
		return err
	}
	a.free()
	return nil
}
