package binder

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/joshuapare/binderkit/internal/protocol"
	"github.com/joshuapare/binderkit/internal/worklist"
)

// maxRecordSize is the largest code plus record a single work item writes.
const maxRecordSize = 4 + protocol.TransactionDataSecCtxSize

// MinReadSize is the smallest read buffer Read accepts.
const MinReadSize = 4 + maxRecordSize

// Looper states recorded from BC_REGISTER_LOOPER, BC_ENTER_LOOPER and
// BC_EXIT_LOOPER.
const (
	LooperRegistered uint32 = 1 << iota
	LooperEntered
	LooperExited
	LooperInvalid
)

// Thread is one reader/writer of a process. Transactions it sends and
// receives form its transaction stack.
type Thread struct {
	id      int32
	process *Process
	log     *zap.Logger
	wake    chan struct{}

	mu      sync.Mutex
	isDead  bool
	work    worklist.List[workItem]
	current *Transaction
	looper  uint32
}

func newThread(p *Process, id int32) *Thread {
	return &Thread{
		id:      id,
		process: p,
		log:     p.log.With(zap.Int32("tid", id)),
		wake:    make(chan struct{}, 1),
	}
}

// ID returns the thread id.
func (th *Thread) ID() int32 { return th.id }

// Process returns the owning process.
func (th *Thread) Process() *Process { return th.process }

// LooperState returns the looper flags.
func (th *Thread) LooperState() uint32 {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.looper
}

func (th *Thread) signal() {
	select {
	case th.wake <- struct{}{}:
	default:
	}
}

// pushWork queues w on the thread's own queue.
func (th *Thread) pushWork(w workItem) error {
	th.mu.Lock()
	if th.isDead {
		th.mu.Unlock()
		return errDeadReply
	}
	th.work.PushBack(w)
	th.mu.Unlock()
	th.signal()
	return nil
}

// pushClaimed queues an item reserved with Claim. The claim is given back
// when the thread is dead.
func (th *Thread) pushClaimed(w workItem) error {
	th.mu.Lock()
	if th.isDead {
		th.mu.Unlock()
		w.WorkLinks().Unclaim()
		return errDeadReply
	}
	th.work.PushClaimed(w)
	th.mu.Unlock()
	th.signal()
	return nil
}

func (th *Thread) pushReturnWork(code protocol.Return) {
	_ = th.pushWork(newDeliverCode(code))
}

func (th *Thread) hasCurrentTransaction() bool {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.current != nil
}

func (th *Thread) isCurrentTransaction(t *Transaction) bool {
	th.mu.Lock()
	defer th.mu.Unlock()
	return th.current == t
}

func (th *Thread) setCurrentTransaction(t *Transaction) {
	th.mu.Lock()
	defer th.mu.Unlock()
	th.current = t
}

// topOfTransactionStack returns the transaction a new sync transaction
// stacks on. A thread still waiting for its own reply cannot send another.
func (th *Thread) topOfTransactionStack() (*Transaction, error) {
	th.mu.Lock()
	defer th.mu.Unlock()
	if th.current != nil && th.current.from == th {
		th.log.Warn("new transaction while waiting for a reply")
		return nil, ErrBadTransactionStack
	}
	return th.current, nil
}

// popTransactionToReply removes the transaction the thread is serving from
// its stack. th.mu must be held.
func (th *Thread) popTransactionToReply() (*Transaction, error) {
	t := th.current
	if t == nil || t.from == th {
		return nil, ErrBadTransactionStack
	}
	th.current = t.findFrom(th)
	return t, nil
}

// popTransactionReplied pops t if it is the transaction the thread is
// waiting on. th.mu must be held.
func (th *Thread) popTransactionReplied(t *Transaction) bool {
	if th.current == nil || th.current != t {
		return false
	}
	th.current = t.fromParent
	return true
}

// deliverReply hands a reply, or a bare failure code when reply is nil, to
// the thread waiting on orig. If the thread is dead the failure travels
// further down the stack.
func (th *Thread) deliverReply(reply *Transaction, code protocol.Return, orig *Transaction) {
	if th.deliverSingleReply(reply, code, orig) {
		orig.from.unwindTransactionStack()
	}
}

func (th *Thread) deliverSingleReply(reply *Transaction, code protocol.Return, orig *Transaction) bool {
	if reply != nil {
		p := th.process
		p.mu.Lock()
		reply.setOutstanding(p)
		p.mu.Unlock()
	}

	th.mu.Lock()
	if !th.popTransactionReplied(orig) {
		th.mu.Unlock()
		if reply != nil {
			reply.discard()
		}
		return false
	}
	if th.isDead {
		th.mu.Unlock()
		if reply != nil {
			reply.discard()
		}
		return true
	}
	if reply != nil {
		th.work.PushBack(reply)
	} else {
		th.work.PushBack(newDeliverCode(code))
	}
	th.mu.Unlock()
	th.signal()
	return false
}

// unwindTransactionStack sends BR_DEAD_REPLY to every thread waiting on a
// transaction this thread was serving.
func (th *Thread) unwindTransactionStack() {
	cur := th
	for {
		cur.mu.Lock()
		t, err := cur.popTransactionToReply()
		cur.mu.Unlock()
		if err != nil {
			return
		}
		if !t.from.deliverSingleReply(nil, protocol.BRDeadReply, t) {
			return
		}
		cur = t.from
	}
}

// release marks the thread dead, cancels its queued work and fails every
// transaction waiting on it.
func (th *Thread) release() {
	th.mu.Lock()
	th.isDead = true
	pending := th.work.Take()
	th.mu.Unlock()
	for {
		w, ok := pending.PopFront()
		if !ok {
			break
		}
		w.cancel()
	}
	th.unwindTransactionStack()
	th.signal()
}

// Exit removes the thread from its process and releases it.
func (th *Thread) Exit() {
	th.process.removeThread(th)
	th.release()
}

// nextWork takes the next item from the thread's queue, or from the process
// queue when the thread is idle.
func (th *Thread) nextWork() (workItem, bool) {
	th.mu.Lock()
	if w, ok := th.work.PopFront(); ok {
		th.mu.Unlock()
		return w, true
	}
	idle := th.current == nil
	th.mu.Unlock()
	if !idle {
		return nil, false
	}
	return th.process.popWork()
}

// Read fills b with return codes for queued work and returns the number of
// bytes written. The buffer starts with BR_NOOP. Read never blocks; it
// returns 0 when there is nothing to deliver. Use Wait to block.
func (th *Thread) Read(b []byte) (int, error) {
	if len(b) < MinReadSize {
		return 0, ErrReadBufferTooSmall
	}
	th.mu.Lock()
	dead := th.isDead
	th.mu.Unlock()
	if dead {
		return 0, ErrDead
	}

	w := protocol.NewWriter(b)
	if err := w.WriteCode(protocol.BRNoop); err != nil {
		return 0, err
	}
	w.OnCode = th.process.recordReturn
	for w.Available() >= maxRecordSize {
		item, ok := th.nextWork()
		if !ok {
			break
		}
		more, err := item.doWork(th, w)
		if err != nil {
			th.log.Warn("delivery failed", zap.Error(err))
			if w.Len() > 4 {
				break
			}
			return 0, err
		}
		if !more {
			break
		}
	}
	if w.Len() == 4 {
		return 0, nil
	}
	th.process.recordReturn(protocol.BRNoop)
	return w.Len(), nil
}

// Wait blocks until work may be available to Read or ctx is done. Wakeups
// can be spurious.
func (th *Thread) Wait(ctx context.Context) error {
	th.mu.Lock()
	pending := !th.work.IsEmpty()
	idle := th.current == nil
	dead := th.isDead
	th.mu.Unlock()
	if pending || dead {
		return nil
	}
	var procWake <-chan struct{}
	if idle {
		procWake = th.process.wake
	}
	select {
	case <-th.wake:
	case <-procWake:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (th *Thread) setLooper(cmd protocol.Command) {
	th.mu.Lock()
	defer th.mu.Unlock()
	switch cmd {
	case protocol.BCRegisterLooper:
		if th.looper&LooperEntered != 0 {
			th.looper |= LooperInvalid
		}
		th.looper |= LooperRegistered
	case protocol.BCEnterLooper:
		if th.looper&LooperRegistered != 0 {
			th.looper |= LooperInvalid
		}
		th.looper |= LooperEntered
	case protocol.BCExitLooper:
		th.looper |= LooperExited
	}
}
