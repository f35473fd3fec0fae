package binder

import (
	"slices"

	"go.uber.org/zap"

	"github.com/joshuapare/binderkit/internal/protocol"
	"github.com/joshuapare/binderkit/internal/worklist"
)

// Node is an object exported by its owning process. Other processes reach it
// through handles.
type Node struct {
	owner   *Process
	ptr     uint64
	cookie  uint64
	flags   uint32
	debugID uint64

	// Guarded by owner.mu.
	onewayTodo           worklist.List[*Transaction]
	hasOnewayTransaction bool
	freezeList           []*Process
}

// Owner returns the process that exported the node.
func (n *Node) Owner() *Process { return n.owner }

// Ptr returns the owner's identifier for the node.
func (n *Node) Ptr() uint64 { return n.ptr }

// Cookie returns the owner's cookie for the node.
func (n *Node) Cookie() uint64 { return n.cookie }

// Flags returns the node flags.
func (n *Node) Flags() uint32 { return n.flags }

// DebugID returns the node's debug id.
func (n *Node) DebugID() uint64 { return n.debugID }

func (n *Node) acceptsFDs() bool  { return n.flags&protocol.FlatBinderFlagAcceptsFDs != 0 }
func (n *Node) wantsSecCtx() bool { return n.flags&protocol.FlatBinderFlagTxnSecCtx != 0 }

// submitOneway queues t behind the node's in-flight oneway transaction, or
// makes it the in-flight one. owner.mu must be held.
func (n *Node) submitOneway(t *Transaction) error {
	p := n.owner
	if p.isDead {
		return errDeadReply
	}
	if n.hasOnewayTransaction {
		n.onewayTodo.PushBack(t)
		return nil
	}
	n.hasOnewayTransaction = true
	return p.pushWorkLocked(t)
}

// pendingOnewayFinished runs when the buffer of the in-flight oneway
// transaction is freed, and releases the next queued one.
func (n *Node) pendingOnewayFinished() {
	p := n.owner
	p.mu.Lock()
	if p.isDead {
		// Release cancels what is left.
		p.mu.Unlock()
		return
	}
	t, ok := n.onewayTodo.PopFront()
	n.hasOnewayTransaction = ok
	var err error
	if ok {
		err = p.pushWorkLocked(t)
	}
	p.mu.Unlock()
	if err != nil {
		t.discard()
	}
}

// takeOutdatedTransaction removes the first queued oneway transaction that
// t supersedes. owner.mu must be held.
func (n *Node) takeOutdatedTransaction(t *Transaction) *Transaction {
	var old *Transaction
	n.onewayTodo.Each(func(q *Transaction) bool {
		if t.canReplace(q) {
			old = q
			return false
		}
		return true
	})
	if old != nil {
		n.onewayTodo.Remove(old)
	}
	return old
}

// release cancels the queued oneway transactions of a dying owner.
func (n *Node) release() {
	p := n.owner
	for {
		p.mu.Lock()
		t, ok := n.onewayTodo.PopFront()
		p.mu.Unlock()
		if !ok {
			return
		}
		t.cancel()
	}
}

func (n *Node) addFreezeListener(p *Process) {
	n.owner.mu.Lock()
	defer n.owner.mu.Unlock()
	n.freezeList = append(n.freezeList, p)
}

func (n *Node) removeFreezeListener(p *Process) {
	n.owner.mu.Lock()
	defer n.owner.mu.Unlock()
	before := len(n.freezeList)
	n.freezeList = slices.DeleteFunc(n.freezeList, func(q *Process) bool { return q == p })
	if len(n.freezeList) == before {
		n.owner.log.Warn("could not remove freeze listener", zap.Int32("listener", p.pid), zap.Uint64("node", n.debugID))
	}
	if len(n.freezeList) == 0 {
		n.freezeList = nil
	}
}
