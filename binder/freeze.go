package binder

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/joshuapare/binderkit/internal/protocol"
	"github.com/joshuapare/binderkit/internal/worklist"
)

// freezeListener is one freeze notification registration, keyed by cookie
// in the listening process.
type freezeListener struct {
	node   *Node
	cookie uint64

	// lastIsFrozen is the state most recently reported; nil before the first
	// report.
	lastIsFrozen *bool

	// isPending is set while a BR_FROZEN_BINDER waits for
	// BC_FREEZE_NOTIFICATION_DONE.
	isPending bool

	// isClearing is set once the registration was cleared and
	// BR_CLEAR_FREEZE_NOTIFICATION_DONE is still owed.
	isClearing bool

	// Earlier registrations under the same cookie that were cleared and
	// re-registered. Pending ones still wait for their acknowledgement.
	numPendingDuplicates uint64
	numClearedDuplicates uint64
}

// allowDuplicate reports whether a new registration may reuse the cookie of
// l: only for the same node, and only after l was cleared.
func (l *freezeListener) allowDuplicate(n *Node) bool {
	return l.node == n && l.isClearing
}

// stale reports whether the owner's frozen state moved away from the one
// last reported. Updates are held back while a report is pending, so the
// acknowledgement has to catch up on them.
func (l *freezeListener) stale() bool {
	owner := l.node.owner
	owner.mu.Lock()
	isFrozen := owner.isFrozen
	owner.mu.Unlock()
	return l.lastIsFrozen == nil || *l.lastIsFrozen != isFrozen
}

func (l *freezeListener) onProcessExit(p *Process) {
	if !l.isClearing {
		l.node.removeFreezeListener(p)
	}
}

// freezeMessage tells a listening process to re-check one registration.
type freezeMessage struct {
	worklist.Links
	cookie uint64
}

func (m *freezeMessage) doWork(th *Thread, w *protocol.Writer) (bool, error) {
	p := th.process
	p.refsMu.Lock()
	l, ok := p.freezeListeners[m.cookie]
	if !ok {
		p.refsMu.Unlock()
		return true, nil
	}

	if l.numClearedDuplicates > 0 {
		l.numClearedDuplicates--
		p.refsMu.Unlock()
		return true, w.WriteCookie(protocol.BRClearFreezeNotificationDone, m.cookie)
	}
	if l.isPending {
		p.refsMu.Unlock()
		return true, nil
	}
	if l.isClearing {
		if l.numPendingDuplicates > 0 {
			l.numPendingDuplicates--
			l.isPending = true
		} else {
			delete(p.freezeListeners, m.cookie)
		}
		p.refsMu.Unlock()
		return true, w.WriteCookie(protocol.BRClearFreezeNotificationDone, m.cookie)
	}

	owner := l.node.owner
	owner.mu.Lock()
	isFrozen := owner.isFrozen
	owner.mu.Unlock()
	if l.lastIsFrozen != nil && *l.lastIsFrozen == isFrozen {
		p.refsMu.Unlock()
		return true, nil
	}
	l.isPending = true
	l.lastIsFrozen = &isFrozen
	p.refsMu.Unlock()

	info := protocol.FrozenStateInfo{Cookie: m.cookie, IsFrozen: isFrozen}
	if err := w.WriteFrozenState(info); err != nil {
		return false, err
	}
	// The receiver may start transactions in response.
	return false, nil
}

func (m *freezeMessage) cancel() {}

// RequestFreezeNotification registers cookie to receive BR_FROZEN_BINDER
// whenever the owner of the node behind handle is frozen or thawed. The
// current state is reported right away.
func (p *Process) RequestFreezeNotification(handle uint32, cookie uint64) error {
	p.recordCommand(protocol.BCRequestFreezeNotification)

	p.refsMu.Lock()
	ref, ok := p.byHandle[handle]
	if !ok {
		p.refsMu.Unlock()
		p.log.Warn("BC_REQUEST_FREEZE_NOTIFICATION invalid ref", zap.Uint32("handle", handle))
		return ErrInvalidHandle
	}
	if ref.hasFreeze {
		p.refsMu.Unlock()
		p.log.Warn("BC_REQUEST_FREEZE_NOTIFICATION already set", zap.Uint32("handle", handle))
		return ErrFreezeAlreadySet
	}
	node := ref.node
	dupe, exists := p.freezeListeners[cookie]
	if exists && !dupe.allowDuplicate(node) {
		p.refsMu.Unlock()
		p.log.Warn("BC_REQUEST_FREEZE_NOTIFICATION duplicate cookie", zap.Uint64("cookie", cookie))
		return ErrFreezeCookieInUse
	}

	node.addFreezeListener(p)
	if !exists {
		p.freezeListeners[cookie] = &freezeListener{node: node, cookie: cookie}
	} else {
		if dupe.isPending {
			dupe.numPendingDuplicates++
		} else {
			dupe.numClearedDuplicates++
		}
		dupe.lastIsFrozen = nil
		dupe.isPending = false
		dupe.isClearing = false
	}
	ref.hasFreeze = true
	ref.freezeCookie = cookie
	p.refsMu.Unlock()

	_ = p.pushWork(&freezeMessage{cookie: cookie})
	return nil
}

// FreezeNotificationDone acknowledges the BR_FROZEN_BINDER sent for cookie.
func (p *Process) FreezeNotificationDone(cookie uint64) error {
	p.recordCommand(protocol.BCFreezeNotificationDone)

	p.refsMu.Lock()
	l, ok := p.freezeListeners[cookie]
	if !ok {
		p.refsMu.Unlock()
		p.log.Warn("BC_FREEZE_NOTIFICATION_DONE not found", zap.Uint64("cookie", cookie))
		return ErrFreezeUnknown
	}
	var msg *freezeMessage
	if l.numPendingDuplicates > 0 {
		msg = &freezeMessage{cookie: cookie}
		l.numPendingDuplicates--
		l.numClearedDuplicates++
	} else {
		if !l.isPending {
			p.refsMu.Unlock()
			p.log.Warn("BC_FREEZE_NOTIFICATION_DONE not pending", zap.Uint64("cookie", cookie))
			return ErrFreezeNotPending
		}
		if l.isClearing || l.stale() {
			msg = &freezeMessage{cookie: cookie}
		}
		l.isPending = false
	}
	p.refsMu.Unlock()

	if msg != nil {
		_ = p.pushWork(msg)
	}
	return nil
}

// ClearFreezeNotification removes the registration made for handle. The
// removal is confirmed with BR_CLEAR_FREEZE_NOTIFICATION_DONE.
func (p *Process) ClearFreezeNotification(handle uint32, cookie uint64) error {
	p.recordCommand(protocol.BCClearFreezeNotification)

	p.refsMu.Lock()
	ref, ok := p.byHandle[handle]
	if !ok {
		p.refsMu.Unlock()
		p.log.Warn("BC_CLEAR_FREEZE_NOTIFICATION invalid ref", zap.Uint32("handle", handle))
		return ErrInvalidHandle
	}
	if !ref.hasFreeze {
		p.refsMu.Unlock()
		p.log.Warn("BC_CLEAR_FREEZE_NOTIFICATION not active", zap.Uint32("handle", handle))
		return ErrFreezeNotActive
	}
	if ref.freezeCookie != cookie {
		p.refsMu.Unlock()
		p.log.Warn("BC_CLEAR_FREEZE_NOTIFICATION cookie mismatch",
			zap.Uint64("cookie", cookie), zap.Uint64("registered", ref.freezeCookie))
		return ErrFreezeCookie
	}
	l, ok := p.freezeListeners[cookie]
	if !ok {
		p.refsMu.Unlock()
		p.log.Warn("BC_CLEAR_FREEZE_NOTIFICATION invalid cookie", zap.Uint64("cookie", cookie))
		return ErrFreezeUnknown
	}
	l.isClearing = true
	l.node.removeFreezeListener(p)
	ref.hasFreeze = false
	ref.freezeCookie = 0
	pending := l.isPending
	p.refsMu.Unlock()

	if !pending {
		_ = p.pushWork(&freezeMessage{cookie: cookie})
	}
	return nil
}

// freezeCookie returns the cookie p registered on n, if any.
func (p *Process) freezeCookie(n *Node) (uint64, bool) {
	p.refsMu.Lock()
	defer p.refsMu.Unlock()
	h, ok := p.byNode[n]
	if !ok {
		return 0, false
	}
	ref, ok := p.byHandle[h]
	if !ok || !ref.hasFreeze {
		return 0, false
	}
	return ref.freezeCookie, true
}

type freezeRecipient struct {
	node *Node
	proc *Process
}

// findFreezeRecipients lists every (node, listener) pair on p's nodes. The
// slice is grown with p.mu released; the walk then resumes at the node it
// stopped on, or the next one if that node went away meanwhile.
func (p *Process) findFreezeRecipients() []freezeRecipient {
	recipients := make([]freezeRecipient, 0, 8)

	p.mu.Lock()
	cur := p.nodes.Min()
	for cur != nil {
		key := cur.Key()
		list := cur.Value.freezeList
		if cap(recipients)-len(recipients) < len(list) {
			need := len(list)
			p.mu.Unlock()
			recipients = slices.Grow(recipients, need)
			p.mu.Lock()
			cur = p.nodes.LowerBound(key)
			continue
		}
		for _, proc := range list {
			recipients = append(recipients, freezeRecipient{node: cur.Value, proc: proc})
		}
		cur = p.nodes.Next(cur)
	}
	p.mu.Unlock()
	return recipients
}

type freezeDelivery struct {
	proc *Process
	msg  *freezeMessage
}

type freezeBatch []freezeDelivery

func (p *Process) prepareFreezeMessages() freezeBatch {
	recipients := p.findFreezeRecipients()
	batch := make(freezeBatch, 0, len(recipients))
	for _, r := range recipients {
		cookie, ok := r.proc.freezeCookie(r.node)
		if !ok {
			// Cleared in the meantime.
			continue
		}
		batch = append(batch, freezeDelivery{proc: r.proc, msg: &freezeMessage{cookie: cookie}})
	}
	return batch
}

func (b freezeBatch) send() {
	for _, e := range b {
		_ = e.proc.pushWork(e.msg)
	}
}

// Freeze stops the process from receiving transactions. It waits up to
// timeout for in-flight transactions to drain and fails with ErrFreezeBusy,
// leaving the process thawed, if they do not. Listeners are notified once the
// freeze holds.
func (p *Process) Freeze(ctx context.Context, timeout time.Duration) error {
	p.mu.Lock()
	if p.isDead {
		p.mu.Unlock()
		return ErrDead
	}
	p.syncRecv = false
	p.asyncRecv = false
	p.isFrozen = true

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
	wait:
		for p.outstanding > 0 {
			p.mu.Unlock()
			select {
			case <-p.freezeWait:
			case <-timer.C:
				p.mu.Lock()
				break wait
			case <-ctx.Done():
				p.mu.Lock()
				p.isFrozen = false
				p.mu.Unlock()
				return ctx.Err()
			}
			p.mu.Lock()
		}
	}

	if p.txnsPendingLocked() {
		p.isFrozen = false
		p.mu.Unlock()
		p.ctx.metrics.Freeze("busy")
		p.log.Info("freeze failed, transactions pending")
		return ErrFreezeBusy
	}
	p.mu.Unlock()

	p.prepareFreezeMessages().send()
	p.ctx.metrics.Freeze("frozen")
	p.log.Info("process frozen")
	return nil
}

// Thaw lets the process receive transactions again and notifies listeners.
func (p *Process) Thaw() {
	msgs := p.prepareFreezeMessages()
	p.mu.Lock()
	p.syncRecv = false
	p.asyncRecv = false
	p.isFrozen = false
	p.mu.Unlock()
	msgs.send()
	p.ctx.metrics.Freeze("thawed")
	p.log.Info("process thawed")
}

// FrozenInfo reports what reached the process while it was frozen.
type FrozenInfo struct {
	// SyncRecv is set when a sync transaction was refused.
	SyncRecv bool `json:"sync_recv"`
	// AsyncRecv is set when a oneway transaction was queued.
	AsyncRecv bool `json:"async_recv"`
	// TxnsPending is set while transactions are still in flight.
	TxnsPending bool `json:"txns_pending"`
}

// FrozenInfo returns the frozen-state counters of the process.
func (p *Process) FrozenInfo() FrozenInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return FrozenInfo{
		SyncRecv:    p.syncRecv,
		AsyncRecv:   p.asyncRecv,
		TxnsPending: p.txnsPendingLocked(),
	}
}

// IsFrozen reports whether the process is frozen.
func (p *Process) IsFrozen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isFrozen
}
