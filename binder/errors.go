package binder

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/joshuapare/binderkit/internal/protocol"
)

var (
	// ErrDead indicates that the target process, thread or mapping is gone.
	ErrDead = fmt.Errorf("binder: target is dead: %w", syscall.ESRCH)

	// ErrFrozen indicates that the target process is frozen.
	ErrFrozen = fmt.Errorf("binder: target is frozen: %w", syscall.EAGAIN)

	// ErrInvalidHandle indicates a handle with no reference behind it.
	ErrInvalidHandle = fmt.Errorf("binder: invalid handle: %w", syscall.EINVAL)

	// ErrBadTransactionStack indicates a transaction or reply that does not
	// match the calling thread's transaction stack.
	ErrBadTransactionStack = fmt.Errorf("binder: bad transaction stack: %w", syscall.EINVAL)

	// ErrOnewayNested indicates a oneway transaction sent from inside a
	// transaction stack.
	ErrOnewayNested = fmt.Errorf("binder: oneway transaction in a transaction stack: %w", syscall.EINVAL)

	// ErrBadOffset indicates an object offset that is unaligned, out of order,
	// or outside the data.
	ErrBadOffset = fmt.Errorf("binder: invalid object offset: %w", syscall.EINVAL)

	// ErrFilesNotAllowed indicates files sent to a node or reply that does not
	// accept them.
	ErrFilesNotAllowed = fmt.Errorf("binder: files not accepted: %w", syscall.EPERM)

	// ErrBadAddress indicates an address outside the mapped buffer or outside
	// the caller supplied memory.
	ErrBadAddress = fmt.Errorf("binder: bad address: %w", syscall.EFAULT)

	// ErrAlreadyMapped indicates a second Mmap of the same process.
	ErrAlreadyMapped = fmt.Errorf("binder: buffer already mapped: %w", syscall.EBUSY)

	// ErrManagerSet indicates that the context already has a manager.
	ErrManagerSet = fmt.Errorf("binder: context manager already set: %w", syscall.EBUSY)

	// ErrProcessExists indicates a pid that is already registered.
	ErrProcessExists = fmt.Errorf("binder: process already registered: %w", syscall.EEXIST)

	// ErrFreezeBusy indicates that a freeze gave up because transactions were
	// still in flight.
	ErrFreezeBusy = fmt.Errorf("binder: transactions pending, cannot freeze: %w", syscall.EAGAIN)

	// ErrUnknownCommand indicates an unrecognised command code in a write buffer.
	ErrUnknownCommand = fmt.Errorf("binder: unknown command: %w", syscall.EINVAL)

	// ErrReadBufferTooSmall indicates a read buffer that cannot hold a single record.
	ErrReadBufferTooSmall = fmt.Errorf("binder: read buffer too small: %w", syscall.EINVAL)
)

// Freeze notification errors.
var (
	ErrFreezeAlreadySet  = fmt.Errorf("binder: freeze notification already set: %w", syscall.EINVAL)
	ErrFreezeNotActive   = fmt.Errorf("binder: freeze notification not active: %w", syscall.EINVAL)
	ErrFreezeCookieInUse = fmt.Errorf("binder: duplicate freeze cookie: %w", syscall.EINVAL)
	ErrFreezeCookie      = fmt.Errorf("binder: freeze cookie mismatch: %w", syscall.EINVAL)
	ErrFreezeUnknown     = fmt.Errorf("binder: unknown freeze cookie: %w", syscall.EINVAL)
	ErrFreezeNotPending  = fmt.Errorf("binder: freeze notification not pending: %w", syscall.EINVAL)
)

// ReplyError is a transaction failure together with the return code the
// sending thread reads for it.
type ReplyError struct {
	Reply protocol.Return
	Err   error
}

func (e *ReplyError) Error() string {
	if e.Err == nil {
		return e.Reply.String()
	}
	return fmt.Sprintf("%v: %v", e.Reply, e.Err)
}

func (e *ReplyError) Unwrap() error { return e.Err }

var (
	errDeadReply     = &ReplyError{Reply: protocol.BRDeadReply, Err: ErrDead}
	errFrozenReply   = &ReplyError{Reply: protocol.BRFrozenReply, Err: ErrFrozen}
	errPendingFrozen = &ReplyError{Reply: protocol.BRTransactionPendingFrozen, Err: ErrFrozen}
)

// replyCode returns the code a failed transaction is reported with.
func replyCode(err error) protocol.Return {
	var re *ReplyError
	if errors.As(err, &re) {
		return re.Reply
	}
	return protocol.BRFailedReply
}

// IsDead reports whether err means the peer is gone.
func IsDead(err error) bool { return errors.Is(err, ErrDead) }

// IsFrozen reports whether err means the peer is frozen.
func IsFrozen(err error) bool { return errors.Is(err, ErrFrozen) }

// loggedByAllocator reports whether err is a buffer shortage, which the
// allocator logs itself.
func loggedByAllocator(err error) bool { return errors.Is(err, syscall.ENOSPC) }
