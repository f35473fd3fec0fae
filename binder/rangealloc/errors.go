package rangealloc

import (
	"fmt"
	"syscall"
)

var (
	// ErrNoSpace indicates that no free range is large enough, or that a oneway
	// reservation would exceed the remaining oneway budget.
	ErrNoSpace = fmt.Errorf("rangealloc: no free range large enough: %w", syscall.ENOSPC)

	// ErrNotFound indicates that no range starts at the given offset.
	ErrNotFound = fmt.Errorf("rangealloc: no range at offset: %w", syscall.EINVAL)

	// ErrAlreadyFree indicates an abort of a range that is already free.
	ErrAlreadyFree = fmt.Errorf("rangealloc: range is already free: %w", syscall.EINVAL)

	// ErrCommitted indicates an abort of a range that was committed and must first be
	// moved back to the reserved state with ReserveExisting.
	ErrCommitted = fmt.Errorf("rangealloc: range is allocated, not reserved: %w", syscall.EPERM)

	// ErrNotReserved indicates a commit of a range that is not in the reserved state.
	ErrNotReserved = fmt.Errorf("rangealloc: no reserved range at offset: %w", syscall.ENOENT)

	// ErrNotAllocated indicates a ReserveExisting of a range that is not committed.
	ErrNotAllocated = fmt.Errorf("rangealloc: no allocated range at offset: %w", syscall.ENOENT)

	// ErrInvalidSize indicates a zero or negative reservation size.
	ErrInvalidSize = fmt.Errorf("rangealloc: size must be positive: %w", syscall.EINVAL)
)
