package rangealloc

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsEmptyRange(t *testing.T) {
	_, err := New[*payload](0, nil)
	require.ErrorIs(t, err, ErrInvalidSize)
}

func TestReserveNew_SequentialThenAbortLeavesEmpty(t *testing.T) {
	a := newTestAllocator(t, 4096)

	off1 := reserve(t, a, 100, false, 1)
	off2 := reserve(t, a, 100, false, 1)
	assert.Equal(t, 0, off1)
	assert.Equal(t, 100, off2)
	assert.Equal(t, 2, a.CountBuffers())
	assertInvariants(t, a)

	_, err := a.ReservationAbort(off1)
	require.NoError(t, err)
	assertInvariants(t, a)
	_, err = a.ReservationAbort(off2)
	require.NoError(t, err)

	assert.True(t, a.IsEmpty())
	assert.Equal(t, 0, a.CountBuffers())
	assertInvariants(t, a)
}

func TestReserveNew_OnewayOverBudgetLeavesBudgetUnchanged(t *testing.T) {
	a := newTestAllocator(t, 1000)
	require.Equal(t, 500, a.FreeOnewaySpace())

	_, _, err := a.ReserveNew(ReserveNewArgs[*payload]{Size: 600, Oneway: true, PID: 1})
	require.ErrorIs(t, err, ErrNoSpace)
	assert.True(t, errors.Is(err, syscall.ENOSPC))
	assert.Equal(t, 500, a.FreeOnewaySpace())
	assert.True(t, a.IsEmpty())
}

func TestReserveNew_NoFreeRangeLargeEnough(t *testing.T) {
	a := newTestAllocator(t, 1000)
	reserve(t, a, 400, false, 1)
	off := reserve(t, a, 200, false, 1)
	reserve(t, a, 400, false, 1)
	_, err := a.ReservationAbort(off)
	require.NoError(t, err)

	_, _, err = a.ReserveNew(ReserveNewArgs[*payload]{Size: 201, PID: 1})
	require.ErrorIs(t, err, ErrNoSpace)
	assertInvariants(t, a)
}

func TestReserveNew_InvalidSize(t *testing.T) {
	a := newTestAllocator(t, 1000)
	_, _, err := a.ReserveNew(ReserveNewArgs[*payload]{Size: 0})
	require.ErrorIs(t, err, ErrInvalidSize)
	assert.True(t, a.IsEmpty())
}

// TestBestFit_PicksSmallestThenLowestOffset builds the layout
// [free 300][used 10][free 200][used 10][free 200][used 10][free rest]
// and checks that a 150 byte request lands in the first 200 byte hole.
func TestBestFit_PicksSmallestThenLowestOffset(t *testing.T) {
	a := newTestAllocator(t, 4096)
	holes := []int{300, 200, 200}
	var toFree []int
	for _, h := range holes {
		toFree = append(toFree, reserve(t, a, h, false, 1))
		reserve(t, a, 10, false, 1)
	}
	for _, off := range toFree {
		_, err := a.ReservationAbort(off)
		require.NoError(t, err)
	}
	assertInvariants(t, a)

	off := reserve(t, a, 150, false, 2)
	assert.Equal(t, 310, off, "smallest hole wins, lowest offset breaks the tie")

	off = reserve(t, a, 200, false, 2)
	assert.Equal(t, 520, off, "exact fit is preferred over the larger hole")

	off = reserve(t, a, 250, false, 2)
	assert.Equal(t, 0, off)
	assertInvariants(t, a)
}

func TestReservationAbort_Errors(t *testing.T) {
	a := newTestAllocator(t, 4096)
	off := reserve(t, a, 128, false, 1)

	_, err := a.ReservationAbort(64)
	require.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, syscall.EINVAL)

	_, err = a.ReservationAbort(128)
	require.ErrorIs(t, err, ErrAlreadyFree, "offset 128 is the start of the free tail")
	assert.ErrorIs(t, err, syscall.EINVAL)

	require.NoError(t, a.ReservationCommit(off, &payload{tag: "x"}))
	_, err = a.ReservationAbort(off)
	require.ErrorIs(t, err, ErrCommitted)
	assert.ErrorIs(t, err, syscall.EPERM)

	assertInvariants(t, a)
}

func TestCommitAndReserveExisting(t *testing.T) {
	a := newTestAllocator(t, 4096)
	off, _, err := a.ReserveNew(ReserveNewArgs[*payload]{Size: 256, PID: 3, DebugID: 77})
	require.NoError(t, err)

	_, _, _, err = a.ReserveExisting(off)
	require.ErrorIs(t, err, ErrNotAllocated)
	assert.ErrorIs(t, err, syscall.ENOENT)

	p := &payload{tag: "info"}
	require.NoError(t, a.ReservationCommit(off, p))
	require.ErrorIs(t, a.ReservationCommit(off, p), ErrNotReserved)
	require.ErrorIs(t, a.ReservationCommit(999, p), ErrNotReserved)

	size, debugID, data, err := a.ReserveExisting(off)
	require.NoError(t, err)
	assert.Equal(t, 256, size)
	assert.Equal(t, uint64(77), debugID)
	assert.Same(t, p, data)

	_, err = a.ReservationAbort(off)
	require.NoError(t, err)
	assert.True(t, a.IsEmpty())
}

func TestOnewayBudgetConservation(t *testing.T) {
	a := newTestAllocator(t, 8192)
	start := a.FreeOnewaySpace()

	off1 := reserve(t, a, 1000, true, 1)
	assert.Equal(t, start-1000, a.FreeOnewaySpace())
	off2 := reserve(t, a, 500, false, 1)
	assert.Equal(t, start-1000, a.FreeOnewaySpace(), "sync reservations do not touch the oneway budget")
	off3 := reserve(t, a, 24, true, 2)
	assert.Equal(t, start-1024, a.FreeOnewaySpace())

	_, err := a.ReservationAbort(off1)
	require.NoError(t, err)
	assert.Equal(t, start-24, a.FreeOnewaySpace())
	_, err = a.ReservationAbort(off2)
	require.NoError(t, err)
	assert.Equal(t, start-24, a.FreeOnewaySpace())
	_, err = a.ReservationAbort(off3)
	require.NoError(t, err)
	assert.Equal(t, start, a.FreeOnewaySpace())
	assertInvariants(t, a)
}

func TestRoundTrip_RestoresLayout(t *testing.T) {
	a := newTestAllocator(t, 4096)
	reserve(t, a, 100, false, 1)
	hole := reserve(t, a, 300, true, 1)
	reserve(t, a, 100, false, 1)
	_, err := a.ReservationAbort(hole)
	require.NoError(t, err)

	before := a.Extents()
	budget := a.FreeOnewaySpace()

	for _, size := range []int{1, 300, 301, 3000} {
		off, _, err := a.ReserveNew(ReserveNewArgs[*payload]{Size: size, Oneway: size%2 == 1, PID: 9})
		require.NoError(t, err)
		_, err = a.ReservationAbort(off)
		require.NoError(t, err)
		assert.Equal(t, before, a.Extents(), "size %d", size)
		assert.Equal(t, budget, a.FreeOnewaySpace(), "size %d", size)
	}
}

func TestFreedRange_PageGranularity(t *testing.T) {
	a := newTestAllocator(t, 4*4096)

	r1 := reserve(t, a, 100, false, 1)
	r2 := reserve(t, a, 8000, false, 1)
	require.Equal(t, 100, r2)

	// [100, 8100) with an allocated predecessor and a large free successor:
	// page 0 is still partly used, page 1 becomes free once the tail is merged.
	freed, err := a.ReservationAbort(r2)
	require.NoError(t, err)
	assert.Equal(t, FreedRange{StartPage: 1, EndPage: 2}, freed)

	// [0, 100) merges with the free remainder and completes page 0.
	freed, err = a.ReservationAbort(r1)
	require.NoError(t, err)
	assert.Equal(t, FreedRange{StartPage: 0, EndPage: 1}, freed)
	assert.True(t, a.IsEmpty())
}

func TestFreedRange_AlignedExtentBetweenAllocations(t *testing.T) {
	a := newTestAllocator(t, 4*4096)
	reserve(t, a, 4096, false, 1)
	mid := reserve(t, a, 4096, false, 1)
	reserve(t, a, 4096, false, 1)

	freed, err := a.ReservationAbort(mid)
	require.NoError(t, err)
	assert.Equal(t, FreedRange{StartPage: 1, EndPage: 2}, freed)
	assert.False(t, freed.Empty())
}

func TestFreedRange_SmallFreeNeighbourDoesNotCompletePage(t *testing.T) {
	a := newTestAllocator(t, 2*4096)
	reserve(t, a, 4000, false, 1)
	gap := reserve(t, a, 50, false, 1)
	mid := reserve(t, a, 20, false, 1)
	reserve(t, a, 4000, false, 1)

	_, err := a.ReservationAbort(gap)
	require.NoError(t, err)
	freed, err := a.ReservationAbort(mid)
	require.NoError(t, err)
	assert.True(t, freed.Empty(), "no whole page is free: got %+v", freed)
	assertInvariants(t, a)
}

func TestPrealloc_ConsumedOnlyOnSplit(t *testing.T) {
	a := newTestAllocator(t, 1024)

	pre := NewPrealloc[*payload]()
	_, _, err := a.ReserveNew(ReserveNewArgs[*payload]{Size: 24, Prealloc: pre})
	require.NoError(t, err)
	assert.Nil(t, pre.desc, "split consumes the preallocated extent")

	pre = NewPrealloc[*payload]()
	_, _, err = a.ReserveNew(ReserveNewArgs[*payload]{Size: 1000, Prealloc: pre})
	require.NoError(t, err)
	assert.NotNil(t, pre.desc, "exact fit needs no new extent")
	assertInvariants(t, a)
}

func TestTakeForEach_VisitsAllocatedOnly(t *testing.T) {
	a := newTestAllocator(t, 4096)
	o1, _, err := a.ReserveNew(ReserveNewArgs[*payload]{Size: 64, DebugID: 1})
	require.NoError(t, err)
	o2, _, err := a.ReserveNew(ReserveNewArgs[*payload]{Size: 64, DebugID: 2})
	require.NoError(t, err)
	reserve(t, a, 64, false, 1)

	require.NoError(t, a.ReservationCommit(o1, &payload{tag: "a"}))
	require.NoError(t, a.ReservationCommit(o2, &payload{tag: "b"}))

	var seen []string
	a.TakeForEach(func(offset, size int, debugID uint64, data *payload) {
		assert.Equal(t, 64, size)
		seen = append(seen, data.tag)
	})
	assert.Equal(t, []string{"a", "b"}, seen)

	a.TakeForEach(func(_, _ int, _ uint64, data *payload) {
		assert.Nil(t, data, "payloads are taken only once")
	})
}
