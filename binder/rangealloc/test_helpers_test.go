package rangealloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type payload struct {
	tag string
}

func newTestAllocator(t *testing.T, size int) *Allocator[*payload] {
	t.Helper()
	a, err := New[*payload](size, nil)
	require.NoError(t, err)
	return a
}

func reserve(t *testing.T, a *Allocator[*payload], size int, oneway bool, pid int32) int {
	t.Helper()
	off, _, err := a.ReserveNew(ReserveNewArgs[*payload]{Size: size, Oneway: oneway, PID: pid})
	require.NoError(t, err)
	return off
}

// assertInvariants checks that the extents partition [0, size), that no two free
// extents touch, that the free index holds exactly the free extents, and that the
// oneway budget matches the oneway extents in use.
func assertInvariants(t *testing.T, a *Allocator[*payload]) {
	t.Helper()

	extents := a.Extents()
	require.NotEmpty(t, extents)

	next := 0
	onewayInUse := 0
	freeCount := 0
	for i, e := range extents {
		require.Equal(t, next, e.Offset, "extent %d does not start where the previous ended", i)
		require.Positive(t, e.Size, "extent %d has no bytes", i)
		next = e.Offset + e.Size
		if e.State == StateFree {
			freeCount++
			if i > 0 {
				require.NotEqual(t, StateFree, extents[i-1].State, "free extents at %d and %d are adjacent", extents[i-1].Offset, e.Offset)
			}
			n := a.free.Find(sizeKey{size: e.Size, offset: e.Offset})
			require.NotNil(t, n, "free extent %d missing from free index", e.Offset)
		} else if e.Oneway {
			onewayInUse += e.Size
		}
	}
	require.Equal(t, a.Size(), next, "extents do not cover the whole range")
	require.Equal(t, freeCount, a.free.Len(), "free index has stale entries")
	require.Equal(t, a.Size()/2-onewayInUse, a.FreeOnewaySpace())
	require.GreaterOrEqual(t, a.FreeOnewaySpace(), 0)
}

// expectedBestFit returns the offset ReserveNew should choose for size, or -1.
func expectedBestFit(a *Allocator[*payload], size int) int {
	best, bestSize := -1, 0
	for _, e := range a.Extents() {
		if e.State != StateFree || e.Size < size {
			continue
		}
		if best == -1 || e.Size < bestSize {
			best, bestSize = e.Offset, e.Size
		}
	}
	return best
}
