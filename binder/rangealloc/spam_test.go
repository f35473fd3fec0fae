package rangealloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reserveSpam(t *testing.T, a *Allocator[*payload], size int, pid int32) bool {
	t.Helper()
	_, spam, err := a.ReserveNew(ReserveNewArgs[*payload]{Size: size, Oneway: true, PID: pid})
	require.NoError(t, err)
	return spam
}

func TestSpam_BytesThreshold(t *testing.T) {
	a := newTestAllocator(t, 10000)

	// Detection starts once the budget drops below 1000 bytes, which the
	// 41st buffer does. By then pid 1 holds 4100 bytes, above 10000/4.
	for i := 1; i <= 40; i++ {
		assert.False(t, reserveSpam(t, a, 100, 1), "buffer %d", i)
	}
	assert.True(t, reserveSpam(t, a, 100, 1), "buffer 41")
	assert.Equal(t, 900, a.FreeOnewaySpace())
}

func TestSpam_AggregateLoadIsNotFlagged(t *testing.T) {
	a := newTestAllocator(t, 10000)

	// Two pids together exhaust the budget, but neither exceeds its share.
	for i := range 50 {
		pid := int32(1 + i%2)
		assert.False(t, reserveSpam(t, a, 100, pid), "buffer %d from pid %d", i, pid)
	}
	assert.Equal(t, 0, a.FreeOnewaySpace())

	buffers, bytes := a.OnewayUsage(1)
	assert.Equal(t, 25, buffers)
	assert.Equal(t, 2500, bytes)
}

func TestSpam_BufferCountThreshold(t *testing.T) {
	a := newTestAllocator(t, 100000)

	assert.False(t, reserveSpam(t, a, 40000, 2), "budget is exactly at the low-space mark")

	for i := 1; i <= 50; i++ {
		assert.False(t, reserveSpam(t, a, 8, 1), "buffer %d", i)
	}
	assert.True(t, reserveSpam(t, a, 8, 1), "buffer 51")
}

func TestSpam_SyncReservationsNeverFlagged(t *testing.T) {
	a := newTestAllocator(t, 10000)
	for range 45 {
		reserveSpam(t, a, 100, 1)
	}
	_, spam, err := a.ReserveNew(ReserveNewArgs[*payload]{Size: 100, PID: 1})
	require.NoError(t, err)
	assert.False(t, spam)
}

func TestSpam_CustomPolicy(t *testing.T) {
	a, err := New[*payload](10000, &Options{SpamMaxBuffers: 2, LowSpaceDivisor: 1})
	require.NoError(t, err)

	// LowSpaceDivisor 1 keeps detection on while the budget is below the
	// full size, which it always is.
	assert.False(t, reserveSpam(t, a, 10, 1))
	assert.False(t, reserveSpam(t, a, 10, 1))
	assert.True(t, reserveSpam(t, a, 10, 1))
	assert.False(t, reserveSpam(t, a, 10, 2))
}
