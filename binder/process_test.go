package binder

import (
	"context"
	"encoding/json"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/binderkit/binder/rangealloc"
	"github.com/joshuapare/binderkit/internal/protocol"
)

func TestContext_Processes(t *testing.T) {
	ctx := newTestContext(t)
	for _, pid := range []int32{30, 10, 20} {
		_, err := ctx.NewProcess(pid, 0)
		require.NoError(t, err)
	}
	_, err := ctx.NewProcess(10, 0)
	require.ErrorIs(t, err, ErrProcessExists)
	require.ErrorIs(t, err, syscall.EEXIST)

	var pids []int32
	for _, p := range ctx.Processes() {
		pids = append(pids, p.PID())
	}
	assert.Equal(t, []int32{10, 20, 30}, pids)

	p, ok := ctx.Process(20)
	require.True(t, ok)
	p.Release()
	_, ok = ctx.Process(20)
	assert.False(t, ok)
	assert.Len(t, ctx.Processes(), 2)

	// The pid can be reused once released.
	_, err = ctx.NewProcess(20, 0)
	require.NoError(t, err)
}

func TestContext_NilConfig(t *testing.T) {
	ctx := NewContext(nil)
	require.NotNil(t, ctx.Config())
	assert.Equal(t, 1<<20, ctx.Config().Buffer.Size)
	assert.Equal(t, uint64(1), ctx.nextDebugID())
	assert.Equal(t, uint64(2), ctx.nextDebugID())
}

func TestProcess_Mmap(t *testing.T) {
	ctx := newTestContext(t)

	p, err := ctx.NewProcess(3, 0)
	require.NoError(t, err)
	addr, err := p.Mmap(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(mappingBase+3*mappingStride), addr)
	assert.Equal(t, ctx.Config().Buffer.Size/2, p.FreeOnewaySpace())

	_, err = p.Mmap(0)
	require.ErrorIs(t, err, ErrAlreadyMapped)
	require.ErrorIs(t, err, syscall.EBUSY)

	big, err := ctx.NewProcess(4, 0)
	require.NoError(t, err)
	_, err = big.Mmap(16 << 20)
	require.NoError(t, err)
	assert.Equal(t, maxMappingSize/2, big.FreeOnewaySpace())

	ext := big.Extents()
	require.Len(t, ext, 1)
	assert.Equal(t, rangealloc.Extent{Offset: 0, Size: maxMappingSize, State: rangealloc.StateFree}, ext[0])
}

func TestProcess_UnmappedAccessors(t *testing.T) {
	ctx := newTestContext(t)
	p, err := ctx.NewProcess(5, 0)
	require.NoError(t, err)

	assert.Nil(t, p.Extents())
	assert.Zero(t, p.FreeOnewaySpace())
	_, err = p.ReadBuffer(mappingBase, 1)
	require.ErrorIs(t, err, ErrDead)
}

func TestProcess_ReadBufferBounds(t *testing.T) {
	ctx := newTestContext(t)
	p := newMappedProcess(t, ctx, 6, 4096)
	base := uint64(mappingBase + 6*mappingStride)

	_, err := p.ReadBuffer(base-1, 1)
	require.ErrorIs(t, err, ErrBadAddress)
	_, err = p.ReadBuffer(base+4000, 200)
	require.ErrorIs(t, err, ErrBadAddress)
	b, err := p.ReadBuffer(base+4000, 96)
	require.NoError(t, err)
	assert.Len(t, b, 96)
}

func TestProcess_Info(t *testing.T) {
	p := newPair(t, 0)

	require.NoError(t, p.ct.Transaction(&Request{Handle: p.handle, Flags: protocol.TFOneWay, Data: []byte("x")}))
	info := p.server.Info()
	assert.Equal(t, Info{
		PID:         serverPID,
		Threads:     1,
		Nodes:       1,
		QueuedWork:  1,
		Outstanding: 1,
		Buffers:     1,
		OnewayFree:  32*1024 - 8,
	}, info)
	assert.Equal(t, 1, p.client.Info().Handles)

	raw, err := json.Marshal(info)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"queued_work":1`)
	assert.Contains(t, string(raw), `"oneway_free":32760`)
}

func TestProcess_ReleaseCleansUp(t *testing.T) {
	p := newPair(t, protocol.FlatBinderFlagAcceptsFDs)
	ft := NewMemFileTable(4)
	p.server.SetFileTable(ft)

	f := &closer{}
	require.NoError(t, p.ct.Transaction(&Request{
		Handle: p.handle,
		Flags:  protocol.TFOneWay,
		Data:   make([]byte, 8),
		Files:  []FileObject{{Offset: 0, File: f, CloseOnFree: true}},
	}))
	readOne(t, p.st, protocol.BRTransaction)
	// Queued behind the first oneway on the node.
	require.NoError(t, p.ct.Transaction(&Request{Handle: p.handle, Flags: protocol.TFOneWay}))
	assert.Equal(t, 2, p.server.Info().Buffers)

	p.server.Release()
	assert.Equal(t, 1, f.closed)
	assert.Zero(t, ft.Len())
	assert.Zero(t, p.server.Outstanding())
	assert.Nil(t, p.server.Extents())

	_, err := p.server.Thread(2)
	require.ErrorIs(t, err, ErrDead)
	_, err = p.server.NewNode(9, 0, 0)
	require.ErrorIs(t, err, ErrDead)
	_, err = p.st.Read(make([]byte, MinReadSize))
	require.ErrorIs(t, err, ErrDead)
}

func TestProcess_ReleaseCancelsQueuedWork(t *testing.T) {
	p := newPair(t, 0)
	caller2 := mustThread(t, p.client, 2)

	require.NoError(t, p.ct.Transaction(&Request{Handle: p.handle}))
	require.NoError(t, caller2.Transaction(&Request{Handle: p.handle}))
	assert.Equal(t, 2, p.server.Outstanding())

	p.server.Release()
	for _, th := range []*Thread{p.ct, caller2} {
		events := drainEvents(t, th)
		assert.Equal(t, []protocol.Return{protocol.BRTransactionComplete, protocol.BRDeadReply}, codesOf(events))
	}
	assert.Zero(t, p.server.Outstanding())
}

func TestThread_Wait(t *testing.T) {
	p := newPair(t, 0)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.st.Wait(ctx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- p.st.Wait(t.Context()) }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.ct.Transaction(&Request{Handle: p.handle, Flags: protocol.TFOneWay}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after work was queued")
	}
	readOne(t, p.st, protocol.BRTransaction)

	// Pending thread work returns at once.
	require.Error(t, p.st.Transaction(&Request{Handle: 42}))
	require.NoError(t, p.st.Wait(t.Context()))
}

func TestThread_WaitIgnoresProcessWorkWhileBusy(t *testing.T) {
	p := newPair(t, 0)
	callee := mustThread(t, p.client, 9)

	require.NoError(t, p.ct.Transaction(&Request{Handle: p.handle}))
	readOne(t, p.ct, protocol.BRTransactionComplete)

	// Process work for the client goes to an idle thread, not the caller.
	cnode, err := p.client.NewNode(0x5000, 0, 0)
	require.NoError(t, err)
	other := newMappedProcess(t, p.ctx, 300, 0)
	ot := mustThread(t, other, 1)
	require.NoError(t, ot.Transaction(&Request{Handle: other.InsertRef(cnode), Flags: protocol.TFOneWay}))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.ct.Wait(ctx), context.DeadlineExceeded)
	assert.Empty(t, readEvents(t, p.ct))
	readOne(t, callee, protocol.BRTransaction)
}

func TestMemFileTable(t *testing.T) {
	ft := NewMemFileTable(2)

	a, err := ft.Reserve()
	require.NoError(t, err)
	b, err := ft.Reserve()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, []int{a, b})
	_, err = ft.Reserve()
	require.ErrorIs(t, err, syscall.EMFILE)

	ft.Unreserve(a)
	again, err := ft.Reserve()
	require.NoError(t, err)
	assert.Equal(t, 0, again)

	f := &closer{}
	ft.Install(b, f)
	// Installed descriptors are not handed back by Unreserve.
	ft.Unreserve(b)
	assert.Equal(t, 1, ft.Len())

	require.NoError(t, ft.Close(b))
	assert.Equal(t, 1, f.closed)
	require.ErrorIs(t, ft.Close(b), syscall.EBADF)
	_, ok := ft.Get(b)
	assert.False(t, ok)
}

func TestPreparedFiles_Abort(t *testing.T) {
	ft := NewMemFileTable(4)
	pf, err := prepareFiles(ft, []FileObject{{File: &closer{}}, {File: &closer{}}})
	require.NoError(t, err)
	pf.abort()

	fd, err := ft.Reserve()
	require.NoError(t, err)
	assert.Zero(t, fd)

	var none *preparedFiles
	none.abort()
	assert.Nil(t, none.commit(nil))
}

func TestReplyCode(t *testing.T) {
	assert.Equal(t, protocol.BRDeadReply, replyCode(errDeadReply))
	assert.Equal(t, protocol.BRFrozenReply, replyCode(errFrozenReply))
	assert.Equal(t, protocol.BRFailedReply, replyCode(ErrInvalidHandle))
	assert.Equal(t, "BR_DEAD_REPLY: binder: target is dead: no such process", errDeadReply.Error())
	assert.True(t, IsFrozen(errPendingFrozen))
	assert.False(t, IsDead(errFrozenReply))
}
