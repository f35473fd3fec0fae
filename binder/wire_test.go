package binder

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/binderkit/internal/protocol"
)

func TestWrite_TransactionRoundTrip(t *testing.T) {
	p := newPair(t, 0)

	mem := make([]byte, 256)
	copy(mem[64:], "hello wire")
	var cb protocol.CommandBuffer
	cb.Transaction(protocol.BCTransaction, protocol.TransactionData{
		Target:      uint64(p.handle),
		Code:        5,
		DataSize:    10,
		Buffer:      64,
		OffsetsSize: 8,
		Offsets:     128,
	})
	n, err := p.ct.Write(cb.Bytes(), bytes.NewReader(mem))
	require.NoError(t, err)
	assert.Equal(t, len(cb.Bytes()), n)

	ev := readOne(t, p.st, protocol.BRTransaction)
	assert.Equal(t, uint32(5), ev.Txn.Code)
	assert.Equal(t, uint64(8), ev.Txn.OffsetsSize)
	data, err := p.server.ReadBuffer(ev.Txn.Buffer, 10)
	require.NoError(t, err)
	assert.Equal(t, "hello wire", string(data))

	var reply protocol.CommandBuffer
	reply.Transaction(protocol.BCReply, protocol.TransactionData{DataSize: 2, Buffer: 0}).
		FreeBuffer(ev.Txn.Buffer)
	n, err = p.st.Write(reply.Bytes(), bytes.NewReader([]byte("ok")))
	require.NoError(t, err)
	assert.Equal(t, len(reply.Bytes()), n)
	assert.Zero(t, p.server.Info().Buffers)

	events := readEvents(t, p.ct)
	require.Equal(t, []protocol.Return{protocol.BRTransactionComplete, protocol.BRReply}, codesOf(events))
	data, err = p.client.ReadBuffer(events[1].Txn.Buffer, 2)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))

	cs := p.client.Stats()
	assert.Equal(t, uint64(1), cs["BC_TRANSACTION"])
	assert.Equal(t, uint64(1), cs["BR_REPLY"])
	assert.Equal(t, uint64(1), cs["BR_TRANSACTION_COMPLETE"])
	ss := p.server.Stats()
	assert.Equal(t, uint64(1), ss["BR_TRANSACTION"])
	assert.Equal(t, uint64(1), ss["BC_REPLY"])
	assert.Equal(t, uint64(1), ss["BC_FREE_BUFFER"])
	assert.Equal(t, uint64(1), ss["BR_NOOP"])
}

func TestWrite_UnreadablePayload(t *testing.T) {
	cases := map[string]protocol.TransactionData{
		"past end of memory": {DataSize: 16, Buffer: 1000},
		"ragged offsets":     {DataSize: 8, OffsetsSize: 4},
		"oversized":          {DataSize: 8 << 20},
	}
	for name, td := range cases {
		t.Run(name, func(t *testing.T) {
			p := newPair(t, 0)
			td.Target = uint64(p.handle)
			var cb protocol.CommandBuffer
			cb.Transaction(protocol.BCTransaction, td)

			n, err := p.ct.Write(cb.Bytes(), bytes.NewReader(make([]byte, 64)))
			require.NoError(t, err)
			assert.Equal(t, len(cb.Bytes()), n)
			readOne(t, p.ct, protocol.BRFailedReply)
			assert.Zero(t, p.server.Outstanding())
			assert.Equal(t, uint64(1), p.client.Stats()["BC_TRANSACTION"])
		})
	}

	t.Run("no memory", func(t *testing.T) {
		p := newPair(t, 0)
		var cb protocol.CommandBuffer
		cb.Transaction(protocol.BCTransaction, protocol.TransactionData{Target: uint64(p.handle), DataSize: 4})
		_, err := p.ct.Write(cb.Bytes(), nil)
		require.NoError(t, err)
		readOne(t, p.ct, protocol.BRFailedReply)
	})
}

func TestWrite_FreezeCommands(t *testing.T) {
	p := newPair(t, 0)

	var cb protocol.CommandBuffer
	cb.HandleCookie(protocol.BCRequestFreezeNotification, protocol.HandleCookie{Handle: p.handle, Cookie: 7})
	_, err := p.ct.Write(cb.Bytes(), nil)
	require.NoError(t, err)
	requireFrozenState(t, p.ct, 7, false)

	var done protocol.CommandBuffer
	done.FreezeNotificationDone(7).
		HandleCookie(protocol.BCClearFreezeNotification, protocol.HandleCookie{Handle: p.handle, Cookie: 7})
	n, err := p.ct.Write(done.Bytes(), nil)
	require.NoError(t, err)
	assert.Equal(t, len(done.Bytes()), n)
	ev := readOne(t, p.ct, protocol.BRClearFreezeNotificationDone)
	assert.Equal(t, uint64(7), ev.Cookie)
}

func TestWrite_StopsAtFailingCommand(t *testing.T) {
	p := newPair(t, 0)

	var cb protocol.CommandBuffer
	cb.Code(protocol.BCEnterLooper).
		FreezeNotificationDone(99).
		Code(protocol.BCExitLooper)
	n, err := p.st.Write(cb.Bytes(), nil)
	require.ErrorIs(t, err, ErrFreezeUnknown)
	assert.Equal(t, 4, n)
	assert.Equal(t, LooperEntered, p.st.LooperState())
}

func TestWrite_Malformed(t *testing.T) {
	p := newPair(t, 0)

	t.Run("unknown command", func(t *testing.T) {
		var cb protocol.CommandBuffer
		cb.Code(protocol.BCEnterLooper).Code(protocol.Command(0x6350))
		n, err := p.st.Write(cb.Bytes(), nil)
		require.ErrorIs(t, err, ErrUnknownCommand)
		assert.Equal(t, 4, n)
	})

	t.Run("truncated record", func(t *testing.T) {
		var cb protocol.CommandBuffer
		cb.FreeBuffer(0x1234)
		n, err := p.st.Write(cb.Bytes()[:8], nil)
		require.ErrorIs(t, err, protocol.ErrShortBuffer)
		assert.Zero(t, n)
	})
}

func TestWrite_LooperState(t *testing.T) {
	p := newPair(t, 0)

	var cb protocol.CommandBuffer
	cb.Code(protocol.BCRegisterLooper)
	_, err := p.st.Write(cb.Bytes(), nil)
	require.NoError(t, err)
	assert.Equal(t, LooperRegistered, p.st.LooperState())

	var again protocol.CommandBuffer
	again.Code(protocol.BCEnterLooper).Code(protocol.BCExitLooper)
	_, err = p.st.Write(again.Bytes(), nil)
	require.NoError(t, err)
	assert.Equal(t, LooperRegistered|LooperEntered|LooperInvalid|LooperExited, p.st.LooperState())
	assert.Equal(t, uint64(1), p.server.Stats()["BC_ENTER_LOOPER"])
}

func TestRead_BufferBounds(t *testing.T) {
	p := newPair(t, 0)

	_, err := p.ct.Read(make([]byte, MinReadSize-1))
	require.ErrorIs(t, err, ErrReadBufferTooSmall)

	for range 3 {
		require.Error(t, p.ct.Transaction(&Request{Handle: 77}))
	}
	// A minimal buffer holds one record after the BR_NOOP.
	b := make([]byte, MinReadSize)
	for range 3 {
		n, err := p.ct.Read(b)
		require.NoError(t, err)
		events, err := protocol.DecodeReturns(b[:n])
		require.NoError(t, err)
		assert.Equal(t, []protocol.Return{protocol.BRNoop, protocol.BRFailedReply}, codesOf(events))
	}
	n, err := p.ct.Read(b)
	require.NoError(t, err)
	assert.Zero(t, n)
}
