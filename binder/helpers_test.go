package binder

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/joshuapare/binderkit/internal/config"
	"github.com/joshuapare/binderkit/internal/protocol"
)

const (
	serverPID = 100
	clientPID = 200
)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	cfg := config.Default()
	cfg.Buffer.Size = 64 * 1024
	return NewContext(cfg, WithLogger(zaptest.NewLogger(t)))
}

// newMappedProcess registers pid and maps a buffer of size bytes (the
// configured default when size is 0).
func newMappedProcess(t *testing.T, ctx *Context, pid int32, size int) *Process {
	t.Helper()
	p, err := ctx.NewProcess(pid, uint32(pid)+1000)
	require.NoError(t, err)
	_, err = p.Mmap(size)
	require.NoError(t, err)
	return p
}

func mustThread(t *testing.T, p *Process, id int32) *Thread {
	t.Helper()
	th, err := p.Thread(id)
	require.NoError(t, err)
	return th
}

// pair is a server exporting one node and a client holding a handle on it.
type pair struct {
	ctx    *Context
	server *Process
	client *Process
	node   *Node
	handle uint32
	st     *Thread
	ct     *Thread
}

func newPair(t *testing.T, nodeFlags uint32) *pair {
	t.Helper()
	ctx := newTestContext(t)
	server := newMappedProcess(t, ctx, serverPID, 0)
	client := newMappedProcess(t, ctx, clientPID, 0)
	node, err := server.NewNode(0x1000, 0xc0ffee, nodeFlags)
	require.NoError(t, err)
	return &pair{
		ctx:    ctx,
		server: server,
		client: client,
		node:   node,
		handle: client.InsertRef(node),
		st:     mustThread(t, server, 1),
		ct:     mustThread(t, client, 1),
	}
}

// readEvents does one Read and returns the decoded events without the
// leading BR_NOOP.
func readEvents(t *testing.T, th *Thread) []protocol.Event {
	t.Helper()
	b := make([]byte, 4096)
	n, err := th.Read(b)
	require.NoError(t, err)
	if n == 0 {
		return nil
	}
	events, err := protocol.DecodeReturns(b[:n])
	require.NoError(t, err)
	require.NotEmpty(t, events)
	require.Equal(t, protocol.BRNoop, events[0].Code)
	return events[1:]
}

// drainEvents reads until nothing is left.
func drainEvents(t *testing.T, th *Thread) []protocol.Event {
	t.Helper()
	var out []protocol.Event
	for {
		events := readEvents(t, th)
		if len(events) == 0 {
			return out
		}
		out = append(out, events...)
	}
}

func codesOf(events []protocol.Event) []protocol.Return {
	out := make([]protocol.Return, 0, len(events))
	for _, e := range events {
		out = append(out, e.Code)
	}
	return out
}

// readOne reads and requires exactly one event with the given code.
func readOne(t *testing.T, th *Thread, code protocol.Return) protocol.Event {
	t.Helper()
	events := readEvents(t, th)
	require.Len(t, events, 1, "got %v", codesOf(events))
	require.Equal(t, code, events[0].Code, "got %v", codesOf(events))
	return events[0]
}

type closer struct{ closed int }

func (c *closer) Close() error {
	c.closed++
	return nil
}
