/*
Package binder implements an in-process Binder style transaction core:
processes exchange transactions through nodes, payloads are staged in a
per-process buffer, and processes can be frozen with listeners told about it.

# Quick Start

Create a context, two processes and a node:

	ctx := binder.NewContext(config.Default(), binder.WithLogger(logger))
	server, _ := ctx.NewProcess(100, 1000)
	client, _ := ctx.NewProcess(200, 1000)
	server.Mmap(0)
	client.Mmap(0)

	node, _ := server.NewNode(0x1000, 0xc0ffee, 0)
	handle := client.InsertRef(node)

Send a transaction and serve it:

	ct, _ := client.Thread(1)
	ct.Transaction(&binder.Request{Handle: handle, Code: 1, Data: payload})

	st, _ := server.Thread(1)
	rb := make([]byte, 256)
	n, _ := st.Read(rb)
	events, _ := protocol.DecodeReturns(rb[:n])
	// events: BR_NOOP, BR_TRANSACTION
	st.Reply(&binder.Request{Data: answer})
	st.FreeBuffer(events[1].Txn.Buffer)

# Threads and Work

Each Thread has its own queue and each Process has a shared one. Read
drains the thread's queue first and takes from the process queue only when
the thread is not in the middle of a transaction. Read never blocks; Wait
does. Replies and BR_TRANSACTION_COMPLETE always go to the sending thread.

A sync transaction is routed to a thread of the target that is already part
of the transaction stack, so nested calls come back to the thread waiting
for them.

# Buffers

Payloads are copied into the receiver's buffer at submit time, laid out as
data, offsets and security context, each aligned to 8 bytes. The receiver
owns the buffer once the transaction is delivered and returns it with
FreeBuffer. Oneway transactions are limited to half the buffer, and a node
has at most one oneway transaction in flight: the next is released when the
previous buffer is freed.

# Freezing

Freeze waits for in-flight transactions to drain and then refuses sync
transactions with BR_FROZEN_REPLY, while oneway transactions queue up and
complete with BR_TRANSACTION_PENDING_FROZEN. Processes holding a handle can
register a cookie with RequestFreezeNotification and receive
BR_FROZEN_BINDER on every state change, acknowledged with
FreezeNotificationDone.

# Wire Commands

Thread.Write accepts the BC_* commands of package protocol, and Read
produces BR_* return codes in the same encoding. The Go methods and the
wire commands share one implementation.

# Error Handling

Errors wrap syscall errno values, so both the sentinels and errno checks
work:

	if errors.Is(err, binder.ErrDead) || errors.Is(err, syscall.ESRCH) { ... }

A failed transaction also queues its return code for the sending thread:
BR_DEAD_REPLY, BR_FROZEN_REPLY, BR_TRANSACTION_PENDING_FROZEN or
BR_FAILED_REPLY. ReplyError carries that code.

# Thread Safety

All exported methods are safe for concurrent use. A single Thread is meant
to be driven by one goroutine at a time, as a real thread would be.
*/
package binder
