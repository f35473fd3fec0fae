package protocol

import (
	"fmt"

	"github.com/joshuapare/binderkit/internal/buf"
)

// CommandReader walks a write buffer one command at a time.
type CommandReader struct {
	buf []byte
	pos int
}

// NewCommandReader returns a reader over b.
func NewCommandReader(b []byte) *CommandReader { return &CommandReader{buf: b} }

// Consumed returns the number of bytes fully processed.
func (r *CommandReader) Consumed() int { return r.pos }

// More reports whether unread bytes remain.
func (r *CommandReader) More() bool { return r.pos < len(r.buf) }

// Next returns the next command and its record. The read position only
// advances past commands that were returned without error.
func (r *CommandReader) Next() (Command, []byte, error) {
	raw, ok := buf.Slice(r.buf, r.pos, 4)
	if !ok {
		return 0, nil, fmt.Errorf("command header at %d: %w", r.pos, ErrShortBuffer)
	}
	cmd := Command(buf.U32LE(raw))
	payload, ok := buf.Slice(r.buf, r.pos+4, cmd.PayloadSize())
	if !ok {
		return cmd, nil, fmt.Errorf("%v record at %d: %w", cmd, r.pos, ErrShortBuffer)
	}
	r.pos += 4 + len(payload)
	return cmd, payload, nil
}

// CommandBuffer builds a write buffer.
type CommandBuffer struct {
	b []byte
}

// Bytes returns the encoded commands.
func (c *CommandBuffer) Bytes() []byte { return c.b }

func (c *CommandBuffer) grow(cmd Command) []byte {
	n := len(c.b)
	c.b = append(c.b, make([]byte, 4+cmd.PayloadSize())...)
	buf.PutU32LE(c.b[n:], uint32(cmd))
	return c.b[n+4:]
}

// Transaction appends BC_TRANSACTION or BC_REPLY with td.
func (c *CommandBuffer) Transaction(cmd Command, td TransactionData) *CommandBuffer {
	_ = td.MarshalTo(c.grow(cmd))
	return c
}

// FreeBuffer appends BC_FREE_BUFFER for the buffer at addr.
func (c *CommandBuffer) FreeBuffer(addr uint64) *CommandBuffer {
	buf.PutU64LE(c.grow(BCFreeBuffer), addr)
	return c
}

// HandleCookie appends a freeze notification request or clear.
func (c *CommandBuffer) HandleCookie(cmd Command, hc HandleCookie) *CommandBuffer {
	_ = hc.MarshalTo(c.grow(cmd))
	return c
}

// FreezeNotificationDone appends BC_FREEZE_NOTIFICATION_DONE for cookie.
func (c *CommandBuffer) FreezeNotificationDone(cookie uint64) *CommandBuffer {
	buf.PutU64LE(c.grow(BCFreezeNotificationDone), cookie)
	return c
}

// Code appends a command that carries no record.
func (c *CommandBuffer) Code(cmd Command) *CommandBuffer {
	c.grow(cmd)
	return c
}

// Event is one decoded return code.
type Event struct {
	Code   Return
	Txn    *TransactionData
	SecCtx uint64
	Frozen *FrozenStateInfo
	Cookie uint64
}

func (e Event) String() string {
	switch {
	case e.Txn != nil:
		return fmt.Sprintf("%v code=%d flags=%#x target=%#x size=%d", e.Code, e.Txn.Code, e.Txn.Flags, e.Txn.Target, e.Txn.DataSize)
	case e.Frozen != nil:
		return fmt.Sprintf("%v cookie=%#x frozen=%t", e.Code, e.Frozen.Cookie, e.Frozen.IsFrozen)
	case e.Code == BRClearFreezeNotificationDone:
		return fmt.Sprintf("%v cookie=%#x", e.Code, e.Cookie)
	default:
		return e.Code.String()
	}
}

// DecodeReturns splits a filled read buffer into events.
func DecodeReturns(b []byte) ([]Event, error) {
	var out []Event
	for pos := 0; pos < len(b); {
		raw, ok := buf.Slice(b, pos, 4)
		if !ok {
			return out, fmt.Errorf("return header at %d: %w", pos, ErrShortBuffer)
		}
		code := Return(buf.U32LE(raw))
		if !code.Known() {
			return out, fmt.Errorf("unknown return code %#x at %d", uint32(code), pos)
		}
		payload, ok := buf.Slice(b, pos+4, code.PayloadSize())
		if !ok {
			return out, fmt.Errorf("%v record at %d: %w", code, pos, ErrShortBuffer)
		}
		ev := Event{Code: code}
		switch code {
		case BRTransaction, BRTransactionSecCtx, BRReply:
			td, err := ParseTransactionData(payload)
			if err != nil {
				return out, err
			}
			ev.Txn = &td
			if code == BRTransactionSecCtx {
				ev.SecCtx = buf.U64LE(payload[TransactionDataSize:])
			}
		case BRFrozenBinder:
			info, err := ParseFrozenStateInfo(payload)
			if err != nil {
				return out, err
			}
			ev.Frozen = &info
		case BRClearFreezeNotificationDone:
			ev.Cookie = buf.U64LE(payload)
		}
		out = append(out, ev)
		pos += 4 + len(payload)
	}
	return out, nil
}
