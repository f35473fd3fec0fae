package protocol

import (
	"errors"
	"fmt"

	"github.com/joshuapare/binderkit/internal/buf"
)

// Record sizes in bytes.
const (
	TransactionDataSize       = 64
	TransactionDataSecCtxSize = TransactionDataSize + 8
	FrozenStateInfoSize       = 16
	HandleCookieSize          = 12
)

// ErrShortBuffer is returned when a record does not fit in, or cannot be read
// from, the remaining bytes.
var ErrShortBuffer = errors.New("protocol: short buffer")

// TransactionData is the record that follows BC_TRANSACTION, BC_REPLY,
// BR_TRANSACTION and BR_REPLY.
//
//	0x00  target      u64  handle (commands) or node ptr (returns)
//	0x08  cookie      u64
//	0x10  code        u32
//	0x14  flags       u32
//	0x18  sender_pid  i32
//	0x1c  sender_euid u32
//	0x20  data_size   u64
//	0x28  offs_size   u64
//	0x30  buffer      u64
//	0x38  offsets     u64
type TransactionData struct {
	Target      uint64
	Cookie      uint64
	Code        uint32
	Flags       uint32
	SenderPID   int32
	SenderEUID  uint32
	DataSize    uint64
	OffsetsSize uint64
	Buffer      uint64
	Offsets     uint64
}

// Handle returns the target interpreted as a handle.
func (t *TransactionData) Handle() uint32 { return uint32(t.Target) }

// MarshalTo encodes t into the first TransactionDataSize bytes of b.
func (t *TransactionData) MarshalTo(b []byte) error {
	if len(b) < TransactionDataSize {
		return ErrShortBuffer
	}
	buf.PutU64LE(b[0x00:], t.Target)
	buf.PutU64LE(b[0x08:], t.Cookie)
	buf.PutU32LE(b[0x10:], t.Code)
	buf.PutU32LE(b[0x14:], t.Flags)
	buf.PutU32LE(b[0x18:], uint32(t.SenderPID))
	buf.PutU32LE(b[0x1c:], t.SenderEUID)
	buf.PutU64LE(b[0x20:], t.DataSize)
	buf.PutU64LE(b[0x28:], t.OffsetsSize)
	buf.PutU64LE(b[0x30:], t.Buffer)
	buf.PutU64LE(b[0x38:], t.Offsets)
	return nil
}

// ParseTransactionData decodes a TransactionData from the start of b.
func ParseTransactionData(b []byte) (TransactionData, error) {
	if len(b) < TransactionDataSize {
		return TransactionData{}, fmt.Errorf("transaction data: %w", ErrShortBuffer)
	}
	return TransactionData{
		Target:      buf.U64LE(b[0x00:]),
		Cookie:      buf.U64LE(b[0x08:]),
		Code:        buf.U32LE(b[0x10:]),
		Flags:       buf.U32LE(b[0x14:]),
		SenderPID:   buf.I32LE(b[0x18:]),
		SenderEUID:  buf.U32LE(b[0x1c:]),
		DataSize:    buf.U64LE(b[0x20:]),
		OffsetsSize: buf.U64LE(b[0x28:]),
		Buffer:      buf.U64LE(b[0x30:]),
		Offsets:     buf.U64LE(b[0x38:]),
	}, nil
}

// FrozenStateInfo is the record that follows BR_FROZEN_BINDER.
//
//	0x00  cookie    u64
//	0x08  is_frozen u32
//	0x0c  reserved  u32
type FrozenStateInfo struct {
	Cookie   uint64
	IsFrozen bool
}

// MarshalTo encodes f into the first FrozenStateInfoSize bytes of b.
func (f FrozenStateInfo) MarshalTo(b []byte) error {
	if len(b) < FrozenStateInfoSize {
		return ErrShortBuffer
	}
	var frozen uint32
	if f.IsFrozen {
		frozen = 1
	}
	buf.PutU64LE(b, f.Cookie)
	buf.PutU32LE(b[8:], frozen)
	buf.PutU32LE(b[12:], 0)
	return nil
}

// ParseFrozenStateInfo decodes a FrozenStateInfo from the start of b.
func ParseFrozenStateInfo(b []byte) (FrozenStateInfo, error) {
	if len(b) < FrozenStateInfoSize {
		return FrozenStateInfo{}, fmt.Errorf("frozen state info: %w", ErrShortBuffer)
	}
	return FrozenStateInfo{Cookie: buf.U64LE(b), IsFrozen: buf.U32LE(b[8:]) != 0}, nil
}

// HandleCookie is the packed record that follows the freeze notification
// requests: a u32 handle immediately followed by a u64 cookie.
type HandleCookie struct {
	Handle uint32
	Cookie uint64
}

// MarshalTo encodes h into the first HandleCookieSize bytes of b.
func (h HandleCookie) MarshalTo(b []byte) error {
	if len(b) < HandleCookieSize {
		return ErrShortBuffer
	}
	buf.PutU32LE(b, h.Handle)
	buf.PutU64LE(b[4:], h.Cookie)
	return nil
}

// ParseHandleCookie decodes a HandleCookie from the start of b.
func ParseHandleCookie(b []byte) (HandleCookie, error) {
	if len(b) < HandleCookieSize {
		return HandleCookie{}, fmt.Errorf("handle cookie: %w", ErrShortBuffer)
	}
	return HandleCookie{Handle: buf.U32LE(b), Cookie: buf.U64LE(b[4:])}, nil
}
