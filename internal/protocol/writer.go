package protocol

import (
	"github.com/joshuapare/binderkit/internal/buf"
)

// Writer appends return codes and their records to a caller-supplied read
// buffer. Every write is all or nothing: a record that does not fit leaves the
// buffer untouched and reports ErrShortBuffer.
type Writer struct {
	buf []byte
	pos int

	// OnCode, when set, is called after each successfully written code.
	OnCode func(Return)
}

// NewWriter returns a Writer that fills b from the start.
func NewWriter(b []byte) *Writer { return &Writer{buf: b} }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return w.pos }

// Available returns the number of bytes left.
func (w *Writer) Available() int { return len(w.buf) - w.pos }

// Bytes returns the written prefix of the buffer.
func (w *Writer) Bytes() []byte { return w.buf[:w.pos] }

func (w *Writer) reserve(code Return) ([]byte, bool) {
	b, ok := buf.Slice(w.buf, w.pos, 4+code.PayloadSize())
	if !ok {
		return nil, false
	}
	buf.PutU32LE(b, uint32(code))
	return b[4:], true
}

func (w *Writer) commit(code Return) {
	w.pos += 4 + code.PayloadSize()
	if w.OnCode != nil {
		w.OnCode(code)
	}
}

// WriteCode writes a code that carries no record.
func (w *Writer) WriteCode(code Return) error {
	if _, ok := w.reserve(code); !ok {
		return ErrShortBuffer
	}
	w.commit(code)
	return nil
}

// WriteTransaction writes BR_TRANSACTION, BR_TRANSACTION_SEC_CTX or BR_REPLY
// followed by td. secctx is only written for BR_TRANSACTION_SEC_CTX.
func (w *Writer) WriteTransaction(code Return, td *TransactionData, secctx uint64) error {
	b, ok := w.reserve(code)
	if !ok {
		return ErrShortBuffer
	}
	if err := td.MarshalTo(b); err != nil {
		return err
	}
	if code == BRTransactionSecCtx {
		buf.PutU64LE(b[TransactionDataSize:], secctx)
	}
	w.commit(code)
	return nil
}

// WriteFrozenState writes BR_FROZEN_BINDER followed by info.
func (w *Writer) WriteFrozenState(info FrozenStateInfo) error {
	b, ok := w.reserve(BRFrozenBinder)
	if !ok {
		return ErrShortBuffer
	}
	if err := info.MarshalTo(b); err != nil {
		return err
	}
	w.commit(BRFrozenBinder)
	return nil
}

// WriteCookie writes a code whose record is a single u64 cookie.
func (w *Writer) WriteCookie(code Return, cookie uint64) error {
	b, ok := w.reserve(code)
	if !ok || len(b) < 8 {
		return ErrShortBuffer
	}
	buf.PutU64LE(b, cookie)
	w.commit(code)
	return nil
}
