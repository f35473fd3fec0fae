package binder

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/joshuapare/binderkit/internal/buf"
	"github.com/joshuapare/binderkit/internal/protocol"
)

// Write processes the commands in b and returns the number of bytes
// consumed. A command that fails is not counted as consumed. Payloads referenced by BC_TRANSACTION and BC_REPLY are read from
// mem at the addresses in the record.
//
// Transaction failures do not stop Write; they are reported through Read
// like any other return code. Malformed commands and rejected freeze
// notification commands stop it with an error.
func (th *Thread) Write(b []byte, mem io.ReaderAt) (int, error) {
	r := protocol.NewCommandReader(b)
	for r.More() {
		done := r.Consumed()
		cmd, payload, err := r.Next()
		if err != nil {
			return done, err
		}
		if err := th.dispatch(cmd, payload, mem); err != nil {
			return done, err
		}
	}
	return r.Consumed(), nil
}

func (th *Thread) dispatch(cmd protocol.Command, payload []byte, mem io.ReaderAt) error {
	p := th.process
	switch cmd {
	case protocol.BCTransaction, protocol.BCReply:
		td, err := protocol.ParseTransactionData(payload)
		if err != nil {
			return err
		}
		req, err := requestFromRecord(&td, mem)
		if err != nil {
			// Same outcome as a failed copy from the sender's memory.
			p.recordCommand(cmd)
			th.pushReturnWork(protocol.BRFailedReply)
			th.log.Warn("transaction payload unreadable", zap.Stringer("cmd", cmd), zap.Error(err))
			return nil
		}
		if cmd == protocol.BCReply {
			_ = th.Reply(req)
		} else {
			_ = th.Transaction(req)
		}
	case protocol.BCFreeBuffer:
		_ = th.FreeBuffer(buf.U64LE(payload))
	case protocol.BCRequestFreezeNotification:
		hc, err := protocol.ParseHandleCookie(payload)
		if err != nil {
			return err
		}
		return p.RequestFreezeNotification(hc.Handle, hc.Cookie)
	case protocol.BCClearFreezeNotification:
		hc, err := protocol.ParseHandleCookie(payload)
		if err != nil {
			return err
		}
		return p.ClearFreezeNotification(hc.Handle, hc.Cookie)
	case protocol.BCFreezeNotificationDone:
		return p.FreezeNotificationDone(buf.U64LE(payload))
	case protocol.BCRegisterLooper, protocol.BCEnterLooper, protocol.BCExitLooper:
		p.recordCommand(cmd)
		th.setLooper(cmd)
	default:
		return fmt.Errorf("%w: %#x", ErrUnknownCommand, uint32(cmd))
	}
	return nil
}

// requestFromRecord reads the data and offsets a transaction record points
// at.
func requestFromRecord(td *protocol.TransactionData, mem io.ReaderAt) (*Request, error) {
	if td.DataSize > maxMappingSize || td.OffsetsSize > maxMappingSize {
		return nil, fmt.Errorf("payload of %d+%d bytes: %w", td.DataSize, td.OffsetsSize, ErrBadAddress)
	}
	if td.OffsetsSize%ptrSize != 0 {
		return nil, ErrBadOffset
	}
	req := &Request{
		Handle: td.Handle(),
		Code:   td.Code,
		Flags:  td.Flags,
	}
	var err error
	if req.Data, err = readMem(mem, td.Buffer, int(td.DataSize)); err != nil {
		return nil, err
	}
	raw, err := readMem(mem, td.Offsets, int(td.OffsetsSize))
	if err != nil {
		return nil, err
	}
	for i := 0; i < len(raw); i += ptrSize {
		req.Offsets = append(req.Offsets, buf.U64LE(raw[i:]))
	}
	return req, nil
}

func readMem(mem io.ReaderAt, addr uint64, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if mem == nil || addr > 1<<62 {
		return nil, ErrBadAddress
	}
	out := make([]byte, n)
	got, err := mem.ReadAt(out, int64(addr))
	switch {
	case got == n:
		return out, nil
	case err == nil, errors.Is(err, io.EOF):
		return nil, ErrBadAddress
	default:
		return nil, err
	}
}
