package binder

import (
	"sync/atomic"

	"github.com/joshuapare/binderkit/internal/protocol"
	"github.com/joshuapare/binderkit/internal/worklist"
)

// workItem is anything that can sit on a thread or process work queue.
type workItem interface {
	worklist.Item

	// doWork writes the item into a read buffer. The result reports whether
	// the reader should keep draining work into the same buffer.
	doWork(th *Thread, w *protocol.Writer) (bool, error)

	// cancel releases the item without delivering it.
	cancel()
}

// deliverCode delivers a bare return code. A skipped code is dequeued
// without writing anything.
type deliverCode struct {
	worklist.Links
	code    protocol.Return
	skipped atomic.Bool
}

func newDeliverCode(code protocol.Return) *deliverCode {
	return &deliverCode{code: code}
}

func (d *deliverCode) skip() { d.skipped.Store(true) }

func (d *deliverCode) doWork(_ *Thread, w *protocol.Writer) (bool, error) {
	if !d.skipped.Load() {
		if err := w.WriteCode(d.code); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (d *deliverCode) cancel() {}
