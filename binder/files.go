package binder

import (
	"fmt"
	"io"
	"sync"
	"syscall"
)

// FileTable is the descriptor table of a receiving process. Descriptors for
// the files in a transaction are reserved when the transaction is delivered
// and installed once the delivery can no longer fail.
type FileTable interface {
	Reserve() (int, error)
	Install(fd int, f io.Closer)
	Unreserve(fd int)
	Close(fd int) error
}

// FileObject is a file passed in a transaction. The descriptor the receiver
// gets for it is written as a u32 at Offset in the transaction data.
type FileObject struct {
	Offset      uint64
	File        io.Closer
	CloseOnFree bool
}

// ErrTooManyFiles is returned by MemFileTable when it is full.
var ErrTooManyFiles = fmt.Errorf("binder: file table full: %w", syscall.EMFILE)

// MemFileTable is an in-memory FileTable handing out the lowest free
// descriptor.
type MemFileTable struct {
	mu    sync.Mutex
	slots []fileSlot
	max   int
}

type fileSlot struct {
	reserved bool
	file     io.Closer
}

// NewMemFileTable returns a table holding at most limit descriptors.
func NewMemFileTable(limit int) *MemFileTable {
	return &MemFileTable{max: limit}
}

func (t *MemFileTable) Reserve() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for fd := range t.slots {
		if !t.slots[fd].reserved {
			t.slots[fd].reserved = true
			return fd, nil
		}
	}
	if len(t.slots) >= t.max {
		return -1, ErrTooManyFiles
	}
	t.slots = append(t.slots, fileSlot{reserved: true})
	return len(t.slots) - 1, nil
}

func (t *MemFileTable) Install(fd int, f io.Closer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd >= 0 && fd < len(t.slots) {
		t.slots[fd].file = f
	}
}

func (t *MemFileTable) Unreserve(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd >= 0 && fd < len(t.slots) && t.slots[fd].file == nil {
		t.slots[fd].reserved = false
	}
}

// Close closes the file behind fd and frees the descriptor.
func (t *MemFileTable) Close(fd int) error {
	t.mu.Lock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd].file == nil {
		t.mu.Unlock()
		return syscall.EBADF
	}
	f := t.slots[fd].file
	t.slots[fd] = fileSlot{}
	t.mu.Unlock()
	return f.Close()
}

// Get returns the file installed at fd.
func (t *MemFileTable) Get(fd int) (io.Closer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd].file == nil {
		return nil, false
	}
	return t.slots[fd].file, true
}

// Len returns the number of installed files.
func (t *MemFileTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.slots {
		if s.file != nil {
			n++
		}
	}
	return n
}

// preparedFiles holds descriptors reserved for one delivery.
type preparedFiles struct {
	table FileTable
	objs  []FileObject
	fds   []int
}

func prepareFiles(table FileTable, objs []FileObject) (*preparedFiles, error) {
	if len(objs) == 0 {
		return nil, nil
	}
	pf := &preparedFiles{table: table, objs: objs, fds: make([]int, 0, len(objs))}
	for range objs {
		fd, err := table.Reserve()
		if err != nil {
			pf.abort()
			return nil, err
		}
		pf.fds = append(pf.fds, fd)
	}
	return pf, nil
}

// commit patches the descriptors into the buffer and installs the files. It
// returns the descriptors to close when the buffer is freed.
func (pf *preparedFiles) commit(a *Allocation) []int {
	if pf == nil {
		return nil
	}
	var closeOnFree []int
	for i, obj := range pf.objs {
		fd := pf.fds[i]
		if err := a.writeU32(int(obj.Offset), uint32(fd)); err != nil {
			a.process.log.Warn("descriptor fixup failed")
		}
		pf.table.Install(fd, obj.File)
		if obj.CloseOnFree {
			closeOnFree = append(closeOnFree, fd)
		}
	}
	return closeOnFree
}

func (pf *preparedFiles) abort() {
	if pf == nil {
		return
	}
	for _, fd := range pf.fds {
		pf.table.Unreserve(fd)
	}
	pf.fds = nil
}
