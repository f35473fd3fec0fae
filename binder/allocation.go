package binder

import (
	"go.uber.org/zap"

	"github.com/joshuapare/binderkit/binder/rangealloc"
	"github.com/joshuapare/binderkit/internal/buf"
	"github.com/joshuapare/binderkit/internal/mmfile"
)

const (
	// maxMappingSize caps the transaction buffer of one process.
	maxMappingSize = 4 << 20

	// mappingBase is the address of the first process mapping. Each pid gets
	// its own window of mappingStride bytes above it.
	mappingBase   = 0x7f00_0000_0000
	mappingStride = 1 << 24
)

// allocationInfo is what a committed buffer remembers until it is freed.
type allocationInfo struct {
	onewayNode  *Node
	clearOnFree bool
	closeOnFree []int
}

type mapping struct {
	address uint64
	region  *mmfile.Region
	alloc   *rangealloc.Allocator[*allocationInfo]
}

// Allocation is a reserved buffer range in a process mapping. Go has no
// destructors, so whoever holds an Allocation must end it with free or
// keepAlive.
type Allocation struct {
	process    *Process
	offset     int
	size       int
	ptr        uint64
	debugID    uint64
	onewaySpam bool

	info       *allocationInfo
	freeOnDrop bool
}

func (a *Allocation) infoOrNew() *allocationInfo {
	if a.info == nil {
		a.info = &allocationInfo{}
	}
	return a.info
}

// write copies src into the allocation at off.
func (a *Allocation) write(off int, src []byte) error {
	end, ok := buf.AddOverflowSafe(off, len(src))
	if !ok || off < 0 || end > a.size {
		return ErrBadAddress
	}
	return a.process.writeBuffer(a.offset+off, src)
}

func (a *Allocation) writeU32(off int, v uint32) error {
	var b [4]byte
	buf.PutU32LE(b[:], v)
	return a.write(off, b[:])
}

// keepAlive hands the allocation to the receiving process. It stays allocated
// until the receiver frees it.
func (a *Allocation) keepAlive() {
	a.process.bufferMakeFreeable(a.offset, a.infoOrNew())
	a.info = nil
	a.freeOnDrop = false
}

// free runs the cleanup recorded in the allocation info and returns the range
// to the allocator.
func (a *Allocation) free() {
	if !a.freeOnDrop {
		return
	}
	a.freeOnDrop = false
	if info := a.info; info != nil {
		a.info = nil
		if info.onewayNode != nil {
			info.onewayNode.pendingOnewayFinished()
		}
		if len(info.closeOnFree) > 0 {
			files := a.process.fileTable()
			for _, fd := range info.closeOnFree {
				if err := files.Close(fd); err != nil {
					a.process.log.Warn("close on free failed", zap.Int("fd", fd), zap.Error(err))
				}
			}
		}
		if info.clearOnFree {
			if err := a.process.clearBuffer(a.offset, a.size); err != nil {
				a.process.log.Debug("clear on free skipped", zap.Uint64("debug_id", a.debugID), zap.Error(err))
			}
		}
	}
	a.process.bufferRawFree(a.ptr)
}

// Mmap maps the process's transaction buffer. Sizes above 4 MiB are capped;
// zero or a negative size uses the configured default. It returns the
// address the buffer's ptr values are relative to.
func (p *Process) Mmap(size int) (uint64, error) {
	if size <= 0 {
		size = p.ctx.cfg.Buffer.Size
	}
	size = min(size, maxMappingSize)

	p.allocMu.Lock()
	defer p.allocMu.Unlock()
	if p.mapped {
		return 0, ErrAlreadyMapped
	}
	alloc, err := rangealloc.New[*allocationInfo](size, &rangealloc.Options{
		PageSize:         p.ctx.cfg.Buffer.PageSize,
		SpamMaxBuffers:   p.ctx.cfg.Spam.MaxBuffers,
		SpamBytesDivisor: p.ctx.cfg.Spam.BytesDivisor,
		LowSpaceDivisor:  p.ctx.cfg.Spam.LowSpaceDivisor,
		Logger:           p.log,
	})
	if err != nil {
		return 0, err
	}
	region, err := mmfile.Map(size)
	if err != nil {
		return 0, err
	}
	p.mapped = true
	p.mapping = &mapping{
		address: mappingBase + uint64(uint32(p.pid))*mappingStride,
		region:  region,
		alloc:   alloc,
	}
	p.log.Debug("buffer mapped", zap.Int("size", size), zap.Uint64("address", p.mapping.address))
	return p.mapping.address, nil
}

// bufferAlloc reserves size bytes for a transaction sent by fromPID.
func (p *Process) bufferAlloc(debugID uint64, size int, oneway bool, fromPID int32) (*Allocation, error) {
	pre := rangealloc.NewPrealloc[*allocationInfo]()

	p.allocMu.Lock()
	m := p.mapping
	if m == nil {
		p.allocMu.Unlock()
		return nil, errDeadReply
	}
	off, spam, err := m.alloc.ReserveNew(rangealloc.ReserveNewArgs[*allocationInfo]{
		Size:     size,
		Oneway:   oneway,
		PID:      fromPID,
		DebugID:  debugID,
		Prealloc: pre,
	})
	p.allocMu.Unlock()
	if err != nil {
		p.log.Debug("failed to allocate buffer",
			zap.Int("size", size),
			zap.Bool("oneway", oneway),
			zap.Int32("from_pid", fromPID),
			zap.Error(err))
		return nil, &ReplyError{Reply: replyCode(err), Err: err}
	}
	if spam {
		p.ctx.metrics.Spam()
	}
	return &Allocation{
		process:    p,
		offset:     off,
		size:       size,
		ptr:        m.address + uint64(off),
		debugID:    debugID,
		onewaySpam: spam,
		freeOnDrop: true,
	}, nil
}

func (p *Process) bufferMakeFreeable(offset int, info *allocationInfo) {
	p.allocMu.Lock()
	defer p.allocMu.Unlock()
	if p.mapping == nil {
		return
	}
	if err := p.mapping.alloc.ReservationCommit(offset, info); err != nil {
		p.log.Warn("commit of delivered buffer failed", zap.Int("offset", offset), zap.Error(err))
	}
}

// bufferGet takes back a delivered buffer for freeing.
func (p *Process) bufferGet(ptr uint64) (*Allocation, error) {
	p.allocMu.Lock()
	defer p.allocMu.Unlock()
	m := p.mapping
	if m == nil {
		return nil, ErrDead
	}
	if ptr < m.address || ptr-m.address >= uint64(m.alloc.Size()) {
		return nil, ErrBadAddress
	}
	off := int(ptr - m.address)
	size, debugID, info, err := m.alloc.ReserveExisting(off)
	if err != nil {
		return nil, err
	}
	return &Allocation{
		process:    p,
		offset:     off,
		size:       size,
		ptr:        ptr,
		debugID:    debugID,
		info:       info,
		freeOnDrop: true,
	}, nil
}

func (p *Process) bufferRawFree(ptr uint64) {
	p.allocMu.Lock()
	defer p.allocMu.Unlock()
	m := p.mapping
	if m == nil || ptr < m.address {
		return
	}
	off := int(ptr - m.address)
	freed, err := m.alloc.ReservationAbort(off)
	if err != nil {
		p.log.Warn("free of unreserved buffer", zap.Uint64("ptr", ptr), zap.Error(err))
		return
	}
	if freed.Empty() {
		return
	}
	ps := m.alloc.PageSize()
	start := freed.StartPage * ps
	end := min(freed.EndPage*ps, m.region.Len())
	if err := m.region.ReleaseRange(start, end-start); err != nil {
		p.log.Debug("page release failed", zap.Error(err))
	}
}

func (p *Process) writeBuffer(offset int, src []byte) error {
	p.allocMu.Lock()
	defer p.allocMu.Unlock()
	if p.mapping == nil {
		return errDeadReply
	}
	dst, ok := buf.Slice(p.mapping.region.Bytes(), offset, len(src))
	if !ok {
		return ErrBadAddress
	}
	copy(dst, src)
	return nil
}

func (p *Process) clearBuffer(offset, n int) error {
	p.allocMu.Lock()
	defer p.allocMu.Unlock()
	if p.mapping == nil {
		return ErrDead
	}
	b, ok := buf.Slice(p.mapping.region.Bytes(), offset, n)
	if !ok {
		return ErrBadAddress
	}
	clear(b)
	return nil
}

// ReadBuffer copies n bytes of the mapped buffer starting at addr.
func (p *Process) ReadBuffer(addr uint64, n int) ([]byte, error) {
	p.allocMu.Lock()
	defer p.allocMu.Unlock()
	m := p.mapping
	if m == nil {
		return nil, ErrDead
	}
	if addr < m.address || addr-m.address > uint64(m.alloc.Size()) {
		return nil, ErrBadAddress
	}
	off := int(addr - m.address)
	if n < 0 || off+n > m.alloc.Size() {
		return nil, ErrBadAddress
	}
	out := make([]byte, n)
	copy(out, m.region.Bytes()[off:off+n])
	return out, nil
}

// Extents returns a snapshot of the buffer layout, or nil when unmapped.
func (p *Process) Extents() []rangealloc.Extent {
	p.allocMu.Lock()
	defer p.allocMu.Unlock()
	if p.mapping == nil {
		return nil
	}
	return p.mapping.alloc.Extents()
}

// FreeOnewaySpace returns the remaining oneway budget of the buffer.
func (p *Process) FreeOnewaySpace() int {
	p.allocMu.Lock()
	defer p.allocMu.Unlock()
	if p.mapping == nil {
		return 0
	}
	return p.mapping.alloc.FreeOnewaySpace()
}

// releaseMapping unmaps the buffer of a dying process and runs the cleanup of
// every buffer still held by it.
func (p *Process) releaseMapping() {
	p.allocMu.Lock()
	m := p.mapping
	p.mapping = nil
	p.allocMu.Unlock()
	if m == nil {
		return
	}
	m.alloc.TakeForEach(func(offset, size int, debugID uint64, info *allocationInfo) {
		p.log.Debug("removing orphan buffer", zap.Uint64("debug_id", debugID), zap.Int("offset", offset), zap.Int("size", size))
		a := &Allocation{
			process:    p,
			offset:     offset,
			size:       size,
			ptr:        m.address + uint64(offset),
			debugID:    debugID,
			info:       info,
			freeOnDrop: true,
		}
		a.free()
	})
	if err := m.region.Close(); err != nil {
		p.log.Warn("unmap failed", zap.Error(err))
	}
}
