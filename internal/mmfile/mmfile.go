// Package mmfile provides the anonymous memory mappings that back transaction
// buffers.
package mmfile

import "errors"

// ErrClosed is returned when a Region is used after Close.
var ErrClosed = errors.New("mmfile: region is closed")

// Region is a fixed-size, page-aligned byte range owned by one process.
type Region struct {
	data     []byte
	pageSize int
	unmap    func([]byte) error
}

// Bytes returns the mapped range. The slice is invalid after Close.
func (r *Region) Bytes() []byte { return r.data }

// Len returns the size of the mapping in bytes.
func (r *Region) Len() int { return len(r.data) }

// PageSize returns the operating system page size used by ReleaseRange.
func (r *Region) PageSize() int { return r.pageSize }

// ReleaseRange hands the whole pages inside [off, off+n) back to the operating
// system. Partial pages at either end are kept. Released pages read as zero or
// keep their old contents depending on the platform, until written again.
func (r *Region) ReleaseRange(off, n int) error {
	if r.data == nil {
		return ErrClosed
	}
	if off < 0 || n < 0 || off+n > len(r.data) {
		return errors.New("mmfile: range out of bounds")
	}
	lo := (off + r.pageSize - 1) &^ (r.pageSize - 1)
	hi := (off + n) &^ (r.pageSize - 1)
	if lo >= hi {
		return nil
	}
	return release(r.data[lo:hi])
}

// Close unmaps the region. Calling it twice is a no-op.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}
	data := r.data
	r.data = nil
	return r.unmap(data)
}
