package rangealloc

import "github.com/joshuapare/binderkit/internal/rbtree"

// lowOnewaySpace reports whether pid alone holds more oneway buffers, or more
// oneway bytes, than the spam policy allows.
func (a *Allocator[T]) lowOnewaySpace(pid int32) bool {
	buffers, bytes := a.OnewayUsage(pid)
	return buffers > a.opts.SpamMaxBuffers || bytes > a.size/a.opts.SpamBytesDivisor
}

// OnewayUsage returns the number of oneway buffers and bytes currently held by pid.
func (a *Allocator[T]) OnewayUsage(pid int32) (buffers, bytes int) {
	a.byOffset.Ascend(func(n *rbtree.Node[int, *descriptor[T]]) bool {
		d := n.Value
		if d.state != StateFree && d.oneway && d.pid == pid {
			bytes += d.size
			buffers++
		}
		return true
	})
	return buffers, bytes
}
