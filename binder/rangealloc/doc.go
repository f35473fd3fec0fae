// Package rangealloc carves fixed-size buffers out of a process's transaction memory.
//
// # Overview
//
// An Allocator manages the byte range [0, size) of one mapped transaction buffer.
// Every byte belongs to exactly one extent, and each extent is in one of three
// states:
//
//   - free: available for ReserveNew
//   - reserved: handed to a sender that is still copying a payload into it
//   - allocated: committed and owned by the receiver until it frees the buffer
//
// Two free extents are never adjacent; ReservationAbort coalesces a released
// extent with its free neighbours.
//
// # Indices
//
// Extents are kept in two red-black trees:
//
//   - by offset, used for neighbour lookup while coalescing
//   - free extents by (size, offset), used for best-fit search
//
// ReserveNew picks the smallest free extent that fits, breaking ties by the
// lowest offset, and splits off the unused tail as a new free extent.
//
// # Lifecycle of a buffer
//
//	off, spam, err := a.ReserveNew(rangealloc.ReserveNewArgs{Size: n, Oneway: ow, PID: pid})
//	// copy payload into [off, off+n)
//	err = a.ReservationCommit(off, info)         // reserved -> allocated
//	...
//	size, debugID, info, err := a.ReserveExisting(off) // allocated -> reserved
//	freed, err := a.ReservationAbort(off)                // reserved -> free
//
// ReservationAbort returns the whole pages that became free, so the caller can
// hand them back to the operating system.
//
// # Oneway budget and spam detection
//
// Oneway (asynchronous) reservations may use at most half of the buffer. Once
// less than Options.LowSpaceDivisor-th of the buffer remains in that budget, each
// new oneway reservation scans the extents held by the requesting pid. When that
// pid alone holds more than Options.SpamMaxBuffers oneway buffers, or more than
// Options.SpamBytesDivisor-th of the buffer, the reservation is flagged as spam.
// The flag is advisory; the reservation still succeeds.
//
// # Preallocation
//
// ReserveNew needs at most one new extent. Callers that hold a lock around the
// allocator can build a Prealloc before taking the lock and pass it in
// ReserveNewArgs, so that the critical section performs no allocation.
//
// # Thread Safety
//
// Allocator instances are not thread-safe. The owning process serialises access
// with its allocation lock.
package rangealloc
