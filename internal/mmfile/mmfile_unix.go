//go:build linux || darwin || freebsd || netbsd || openbsd

package mmfile

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Map creates a private anonymous read-write mapping of size bytes, rounded up
// to a whole number of pages.
func Map(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mmfile: invalid mapping size %d", size)
	}
	ps := unix.Getpagesize()
	size = (size + ps - 1) &^ (ps - 1)
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmfile: mmap %d bytes: %w", size, err)
	}
	return &Region{data: data, pageSize: ps, unmap: unix.Munmap}, nil
}

func release(b []byte) error {
	return unix.Madvise(b, unix.MADV_DONTNEED)
}
