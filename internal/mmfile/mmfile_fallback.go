//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package mmfile

import (
	"fmt"
	"os"
)

// Map allocates size bytes from the Go heap when mmap is not available.
func Map(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mmfile: invalid mapping size %d", size)
	}
	ps := os.Getpagesize()
	size = (size + ps - 1) &^ (ps - 1)
	return &Region{
		data:     make([]byte, size),
		pageSize: ps,
		unmap:    func([]byte) error { return nil },
	}, nil
}

func release(b []byte) error {
	clear(b)
	return nil
}
