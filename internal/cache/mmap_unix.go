//go:build unix

package cache

import (
	"os"

	"golang.org/x/sys/unix"
)

// mapFile maps the open file read-only and returns the bytes with an unmap
// hook. The caller must keep the mapping alive for the snapshot's lifetime.
func mapFile(file *os.File, size int) ([]byte, func() error, error) {
	data, mmapError := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if mmapError != nil {
		return nil, nil, mmapError
	}
	return data, func() error { return unix.Munmap(data) }, nil
}
