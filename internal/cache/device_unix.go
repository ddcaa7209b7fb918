//go:build unix

package cache

import "golang.org/x/sys/unix"

func volumeDevice(path string) uint64 {
	var status unix.Stat_t
	if statError := unix.Stat(path, &status); statError != nil {
		return 0
	}
	return uint64(status.Dev)
}
