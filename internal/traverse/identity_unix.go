//go:build unix

package traverse

import (
	"io/fs"
	"syscall"
)

// identityOf extracts the (device, inode) pair from a directory's FileInfo.
func identityOf(information fs.FileInfo) (identity, bool) {
	status, ok := information.Sys().(*syscall.Stat_t)
	if !ok || status == nil {
		return identity{}, false
	}
	return identity{device: uint64(status.Dev), inode: uint64(status.Ino)}, true
}
