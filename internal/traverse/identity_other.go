//go:build !unix

package traverse

import "io/fs"

// identityOf has no device/inode source in this build; callers fall back to
// path-based identities, which cannot detect hardlinked directory aliases
// but still terminate on symlink loops because symlinks are never descended.
func identityOf(fs.FileInfo) (identity, bool) {
	return identity{}, false
}
