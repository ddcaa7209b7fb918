//go:build !unix

package cache

import (
	"io"
	"os"
)

// mapFile falls back to a plain read on platforms without mmap support in
// this build. The returned closer is nil: nothing to release.
func mapFile(file *os.File, size int) ([]byte, func() error, error) {
	data := make([]byte, size)
	if _, readError := io.ReadFull(file, data); readError != nil {
		return nil, nil, readError
	}
	return data, nil, nil
}
