//go:build unix

package filestore

import (
	"os"
	"syscall"
)

// deviceID extracts the filesystem device id from a FileInfo's
// underlying syscall.Stat_t, used to confirm the store and live prefix
// share a filesystem.
func deviceID(info os.FileInfo) (uint64, bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return uint64(stat.Dev), true
}
