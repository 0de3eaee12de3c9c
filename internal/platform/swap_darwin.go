//go:build darwin

package platform

import (
	"golang.org/x/sys/unix"
)

// RenameSwap atomically exchanges the directory entries at a and b using
// renamex_np(2) with RENAME_SWAP. Both paths must already exist; after a
// successful call the names are swapped with no window where either is
// missing, which is what lets state activation flip "live" to a new
// state's content without a reader ever seeing a half-built prefix.
func RenameSwap(a, b string) error {
	return unix.Renamex_np(a, b, unix.RENAME_SWAP)
}

// SwapSupported reports whether the native atomic swap is available. On
// darwin it always is; statemgr uses this to choose between RenameSwap
// and the three-rename EmulatedSwap in platform.go.
func SwapSupported() bool { return true }
