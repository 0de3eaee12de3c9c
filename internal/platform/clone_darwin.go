//go:build darwin

package platform

import (
	"golang.org/x/sys/unix"
)

// tryClone attempts an APFS copy-on-write clone of src onto dst via the
// clonefile(2) syscall. It is the preferred way to materialize a store
// object into a package tree: unlike a hardlink it does not couple the
// two paths' inode, so truncating or rewriting dst later (which sps2
// never does, but a future extension might) cannot corrupt src.
func tryClone(src, dst string) (LinkMode, error) {
	if err := unix.Clonefile(src, dst, 0); err != nil {
		return LinkModeClone, err
	}
	return LinkModeClone, nil
}
