//go:build !darwin

package platform

import "fmt"

// RenameSwap has no portable equivalent; non-darwin builds must use the
// journaled emulation instead (see statemgr's swap journal).
func RenameSwap(a, b string) error {
	return fmt.Errorf("platform: atomic rename-swap not supported on this platform")
}

// SwapSupported is always false outside darwin.
func SwapSupported() bool { return false }
