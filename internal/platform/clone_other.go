//go:build !darwin

package platform

import "fmt"

// tryClone has no equivalent outside APFS; non-darwin builds always
// fall through to the hardlink/copy path in LinkFile.
func tryClone(src, dst string) (LinkMode, error) {
	return LinkModeClone, fmt.Errorf("platform: clonefile not supported on this platform")
}
