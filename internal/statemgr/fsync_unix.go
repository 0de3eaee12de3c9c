//go:build unix

package statemgr

import "os"

// fsyncDir flushes a directory's metadata to stable storage, ensuring
// everything staged under it survives a crash before the activation
// swap makes it live.
func fsyncDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return f.Sync()
}
