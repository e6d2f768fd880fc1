//go:build windows

package ace

import (
	"os"
)

// acquirePassLock is a no-op on Windows. Cross-process advisory locking
// is not supported there; the manager's in-process mutex still serializes
// passes within a single process.
func acquirePassLock(lockPath string, block bool) (*os.File, error) {
	return nil, nil
}

// releasePassLock is a no-op on Windows.
func releasePassLock(lockFile *os.File) {
}
