//go:build !windows

package ace

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/XiaoConstantine/ace-go/pkg/errors"
)

// acquirePassLock takes the exclusive advisory lock that serializes
// curation passes over a store file. The lock lives in a sidecar file so
// the store itself can still be atomically replaced while held. With
// block=false the call fails fast with a LockFailed error when another
// process already holds the lock.
func acquirePassLock(lockPath string, block bool) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return nil, err
	}

	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	how := syscall.LOCK_EX
	if !block {
		how |= syscall.LOCK_NB
	}
	if err := syscall.Flock(int(lockFile.Fd()), how); err != nil {
		lockFile.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, errors.WithFields(
				errors.New(errors.LockFailed, "store is locked by another curation pass"),
				errors.Fields{"lock_path": lockPath},
			)
		}
		return nil, errors.Wrap(err, errors.LockFailed, "failed to acquire store lock")
	}

	return lockFile, nil
}

// releasePassLock releases a lock acquired by acquirePassLock.
func releasePassLock(lockFile *os.File) {
	if lockFile != nil {
		_ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)
		lockFile.Close()
	}
}
