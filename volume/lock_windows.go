//go:build windows

package volume

import (
	"os"

	"golang.org/x/sys/windows"
)

// lockExclusive and unlockExclusive use LockFileEx/UnlockFileEx, the
// Windows counterpart to the unix flock used by lock_unix.go.
func lockExclusive(f *os.File) error {
	ol := new(windows.Overlapped)
	return windows.LockFileEx(windows.Handle(f.Fd()), windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, ol)
}

func unlockExclusive(f *os.File) error {
	ol := new(windows.Overlapped)
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, 1, 0, ol)
}
