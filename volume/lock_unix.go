//go:build linux || darwin || freebsd || openbsd || netbsd || solaris

package volume

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockExclusive and unlockExclusive use an advisory BSD flock so two engine
// processes never open the same volume file concurrently, the same
// per-OS-build-tag split FiloDB uses for its mmap syscalls.
func lockExclusive(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func unlockExclusive(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
