//go:build linux || darwin || freebsd || netbsd || openbsd

package sessions

import "golang.org/x/sys/unix"

// lockMemory locks the provided byte slice into RAM to avoid paging to disk.
func lockMemory(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Mlock(b)
}

// unlockMemory unlocks a previously locked memory region.
func unlockMemory(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munlock(b)
}
