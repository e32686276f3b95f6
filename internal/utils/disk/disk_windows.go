//go:build windows

package disk

import (
	"errors"
	"os"

	"golang.org/x/sys/windows"
)

func LockFileShared(file *os.File) error {
	return lockFile(file, windows.LOCKFILE_FAIL_IMMEDIATELY)
}

func UnlockFile(file *os.File) error {
	var overlapped windows.Overlapped
	return windows.UnlockFileEx(
		windows.Handle(file.Fd()),
		0, 1, 0,
		&overlapped,
	)
}

func lockFile(file *os.File, flags uint32) error {
	var overlapped windows.Overlapped
	err := windows.LockFileEx(
		windows.Handle(file.Fd()),
		flags,
		0, 1, 0,
		&overlapped,
	)
	if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
		return ErrLocked
	}
	return err
}
