//go:build !unix && !windows

package disk

import "os"

func LockFileShared(_ *os.File) error {
	return nil
}

func UnlockFile(_ *os.File) error {
	return nil
}
