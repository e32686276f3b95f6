package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var ErrLocked = errors.New("file is locked by another process")

// ReadFile reads the whole file while holding a shared advisory lock on it, so
// that a concurrent writer holding an exclusive lock is never observed
// half-way through.
func ReadFile(path string) ([]byte, error) {
	path = filepath.Clean(path)

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	if err := LockFileShared(file); err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	defer func() { _ = UnlockFile(file) }()

	return io.ReadAll(file)
}
