package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockFile guards a data directory against concurrent writers.
const LockFile = "feederwatch.lock"

// ErrLocked is returned when another process holds the data directory.
var ErrLocked = errors.New("data directory is locked by another feederwatch process")

// LockDataDir takes the exclusive lock on dataPath, creating the directory
// if needed. Release it with Unlock.
func LockDataDir(dataPath string) (*flock.Flock, error) {
	if err := os.MkdirAll(dataPath, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	lock := flock.New(filepath.Join(dataPath, LockFile))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dataPath)
	}
	return lock, nil
}
