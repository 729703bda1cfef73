package host

import (
	"errors"
	"fmt"

	"github.com/gofrs/flock"
)

// ErrAlreadyRunning is returned when another host holds the lock file.
var ErrAlreadyRunning = errors.New("another host is already running")

// AcquireLock takes an exclusive lock on path for the lifetime of the host.
// Release it with Unlock.
func AcquireLock(path string) (*flock.Flock, error) {
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, path)
	}
	return fl, nil
}
