package runtime

import (
	"fmt"

	"github.com/gofrs/flock"
)

// acquireInstanceLock takes the single-instance file lock, failing
// immediately when another daemon already holds it.
func acquireInstanceLock(path string) (*flock.Flock, error) {
	var lock = flock.New(path)
	var locked, err = lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring instance lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("another instance already holds %s", path)
	}
	return lock, nil
}
