//go:build !unix

package lock

import (
	"errors"
	"os"
)

// Without flock, a companion ".held" file created with O_EXCL stands in for
// the advisory lock. A crashed holder leaves it behind and must be removed by hand.

func tryLock(f *os.File) (bool, error) {
	held, err := os.OpenFile(f.Name()+".held", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	return true, held.Close()
}

func unlock(f *os.File) error {
	err := os.Remove(f.Name() + ".held")
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
