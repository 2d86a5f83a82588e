package ring

import (
	"errors"
	"fmt"
)

// MaxSize is the largest supported ring size.
const MaxSize = 1 << 16

// ErrSizeInvalid is returned when a ring size is invalid.
var ErrSizeInvalid = errors.New("ring size is invalid")

// CheckSize checks if the given value would be a valid size for a ring and
// returns an [ErrSizeInvalid], if not.
func CheckSize(size int) error {
	if size <= 0 {
		return fmt.Errorf("%w: %d is too small", ErrSizeInvalid, size)
	}

	// Masking free-running indices only works for powers of 2.
	if size&(size-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of 2", ErrSizeInvalid, size)
	}

	if size > MaxSize {
		return fmt.Errorf("%w: %d is larger than the maximum possible ring size %d",
			ErrSizeInvalid, size, MaxSize)
	}

	return nil
}
