package kernels

import "github.com/pkg/errors"

func errOutOfBounds(need int, have ...int) error {
	return errors.Errorf("index %d out of bounds for buffers of %v elements", need-1, have)
}
