package runner

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Operator folds downloaded partial results into one value
type Operator int

const (
	Sum Operator = iota
	Max
	Min
)

func (op Operator) String() string {
	switch op {
	case Sum:
		return "sum"
	case Max:
		return "max"
	case Min:
		return "min"
	default:
		return fmt.Sprintf("Operator(%d)", int(op))
	}
}

// Fold combines values with op. Sum accumulates in index order so a fixed
// partition always yields the same bits.
func (op Operator) Fold(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, errors.New("no values to reduce")
	}
	switch op {
	case Sum:
		var total float64
		for _, v := range values {
			total += v
		}
		return total, nil
	case Max:
		return floats.Max(values), nil
	case Min:
		return floats.Min(values), nil
	}
	return 0, errors.Errorf("unknown reduction operator %s", op)
}

// Reduce downloads the named arrays and folds their elements with op. Arrays
// are concatenated in argument order, elements in index order.
func (s *Session) Reduce(op Operator, names ...string) (float64, error) {
	if len(names) == 0 {
		return 0, stageError(StageReduce, errors.New("no arrays to reduce"))
	}
	var values []float64
	for _, name := range names {
		host, err := CopyArrayToHost[float64](s, name)
		if err != nil {
			return 0, err
		}
		values = append(values, host...)
	}
	result, err := op.Fold(values)
	if err != nil {
		return 0, stageError(StageReduce, err)
	}
	return result, nil
}
