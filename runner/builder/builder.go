package builder

import (
	"fmt"
	"reflect"
)

// DataType represents the element type of device data
type DataType int

const (
	Float32 DataType = iota + 1
	Float64
	INT32
	INT64
)

func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case INT32:
		return "int32"
	case INT64:
		return "int64"
	default:
		return fmt.Sprintf("DataType(%d)", int(dt))
	}
}

// SizeOfType returns the size in bytes of a data type
func SizeOfType(dt DataType) int64 {
	switch dt {
	case Float32, INT32:
		return 4
	case Float64, INT64:
		return 8
	default:
		return 0
	}
}

// InferSlice returns the element type and length of a host slice
func InferSlice(host interface{}) (DataType, int64, error) {
	switch v := host.(type) {
	case []float32:
		return Float32, int64(len(v)), nil
	case []float64:
		return Float64, int64(len(v)), nil
	case []int32:
		return INT32, int64(len(v)), nil
	case []int64:
		return INT64, int64(len(v)), nil
	}
	return 0, 0, fmt.Errorf("unsupported host type %T", host)
}

// InferScalar returns the device type of a host scalar
func InferScalar(value interface{}) (DataType, error) {
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Float32:
		return Float32, nil
	case reflect.Float64:
		return Float64, nil
	case reflect.Int32:
		return INT32, nil
	case reflect.Int, reflect.Int64:
		return INT64, nil
	}
	return 0, fmt.Errorf("unsupported scalar type %T", value)
}
