package host

import (
	"unsafe"

	"github.com/pkg/errors"
)

// Group is the execution context of one work group. Work items of a group run
// inside a single Invoke call, so group-local memory needs no barrier.
type Group struct {
	ID        int
	Size      int
	NumGroups int
}

// GlobalID returns the global index of a local work item
func (g Group) GlobalID(local int) int {
	return g.ID*g.Size + local
}

// Kernel is a compute function executed once per work group
type Kernel interface {
	Invoke(g Group, args Args) error
}

// KernelFunc adapts a plain function into a Kernel
type KernelFunc func(g Group, args Args) error

func (f KernelFunc) Invoke(g Group, args Args) error {
	return f(g, args)
}

// Library maps entry point names to their Go implementations
type Library map[string]Kernel

// Memory is a view of host memory usable as a kernel memory argument. The
// host backend hands one to each group for every device.LocalMem argument.
type Memory struct {
	ptr   unsafe.Pointer
	bytes int64
}

func newScratch(bytes int64) *Memory {
	words := make([]uint64, (bytes+7)/8)
	return &Memory{ptr: unsafe.Pointer(&words[0]), bytes: bytes}
}

// View wraps a host slice so it can be passed directly to a Kernel
func View[T float32 | float64 | int32 | int64](s []T) *Memory {
	if len(s) == 0 {
		return &Memory{}
	}
	return &Memory{ptr: unsafe.Pointer(&s[0]), bytes: int64(len(s)) * int64(unsafe.Sizeof(s[0]))}
}

func (m *Memory) raw() (unsafe.Pointer, int64) {
	return m.ptr, m.bytes
}

// Args is the argument list of one kernel invocation
type Args []interface{}

type rawMemory interface {
	raw() (unsafe.Pointer, int64)
}

func (a Args) memory(i int) (unsafe.Pointer, int64, error) {
	if i < 0 || i >= len(a) {
		return nil, 0, errors.Errorf("argument %d out of range (have %d)", i, len(a))
	}
	m, ok := a[i].(rawMemory)
	if !ok {
		return nil, 0, errors.Errorf("argument %d is %T, not device memory", i, a[i])
	}
	ptr, n := m.raw()
	if ptr == nil {
		return nil, 0, errors.Errorf("argument %d has no backing memory", i)
	}
	return ptr, n, nil
}

// Float32s views argument i as a float32 slice
func (a Args) Float32s(i int) ([]float32, error) {
	ptr, n, err := a.memory(i)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*float32)(ptr), n/4), nil
}

// Float64s views argument i as a float64 slice
func (a Args) Float64s(i int) ([]float64, error) {
	ptr, n, err := a.memory(i)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*float64)(ptr), n/8), nil
}

// Int32s views argument i as an int32 slice
func (a Args) Int32s(i int) ([]int32, error) {
	ptr, n, err := a.memory(i)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*int32)(ptr), n/4), nil
}

// Int returns scalar argument i as an int
func (a Args) Int(i int) (int, error) {
	if i < 0 || i >= len(a) {
		return 0, errors.Errorf("argument %d out of range (have %d)", i, len(a))
	}
	switch v := a[i].(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case uint32:
		return int(v), nil
	default:
		return 0, errors.Errorf("argument %d is %T, not an integer scalar", i, a[i])
	}
}

// Float64 returns scalar argument i as a float64
func (a Args) Float64(i int) (float64, error) {
	if i < 0 || i >= len(a) {
		return 0, errors.Errorf("argument %d out of range (have %d)", i, len(a))
	}
	switch v := a[i].(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	default:
		return 0, errors.Errorf("argument %d is %T, not a floating point scalar", i, a[i])
	}
}
