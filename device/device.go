// Package device defines the contracts every accelerator backend implements:
// device discovery, program builds, device-resident buffers, command queues and
// the events a dispatch produces.
package device

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
)

// Kind identifies the class of a compute device
type Kind int

const (
	KindAny Kind = iota
	KindGPU
	KindCPU
	KindAccelerator
	KindHost
)

func (k Kind) String() string {
	switch k {
	case KindGPU:
		return "gpu"
	case KindCPU:
		return "cpu"
	case KindAccelerator:
		return "accelerator"
	case KindHost:
		return "host"
	default:
		return "any"
	}
}

// ParseKind maps a configuration string onto a Kind
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any", "default":
		return KindAny, nil
	case "gpu":
		return KindGPU, nil
	case "cpu":
		return KindCPU, nil
	case "accelerator":
		return KindAccelerator, nil
	case "host":
		return KindHost, nil
	}
	return KindAny, errors.Errorf("unknown device kind %q", s)
}

// Dialect names the kernel language a backend compiles
type Dialect string

const (
	DialectOpenCL Dialect = "cl"
	DialectOKL    Dialect = "okl"
)

// Info describes one device a backend can open
type Info struct {
	Backend           string
	ID                int
	Name              string
	Vendor            string
	Kind              Kind
	Dialect           Dialect
	SupportsProfiling bool
}

func (i Info) String() string {
	return fmt.Sprintf("%s:%d %s (%s)", i.Backend, i.ID, i.Name, i.Kind)
}

// AccessMode declares how a kernel is allowed to use a buffer
type AccessMode int

const (
	ReadOnly AccessMode = iota + 1
	WriteOnly
	ReadWrite
)

func (m AccessMode) String() string {
	switch m {
	case ReadOnly:
		return "read-only"
	case WriteOnly:
		return "write-only"
	case ReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("AccessMode(%d)", int(m))
	}
}

// Valid reports whether m is one of the declared modes
func (m AccessMode) Valid() bool {
	return m >= ReadOnly && m <= ReadWrite
}

// Backend discovers devices and opens execution contexts on them
type Backend interface {
	Name() string
	Devices() ([]Info, error)
	Open(info Info) (Context, error)
}

// Context is one execution context bound to a single device. Every program,
// buffer and queue created from it is released when the context closes.
type Context interface {
	Device() Info
	Build(source, entryPoint string) (Program, error)
	Allocate(mode AccessMode, byteLength int64) (Buffer, error)
	NewQueue(profiling bool) (Queue, error)
	Close() error
}

// Program is a compiled kernel bound to one device and one entry point
type Program interface {
	EntryPoint() string
	// PreferredGroupSize is determined by the device and compiler, never by the caller
	PreferredGroupSize() int
	Release()
}

// Buffer is a device-resident memory region
type Buffer interface {
	Mode() AccessMode
	Len() int64
	// CopyFrom writes bytes from host memory at src into the buffer
	CopyFrom(src unsafe.Pointer, bytes int64) error
	// CopyTo reads bytes from the buffer into host memory at dst
	CopyTo(dst unsafe.Pointer, bytes int64) error
	Release()
}

// Range is a one dimensional launch range. Global is the total number of
// work items and Local the number of work items per group.
type Range struct {
	Global int
	Local  int
}

// NumGroups returns the number of work groups in the range
func (r Range) NumGroups() int {
	if r.Local <= 0 {
		return 0
	}
	return r.Global / r.Local
}

// Validate checks the range divides evenly into groups
func (r Range) Validate() error {
	if r.Global <= 0 || r.Local <= 0 {
		return errors.Errorf("invalid range global=%d local=%d", r.Global, r.Local)
	}
	if r.Global%r.Local != 0 {
		return errors.Errorf("global size %d is not a multiple of local size %d", r.Global, r.Local)
	}
	return nil
}

// LocalMem is a kernel argument requesting group-local scratch memory
type LocalMem struct {
	Bytes int64
}

// Local requests bytes of group-local memory for a kernel argument
func Local(bytes int64) LocalMem {
	return LocalMem{Bytes: bytes}
}

// Queue submits kernel invocations to the device
type Queue interface {
	Enqueue(p Program, r Range, args ...interface{}) (Event, error)
	Finish() error
	ProfilingEnabled() bool
	Release()
}

// Status is the lifecycle state of a dispatched kernel
type Status int

const (
	Enqueued Status = iota
	Running
	Completed
	Failed
)

func (s Status) String() string {
	switch s {
	case Enqueued:
		return "enqueued"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible
func (s Status) Terminal() bool {
	return s == Completed || s == Failed
}

// Event tracks one enqueued kernel execution
type Event interface {
	Status() Status
	// Wait blocks until the device signals completion
	Wait() error
	SupportsProfiling() bool
	// Timestamps returns device start and end times in nanoseconds
	Timestamps() (start, end uint64, err error)
}
