// Package host implements a device backend that executes Go compute functions
// on the host CPU. Kernel source is still compiled against the entry point so
// the host device accepts exactly the programs a real accelerator would.
package host

import (
	"fmt"
	"regexp"
	"runtime"
	"sync"
	"unsafe"

	"github.com/notargets/kdispatch/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName is the registry name of the host backend
const BackendName = "host"

// DefaultGroupSize is the preferred group size reported when none is configured
const DefaultGroupSize = 64

// Config holds configuration for the host backend
type Config struct {
	GroupSize int // preferred work group size
	Workers   int // concurrent groups, defaults to GOMAXPROCS
	Library   Library
}

// Backend is the host device backend
type Backend struct {
	cfg Config
}

// New creates a host backend serving the kernels in cfg.Library
func New(cfg Config) *Backend {
	if cfg.GroupSize <= 0 {
		cfg.GroupSize = DefaultGroupSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.Library == nil {
		cfg.Library = Library{}
	}
	return &Backend{cfg: cfg}
}

func (b *Backend) Name() string { return BackendName }

// Devices returns the single host device
func (b *Backend) Devices() ([]device.Info, error) {
	return []device.Info{b.info()}, nil
}

func (b *Backend) info() device.Info {
	return device.Info{
		Backend:           BackendName,
		ID:                0,
		Name:              fmt.Sprintf("Go host (%s/%s, %d workers)", runtime.GOOS, runtime.GOARCH, b.cfg.Workers),
		Vendor:            "Go",
		Kind:              device.KindHost,
		Dialect:           device.DialectOpenCL,
		SupportsProfiling: true,
	}
}

// Open creates an execution context on the host device
func (b *Backend) Open(info device.Info) (device.Context, error) {
	if info.Backend != BackendName || info.ID != 0 {
		return nil, errors.Wrapf(device.ErrDeviceUnavailable, "host backend cannot open %s", info)
	}
	return &Context{
		backend: b,
		info:    b.info(),
		buffers: make(map[*Buffer]struct{}),
	}, nil
}

// Context is an execution context on the host device
type Context struct {
	backend *Backend

	mu       sync.Mutex
	info     device.Info
	buffers  map[*Buffer]struct{}
	programs []*Program
	queues   []*Queue
	closed   bool
}

func (c *Context) Device() device.Info { return c.info }

var commentPattern = regexp.MustCompile(`(?s)/\*.*?\*/|//[^\n]*`)

func declares(source, entryPoint string) bool {
	stripped := commentPattern.ReplaceAllString(source, "")
	pattern := `(__kernel|kernel|@kernel)\s+void\s+` + regexp.QuoteMeta(entryPoint) + `\s*\(`
	return regexp.MustCompile(pattern).MatchString(stripped)
}

// Build checks that the source declares entryPoint and binds the Go
// implementation registered under the same name
func (c *Context) Build(source, entryPoint string) (device.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.Wrap(device.ErrReleased, "context closed")
	}
	if !declares(source, entryPoint) {
		return nil, &device.BuildError{
			EntryPoint: entryPoint,
			Log:        fmt.Sprintf("error: no kernel function named '%s' declared in source", entryPoint),
		}
	}
	kernel, ok := c.backend.cfg.Library[entryPoint]
	if !ok {
		return nil, &device.BuildError{
			EntryPoint: entryPoint,
			Log:        fmt.Sprintf("error: kernel '%s' has no host implementation", entryPoint),
		}
	}
	p := &Program{entryPoint: entryPoint, groupSize: c.backend.cfg.GroupSize, kernel: kernel, ctx: c}
	c.programs = append(c.programs, p)
	klog.V(2).Infof("host: built %s (group size %d)", entryPoint, p.groupSize)
	return p, nil
}

// Allocate reserves a zeroed buffer of byteLength bytes
func (c *Context) Allocate(mode device.AccessMode, byteLength int64) (device.Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.Wrap(device.ErrReleased, "context closed")
	}
	if !mode.Valid() {
		return nil, device.TransferError("invalid access mode %d", int(mode))
	}
	if byteLength <= 0 {
		return nil, device.TransferError("invalid buffer length %d", byteLength)
	}
	buf := &Buffer{
		ctx:   c,
		mode:  mode,
		bytes: byteLength,
		words: make([]uint64, (byteLength+7)/8),
	}
	c.buffers[buf] = struct{}{}
	return buf, nil
}

// NewQueue creates an in-order command queue
func (c *Context) NewQueue(profiling bool) (device.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.Wrap(device.ErrReleased, "context closed")
	}
	q := &Queue{ctx: c, profiling: profiling}
	c.queues = append(c.queues, q)
	return q, nil
}

// Close waits for queued work and releases every resource of the context.
// Dispatch failures are reported by their events, not by Close.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	queues := c.queues
	c.mu.Unlock()

	for _, q := range queues {
		_ = q.Finish()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for buf := range c.buffers {
		buf.words = nil
	}
	c.buffers = map[*Buffer]struct{}{}
	for _, p := range c.programs {
		p.kernel = nil
	}
	c.programs = nil
	c.queues = nil
	return nil
}

func (c *Context) releaseBuffer(b *Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b.words = nil
	delete(c.buffers, b)
}

// Program is a host kernel bound to an entry point
type Program struct {
	ctx        *Context
	entryPoint string
	groupSize  int
	kernel     Kernel
}

func (p *Program) EntryPoint() string { return p.entryPoint }

func (p *Program) PreferredGroupSize() int { return p.groupSize }

func (p *Program) Release() {
	p.ctx.mu.Lock()
	defer p.ctx.mu.Unlock()
	p.kernel = nil
}

// Buffer is host memory standing in for device memory. Storage is 8-byte
// aligned so every numeric element type can be viewed in place.
type Buffer struct {
	ctx   *Context
	mode  device.AccessMode
	bytes int64
	words []uint64
}

func (b *Buffer) Mode() device.AccessMode { return b.mode }

func (b *Buffer) Len() int64 { return b.bytes }

func (b *Buffer) raw() (unsafe.Pointer, int64) {
	if len(b.words) == 0 {
		return nil, 0
	}
	return unsafe.Pointer(&b.words[0]), b.bytes
}

func (b *Buffer) CopyFrom(src unsafe.Pointer, bytes int64) error {
	if err := device.CheckTransfer(b.bytes, bytes); err != nil {
		return err
	}
	dst, _ := b.raw()
	if dst == nil {
		return errors.Wrap(device.ErrReleased, "copy into released buffer")
	}
	if bytes == 0 {
		return nil
	}
	if src == nil {
		return device.TransferError("nil host pointer")
	}
	copy(unsafe.Slice((*byte)(dst), bytes), unsafe.Slice((*byte)(src), bytes))
	return nil
}

func (b *Buffer) CopyTo(dst unsafe.Pointer, bytes int64) error {
	if err := device.CheckTransfer(b.bytes, bytes); err != nil {
		return err
	}
	src, _ := b.raw()
	if src == nil {
		return errors.Wrap(device.ErrReleased, "copy from released buffer")
	}
	if bytes == 0 {
		return nil
	}
	if dst == nil {
		return device.TransferError("nil host pointer")
	}
	copy(unsafe.Slice((*byte)(dst), bytes), unsafe.Slice((*byte)(src), bytes))
	return nil
}

func (b *Buffer) Release() {
	b.ctx.releaseBuffer(b)
}
