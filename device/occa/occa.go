// Package occa implements a device backend on the OCCA runtime. Kernels are
// written in OKL; the work group size is fixed at build time through the
// GROUP_SIZE preamble define, so OCCA devices report a preferred group size
// from a per-mode table rather than a runtime query.
package occa

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/notargets/gocca"
	"github.com/notargets/kdispatch/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName is the registry name of the OCCA backend
const BackendName = "occa"

// DefaultModes are probed in order when no modes are configured
var DefaultModes = []string{"CUDA", "HIP", "OpenCL", "Metal", "OpenMP", "Serial"}

// DefaultGroupSizes holds the preferred group size per OCCA mode
var DefaultGroupSizes = map[string]int{
	"CUDA":   256,
	"HIP":    256,
	"OpenCL": 256,
	"Metal":  256,
	"OpenMP": 64,
	"Serial": 64,
}

// Config holds configuration for the OCCA backend
type Config struct {
	Modes      []string       // probe order
	GroupSizes map[string]int // overrides DefaultGroupSizes
}

// Backend is the OCCA device backend
type Backend struct {
	cfg Config
}

// New creates an OCCA backend
func New(cfg Config) *Backend {
	if len(cfg.Modes) == 0 {
		cfg.Modes = DefaultModes
	}
	return &Backend{cfg: cfg}
}

func (b *Backend) Name() string { return BackendName }

func (b *Backend) groupSize(mode string) int {
	if gs, ok := b.cfg.GroupSizes[mode]; ok && gs > 0 {
		return gs
	}
	if gs, ok := DefaultGroupSizes[mode]; ok {
		return gs
	}
	return 64
}

func modeProps(mode string) string {
	switch mode {
	case "OpenCL":
		return `{"mode": "OpenCL", "platform_id": 0, "device_id": 0}`
	case "CUDA", "HIP":
		return fmt.Sprintf(`{"mode": "%s", "device_id": 0}`, mode)
	default:
		return fmt.Sprintf(`{"mode": "%s"}`, mode)
	}
}

func modeKind(mode string) device.Kind {
	switch mode {
	case "OpenMP", "Serial":
		return device.KindCPU
	default:
		return device.KindGPU
	}
}

// Devices returns one device for every configured mode the OCCA runtime
// can open
func (b *Backend) Devices() ([]device.Info, error) {
	var infos []device.Info
	for i, mode := range b.cfg.Modes {
		dev, err := gocca.NewDevice(modeProps(mode))
		if err != nil {
			klog.V(2).Infof("occa: mode %s unavailable: %v", mode, err)
			continue
		}
		actual := dev.Mode()
		dev.Free()
		infos = append(infos, b.info(i, actual))
	}
	if len(infos) == 0 {
		return nil, errors.Wrap(device.ErrDeviceUnavailable, "occa: no mode could be opened")
	}
	return infos, nil
}

func (b *Backend) info(id int, mode string) device.Info {
	return device.Info{
		Backend:           BackendName,
		ID:                id,
		Name:              "OCCA " + mode,
		Vendor:            "OCCA",
		Kind:              modeKind(mode),
		Dialect:           device.DialectOKL,
		SupportsProfiling: false,
	}
}

// Open creates a Context on the OCCA device described by info
func (b *Backend) Open(info device.Info) (device.Context, error) {
	if info.Backend != BackendName || info.ID < 0 || info.ID >= len(b.cfg.Modes) {
		return nil, errors.Wrapf(device.ErrDeviceUnavailable, "occa backend cannot open %s", info)
	}
	dev, err := gocca.NewDevice(modeProps(b.cfg.Modes[info.ID]))
	if err != nil {
		return nil, errors.Wrapf(device.ErrDeviceUnavailable, "occa: %v", err)
	}
	mode := dev.Mode()
	klog.V(1).Infof("occa: created %s device", mode)
	return &Context{
		dev:       dev,
		info:      b.info(info.ID, mode),
		groupSize: b.groupSize(mode),
	}, nil
}

// Context owns one OCCA device
type Context struct {
	mu        sync.Mutex
	dev       *gocca.OCCADevice
	info      device.Info
	groupSize int
	programs  []*Program
	buffers   []*Buffer
	closed    bool
}

func (c *Context) Device() device.Info { return c.info }

// Preamble returns the defines prepended to every kernel source
func (c *Context) Preamble() string {
	return fmt.Sprintf("#define GROUP_SIZE %d\n", c.groupSize)
}

// Build compiles entryPoint with the GROUP_SIZE preamble
func (c *Context) Build(source, entryPoint string) (device.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.Wrap(device.ErrReleased, "context closed")
	}
	fullSource := c.Preamble() + "\n" + source

	var kernel *gocca.OCCAKernel
	var err error
	if c.dev.Mode() == "OpenMP" {
		// OpenMP does not get -O3 by default
		props := gocca.JsonParse(`{"compiler_flags": "-O3"}`)
		defer props.Free()
		kernel, err = c.dev.BuildKernelFromString(fullSource, entryPoint, props)
	} else {
		kernel, err = c.dev.BuildKernelFromString(fullSource, entryPoint, nil)
	}
	if err != nil {
		return nil, &device.BuildError{EntryPoint: entryPoint, Log: err.Error()}
	}
	if kernel == nil {
		return nil, &device.BuildError{EntryPoint: entryPoint, Log: "kernel build returned nil"}
	}
	p := &Program{ctx: c, entryPoint: entryPoint, kernel: kernel}
	c.programs = append(c.programs, p)
	return p, nil
}

// Allocate reserves byteLength bytes of device memory
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
	mem := c.dev.Malloc(byteLength, nil, nil)
	if mem == nil {
		return nil, device.TransferError("occa malloc of %d bytes failed", byteLength)
	}
	buf := &Buffer{ctx: c, mode: mode, bytes: byteLength, mem: mem}
	c.buffers = append(c.buffers, buf)
	return buf, nil
}

// NewQueue returns the device's default stream. OCCA exposes no kernel
// timestamps, so profiling requests are refused.
func (c *Context) NewQueue(profiling bool) (device.Queue, error) {
	if profiling {
		klog.Warningf("occa: %s cannot report kernel timestamps", c.info.Name)
	}
	return &Queue{ctx: c}, nil
}

// Close frees every kernel, buffer and the device
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.dev.Finish()
	for _, p := range c.programs {
		p.free()
	}
	for _, b := range c.buffers {
		b.free()
	}
	c.programs, c.buffers = nil, nil
	c.dev.Free()
	return nil
}

// Program is a compiled OCCA kernel
type Program struct {
	ctx        *Context
	entryPoint string
	kernel     *gocca.OCCAKernel
}

func (p *Program) EntryPoint() string { return p.entryPoint }

func (p *Program) PreferredGroupSize() int { return p.ctx.groupSize }

func (p *Program) Release() {
	p.ctx.mu.Lock()
	defer p.ctx.mu.Unlock()
	p.free()
}

func (p *Program) free() {
	if p.kernel != nil {
		p.kernel.Free()
		p.kernel = nil
	}
}

// Buffer is OCCA device memory
type Buffer struct {
	ctx   *Context
	mode  device.AccessMode
	bytes int64
	mem   *gocca.OCCAMemory
}

func (b *Buffer) Mode() device.AccessMode { return b.mode }

func (b *Buffer) Len() int64 { return b.bytes }

func (b *Buffer) CopyFrom(src unsafe.Pointer, bytes int64) error {
	if err := device.CheckTransfer(b.bytes, bytes); err != nil {
		return err
	}
	if b.mem == nil {
		return errors.Wrap(device.ErrReleased, "copy into released buffer")
	}
	if src == nil {
		return device.TransferError("nil host pointer")
	}
	b.mem.CopyFrom(src, bytes)
	return nil
}

func (b *Buffer) CopyTo(dst unsafe.Pointer, bytes int64) error {
	if err := device.CheckTransfer(b.bytes, bytes); err != nil {
		return err
	}
	if b.mem == nil {
		return errors.Wrap(device.ErrReleased, "copy from released buffer")
	}
	if dst == nil {
		return device.TransferError("nil host pointer")
	}
	b.mem.CopyTo(dst, bytes)
	return nil
}

func (b *Buffer) Release() {
	b.ctx.mu.Lock()
	defer b.ctx.mu.Unlock()
	b.free()
}

func (b *Buffer) free() {
	if b.mem != nil {
		b.mem.Free()
		b.mem = nil
	}
}

// Queue submits kernels to the device's default stream
type Queue struct {
	ctx *Context
}

func (q *Queue) ProfilingEnabled() bool { return false }

// Enqueue launches p with numGroups prepended to args. Local memory
// arguments are dropped since OKL kernels declare @shared arrays sized by
// GROUP_SIZE.
func (q *Queue) Enqueue(p device.Program, r device.Range, args ...interface{}) (device.Event, error) {
	prog, ok := p.(*Program)
	if !ok || prog.ctx != q.ctx {
		return nil, device.ExecutionError("program %T does not belong to this occa context", p)
	}
	if err := r.Validate(); err != nil {
		return nil, device.ExecutionError("%s: %v", prog.entryPoint, err)
	}
	if r.Local != q.ctx.groupSize {
		return nil, device.ExecutionError("%s: local size %d differs from compiled GROUP_SIZE %d",
			prog.entryPoint, r.Local, q.ctx.groupSize)
	}
	if prog.kernel == nil {
		return nil, errors.Wrapf(device.ErrReleased, "program %s released", prog.entryPoint)
	}

	kernelArgs := []interface{}{int32(r.NumGroups())}
	for i, a := range args {
		switch v := a.(type) {
		case *Buffer:
			if v.mem == nil {
				return nil, device.ExecutionError("%s: argument %d: buffer released", prog.entryPoint, i)
			}
			kernelArgs = append(kernelArgs, v.mem)
		case device.Buffer:
			return nil, device.ExecutionError("%s: argument %d: foreign buffer %T", prog.entryPoint, i, v)
		case device.LocalMem:
		case int:
			kernelArgs = append(kernelArgs, int32(v))
		default:
			kernelArgs = append(kernelArgs, a)
		}
	}

	ev := &Event{ctx: q.ctx, name: prog.entryPoint, status: device.Running}
	if err := prog.kernel.RunWithArgs(kernelArgs...); err != nil {
		return nil, device.ExecutionError("%s: %v", prog.entryPoint, err)
	}
	klog.V(2).Infof("occa: launched %s with %d groups of %d", prog.entryPoint, r.NumGroups(), r.Local)
	return ev, nil
}

// Finish blocks until the device is idle
func (q *Queue) Finish() error {
	q.ctx.dev.Finish()
	return nil
}

func (q *Queue) Release() {}

// Event tracks one OCCA launch. Completion is observed by finishing the device.
type Event struct {
	ctx    *Context
	name   string
	mu     sync.Mutex
	status device.Status
}

func (e *Event) Status() device.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Event) Wait() error {
	e.ctx.dev.Finish()
	e.mu.Lock()
	e.status = device.Completed
	e.mu.Unlock()
	return nil
}

func (e *Event) SupportsProfiling() bool { return false }

func (e *Event) Timestamps() (uint64, uint64, error) {
	return 0, 0, errors.Wrapf(device.ErrProfilingUnsupported, "occa: %s", e.name)
}
