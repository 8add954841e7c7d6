//go:build opencl

package opencl

/*
#cgo LDFLAGS: -lOpenCL
#cgo darwin LDFLAGS: -framework OpenCL
#define CL_TARGET_OPENCL_VERSION 120
#define CL_USE_DEPRECATED_OPENCL_1_2_APIS
#ifdef __APPLE__
#include <OpenCL/opencl.h>
#else
#include <CL/cl.h>
#endif
#include <stdlib.h>

static const char* kd_cl_error_string(cl_int status) {
	switch (status) {
	case CL_SUCCESS: return "CL_SUCCESS";
	case CL_DEVICE_NOT_FOUND: return "CL_DEVICE_NOT_FOUND";
	case CL_DEVICE_NOT_AVAILABLE: return "CL_DEVICE_NOT_AVAILABLE";
	case CL_COMPILER_NOT_AVAILABLE: return "CL_COMPILER_NOT_AVAILABLE";
	case CL_MEM_OBJECT_ALLOCATION_FAILURE: return "CL_MEM_OBJECT_ALLOCATION_FAILURE";
	case CL_OUT_OF_RESOURCES: return "CL_OUT_OF_RESOURCES";
	case CL_OUT_OF_HOST_MEMORY: return "CL_OUT_OF_HOST_MEMORY";
	case CL_PROFILING_INFO_NOT_AVAILABLE: return "CL_PROFILING_INFO_NOT_AVAILABLE";
	case CL_BUILD_PROGRAM_FAILURE: return "CL_BUILD_PROGRAM_FAILURE";
	case CL_INVALID_VALUE: return "CL_INVALID_VALUE";
	case CL_INVALID_DEVICE: return "CL_INVALID_DEVICE";
	case CL_INVALID_CONTEXT: return "CL_INVALID_CONTEXT";
	case CL_INVALID_QUEUE_PROPERTIES: return "CL_INVALID_QUEUE_PROPERTIES";
	case CL_INVALID_COMMAND_QUEUE: return "CL_INVALID_COMMAND_QUEUE";
	case CL_INVALID_MEM_OBJECT: return "CL_INVALID_MEM_OBJECT";
	case CL_INVALID_BUILD_OPTIONS: return "CL_INVALID_BUILD_OPTIONS";
	case CL_INVALID_PROGRAM: return "CL_INVALID_PROGRAM";
	case CL_INVALID_PROGRAM_EXECUTABLE: return "CL_INVALID_PROGRAM_EXECUTABLE";
	case CL_INVALID_KERNEL_NAME: return "CL_INVALID_KERNEL_NAME";
	case CL_INVALID_KERNEL: return "CL_INVALID_KERNEL";
	case CL_INVALID_ARG_INDEX: return "CL_INVALID_ARG_INDEX";
	case CL_INVALID_ARG_VALUE: return "CL_INVALID_ARG_VALUE";
	case CL_INVALID_ARG_SIZE: return "CL_INVALID_ARG_SIZE";
	case CL_INVALID_KERNEL_ARGS: return "CL_INVALID_KERNEL_ARGS";
	case CL_INVALID_WORK_DIMENSION: return "CL_INVALID_WORK_DIMENSION";
	case CL_INVALID_WORK_GROUP_SIZE: return "CL_INVALID_WORK_GROUP_SIZE";
	case CL_INVALID_WORK_ITEM_SIZE: return "CL_INVALID_WORK_ITEM_SIZE";
	case CL_INVALID_EVENT: return "CL_INVALID_EVENT";
	case CL_INVALID_OPERATION: return "CL_INVALID_OPERATION";
	case CL_INVALID_BUFFER_SIZE: return "CL_INVALID_BUFFER_SIZE";
	default: return "CL_UNKNOWN_ERROR";
	}
}
*/
import "C"

import (
	"sync"
	"unsafe"

	"github.com/notargets/kdispatch/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Available reports whether the binary was built with OpenCL support
func Available() bool { return true }

func statusError(call string, status C.cl_int) error {
	return errors.Errorf("%s: %s (%d)", call, C.GoString(C.kd_cl_error_string(status)), int(status))
}

type deviceRecord struct {
	id   C.cl_device_id
	info device.Info
}

// enumerate lists every device of every platform. IDs are positions in the
// flattened list, stable for one process run.
func enumerate() ([]deviceRecord, error) {
	var count C.cl_uint
	status := C.clGetPlatformIDs(0, nil, &count)
	if status != C.CL_SUCCESS {
		return nil, statusError("clGetPlatformIDs(count)", status)
	}
	if count == 0 {
		return nil, nil
	}
	platforms := make([]C.cl_platform_id, int(count))
	status = C.clGetPlatformIDs(count, &platforms[0], nil)
	if status != C.CL_SUCCESS {
		return nil, statusError("clGetPlatformIDs(list)", status)
	}

	var records []deviceRecord
	for _, pid := range platforms {
		var n C.cl_uint
		status = C.clGetDeviceIDs(pid, C.CL_DEVICE_TYPE_ALL, 0, nil, &n)
		if status == C.CL_DEVICE_NOT_FOUND {
			continue
		}
		if status != C.CL_SUCCESS {
			return nil, statusError("clGetDeviceIDs(count)", status)
		}
		if n == 0 {
			continue
		}
		ids := make([]C.cl_device_id, int(n))
		status = C.clGetDeviceIDs(pid, C.CL_DEVICE_TYPE_ALL, n, &ids[0], nil)
		if status != C.CL_SUCCESS {
			return nil, statusError("clGetDeviceIDs(list)", status)
		}
		for _, id := range ids {
			info, err := deviceInfo(id)
			if err != nil {
				return nil, err
			}
			info.ID = len(records)
			records = append(records, deviceRecord{id: id, info: info})
		}
	}
	return records, nil
}

func deviceInfo(id C.cl_device_id) (device.Info, error) {
	name, err := deviceString(id, C.CL_DEVICE_NAME)
	if err != nil {
		return device.Info{}, err
	}
	vendor, err := deviceString(id, C.CL_DEVICE_VENDOR)
	if err != nil {
		return device.Info{}, err
	}
	var rawType C.cl_device_type
	status := C.clGetDeviceInfo(id, C.CL_DEVICE_TYPE, C.size_t(unsafe.Sizeof(rawType)), unsafe.Pointer(&rawType), nil)
	if status != C.CL_SUCCESS {
		return device.Info{}, statusError("clGetDeviceInfo(type)", status)
	}
	return device.Info{
		Backend:           BackendName,
		Name:              name,
		Vendor:            vendor,
		Kind:              mapDeviceType(rawType),
		Dialect:           device.DialectOpenCL,
		SupportsProfiling: true,
	}, nil
}

func deviceString(id C.cl_device_id, param C.cl_device_info) (string, error) {
	var size C.size_t
	status := C.clGetDeviceInfo(id, param, 0, nil, &size)
	if status != C.CL_SUCCESS {
		return "", statusError("clGetDeviceInfo(size)", status)
	}
	if size == 0 {
		return "", nil
	}
	buf := make([]byte, int(size))
	status = C.clGetDeviceInfo(id, param, size, unsafe.Pointer(&buf[0]), nil)
	if status != C.CL_SUCCESS {
		return "", statusError("clGetDeviceInfo(value)", status)
	}
	return trimNull(buf), nil
}

func trimNull(buf []byte) string {
	if len(buf) > 0 && buf[len(buf)-1] == 0 {
		buf = buf[:len(buf)-1]
	}
	return string(buf)
}

func mapDeviceType(dt C.cl_device_type) device.Kind {
	switch {
	case dt&C.CL_DEVICE_TYPE_GPU != 0:
		return device.KindGPU
	case dt&C.CL_DEVICE_TYPE_CPU != 0:
		return device.KindCPU
	case dt&C.CL_DEVICE_TYPE_ACCELERATOR != 0:
		return device.KindAccelerator
	default:
		return device.KindAny
	}
}

// Devices lists every OpenCL device on every platform
func (b *Backend) Devices() ([]device.Info, error) {
	records, err := enumerate()
	if err != nil {
		return nil, errors.Wrap(device.ErrDeviceUnavailable, err.Error())
	}
	if len(records) == 0 {
		return nil, errors.Wrap(device.ErrDeviceUnavailable, "opencl: no devices found")
	}
	infos := make([]device.Info, len(records))
	for i, r := range records {
		infos[i] = r.info
	}
	return infos, nil
}

// Open creates an OpenCL context and a transfer queue on the device
func (b *Backend) Open(info device.Info) (device.Context, error) {
	records, err := enumerate()
	if err != nil {
		return nil, errors.Wrap(device.ErrDeviceUnavailable, err.Error())
	}
	if info.Backend != BackendName || info.ID < 0 || info.ID >= len(records) {
		return nil, errors.Wrapf(device.ErrDeviceUnavailable, "opencl backend cannot open %s", info)
	}
	rec := records[info.ID]

	var status C.cl_int
	ctx := C.clCreateContext(nil, 1, &rec.id, nil, nil, &status)
	if status != C.CL_SUCCESS {
		return nil, errors.Wrap(device.ErrDeviceUnavailable, statusError("clCreateContext", status).Error())
	}
	transfer := C.clCreateCommandQueue(ctx, rec.id, 0, &status)
	if status != C.CL_SUCCESS {
		C.clReleaseContext(ctx)
		return nil, errors.Wrap(device.ErrDeviceUnavailable, statusError("clCreateCommandQueue", status).Error())
	}
	klog.V(1).Infof("opencl: opened %s", rec.info)
	return &Context{
		backend:  b,
		deviceID: rec.id,
		ctx:      ctx,
		transfer: transfer,
		info:     rec.info,
	}, nil
}

// Context owns an OpenCL context and every object created from it
type Context struct {
	backend  *Backend
	deviceID C.cl_device_id
	ctx      C.cl_context
	transfer C.cl_command_queue
	info     device.Info

	mu       sync.Mutex
	programs []*Program
	buffers  []*Buffer
	queues   []*Queue
	closed   bool
}

func (c *Context) Device() device.Info { return c.info }

// Build compiles source and creates the entryPoint kernel. The preferred
// group size is the kernel's CL_KERNEL_WORK_GROUP_SIZE on this device.
func (c *Context) Build(source, entryPoint string) (device.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.Wrap(device.ErrReleased, "context closed")
	}

	csrc := C.CString(source)
	defer C.free(unsafe.Pointer(csrc))
	var status C.cl_int
	program := C.clCreateProgramWithSource(c.ctx, 1, &csrc, nil, &status)
	if status != C.CL_SUCCESS {
		return nil, &device.BuildError{EntryPoint: entryPoint, Log: statusError("clCreateProgramWithSource", status).Error()}
	}

	copts := C.CString(c.backend.cfg.BuildOptions)
	defer C.free(unsafe.Pointer(copts))
	status = C.clBuildProgram(program, 1, &c.deviceID, copts, nil, nil)
	if status != C.CL_SUCCESS {
		log := c.buildLog(program)
		C.clReleaseProgram(program)
		return nil, &device.BuildError{
			EntryPoint: entryPoint,
			Log:        log,
			Err:        statusError("clBuildProgram", status),
		}
	}

	cname := C.CString(entryPoint)
	defer C.free(unsafe.Pointer(cname))
	kernel := C.clCreateKernel(program, cname, &status)
	if status != C.CL_SUCCESS {
		C.clReleaseProgram(program)
		return nil, &device.BuildError{EntryPoint: entryPoint, Log: statusError("clCreateKernel", status).Error()}
	}

	var groupSize C.size_t
	status = C.clGetKernelWorkGroupInfo(kernel, c.deviceID, C.CL_KERNEL_WORK_GROUP_SIZE,
		C.size_t(unsafe.Sizeof(groupSize)), unsafe.Pointer(&groupSize), nil)
	if status != C.CL_SUCCESS {
		C.clReleaseKernel(kernel)
		C.clReleaseProgram(program)
		return nil, &device.BuildError{EntryPoint: entryPoint, Log: statusError("clGetKernelWorkGroupInfo", status).Error()}
	}

	p := &Program{ctx: c, entryPoint: entryPoint, program: program, kernel: kernel, groupSize: int(groupSize)}
	c.programs = append(c.programs, p)
	klog.V(2).Infof("opencl: built %s (work group size %d)", entryPoint, p.groupSize)
	return p, nil
}

func (c *Context) buildLog(program C.cl_program) string {
	var size C.size_t
	status := C.clGetProgramBuildInfo(program, c.deviceID, C.CL_PROGRAM_BUILD_LOG, 0, nil, &size)
	if status != C.CL_SUCCESS || size == 0 {
		return ""
	}
	buf := make([]byte, int(size))
	status = C.clGetProgramBuildInfo(program, c.deviceID, C.CL_PROGRAM_BUILD_LOG, size, unsafe.Pointer(&buf[0]), nil)
	if status != C.CL_SUCCESS {
		return ""
	}
	return trimNull(buf)
}

func memFlags(mode device.AccessMode) C.cl_mem_flags {
	switch mode {
	case device.ReadOnly:
		return C.CL_MEM_READ_ONLY
	case device.WriteOnly:
		return C.CL_MEM_WRITE_ONLY
	default:
		return C.CL_MEM_READ_WRITE
	}
}

// Allocate creates a device buffer
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
	var status C.cl_int
	mem := C.clCreateBuffer(c.ctx, memFlags(mode), C.size_t(byteLength), nil, &status)
	if status != C.CL_SUCCESS {
		return nil, device.TransferError("%v", statusError("clCreateBuffer", status))
	}
	buf := &Buffer{ctx: c, mode: mode, bytes: byteLength, mem: mem}
	c.buffers = append(c.buffers, buf)
	return buf, nil
}

// NewQueue creates an in-order command queue
func (c *Context) NewQueue(profiling bool) (device.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.Wrap(device.ErrReleased, "context closed")
	}
	var props C.cl_command_queue_properties
	if profiling {
		props = C.CL_QUEUE_PROFILING_ENABLE
	}
	var status C.cl_int
	queue := C.clCreateCommandQueue(c.ctx, c.deviceID, props, &status)
	if status != C.CL_SUCCESS {
		return nil, errors.Wrap(device.ErrDeviceUnavailable, statusError("clCreateCommandQueue", status).Error())
	}
	q := &Queue{ctx: c, queue: queue, profiling: profiling}
	c.queues = append(c.queues, q)
	return q, nil
}

// Close finishes every queue and releases every OpenCL object
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, q := range c.queues {
		q.release()
	}
	for _, p := range c.programs {
		p.release()
	}
	for _, b := range c.buffers {
		b.release()
	}
	c.queues, c.programs, c.buffers = nil, nil, nil
	C.clFinish(c.transfer)
	C.clReleaseCommandQueue(c.transfer)
	C.clReleaseContext(c.ctx)
	return nil
}

// Program is a built OpenCL program with one kernel
type Program struct {
	ctx        *Context
	entryPoint string
	program    C.cl_program
	kernel     C.cl_kernel
	groupSize  int
}

func (p *Program) EntryPoint() string { return p.entryPoint }

func (p *Program) PreferredGroupSize() int { return p.groupSize }

func (p *Program) Release() {
	p.ctx.mu.Lock()
	defer p.ctx.mu.Unlock()
	p.release()
}

func (p *Program) release() {
	if p.kernel != nil {
		C.clReleaseKernel(p.kernel)
		p.kernel = nil
	}
	if p.program != nil {
		C.clReleaseProgram(p.program)
		p.program = nil
	}
}

// Buffer is an OpenCL memory object. Copies block on the context's
// transfer queue.
type Buffer struct {
	ctx   *Context
	mode  device.AccessMode
	bytes int64
	mem   C.cl_mem
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
	status := C.clEnqueueWriteBuffer(b.ctx.transfer, b.mem, C.CL_TRUE, 0, C.size_t(bytes), src, 0, nil, nil)
	if status != C.CL_SUCCESS {
		return device.TransferError("%v", statusError("clEnqueueWriteBuffer", status))
	}
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
	status := C.clEnqueueReadBuffer(b.ctx.transfer, b.mem, C.CL_TRUE, 0, C.size_t(bytes), dst, 0, nil, nil)
	if status != C.CL_SUCCESS {
		return device.TransferError("%v", statusError("clEnqueueReadBuffer", status))
	}
	return nil
}

func (b *Buffer) Release() {
	b.ctx.mu.Lock()
	defer b.ctx.mu.Unlock()
	b.release()
}

func (b *Buffer) release() {
	if b.mem != nil {
		C.clReleaseMemObject(b.mem)
		b.mem = nil
	}
}

// Queue is an in-order OpenCL command queue
type Queue struct {
	ctx       *Context
	queue     C.cl_command_queue
	profiling bool
	events    []*Event
}

func (q *Queue) ProfilingEnabled() bool { return q.profiling }

func setArg(kernel C.cl_kernel, index int, arg interface{}) error {
	var status C.cl_int
	idx := C.cl_uint(index)
	switch v := arg.(type) {
	case *Buffer:
		if v.mem == nil {
			return errors.Errorf("argument %d: buffer released", index)
		}
		mem := v.mem
		status = C.clSetKernelArg(kernel, idx, C.size_t(unsafe.Sizeof(mem)), unsafe.Pointer(&mem))
	case device.Buffer:
		return errors.Errorf("argument %d: foreign buffer %T", index, v)
	case device.LocalMem:
		status = C.clSetKernelArg(kernel, idx, C.size_t(v.Bytes), nil)
	case int:
		x := C.cl_int(v)
		status = C.clSetKernelArg(kernel, idx, C.size_t(unsafe.Sizeof(x)), unsafe.Pointer(&x))
	case int32:
		x := C.cl_int(v)
		status = C.clSetKernelArg(kernel, idx, C.size_t(unsafe.Sizeof(x)), unsafe.Pointer(&x))
	case int64:
		x := C.cl_long(v)
		status = C.clSetKernelArg(kernel, idx, C.size_t(unsafe.Sizeof(x)), unsafe.Pointer(&x))
	case float32:
		x := C.cl_float(v)
		status = C.clSetKernelArg(kernel, idx, C.size_t(unsafe.Sizeof(x)), unsafe.Pointer(&x))
	case float64:
		x := C.cl_double(v)
		status = C.clSetKernelArg(kernel, idx, C.size_t(unsafe.Sizeof(x)), unsafe.Pointer(&x))
	default:
		return errors.Errorf("argument %d: unsupported type %T", index, arg)
	}
	if status != C.CL_SUCCESS {
		return errors.Errorf("argument %d: %v", index, statusError("clSetKernelArg", status))
	}
	return nil
}

// Enqueue sets args on the kernel and launches it over r
func (q *Queue) Enqueue(p device.Program, r device.Range, args ...interface{}) (device.Event, error) {
	prog, ok := p.(*Program)
	if !ok || prog.ctx != q.ctx {
		return nil, device.ExecutionError("program %T does not belong to this opencl context", p)
	}
	if err := r.Validate(); err != nil {
		return nil, device.ExecutionError("%s: %v", prog.entryPoint, err)
	}
	q.ctx.mu.Lock()
	defer q.ctx.mu.Unlock()
	if prog.kernel == nil {
		return nil, errors.Wrapf(device.ErrReleased, "program %s released", prog.entryPoint)
	}
	for i, a := range args {
		if err := setArg(prog.kernel, i, a); err != nil {
			return nil, device.ExecutionError("%s: %v", prog.entryPoint, err)
		}
	}

	global := C.size_t(r.Global)
	local := C.size_t(r.Local)
	var ev C.cl_event
	status := C.clEnqueueNDRangeKernel(q.queue, prog.kernel, 1, nil, &global, &local, 0, nil, &ev)
	if status != C.CL_SUCCESS {
		return nil, device.ExecutionError("%s: %v", prog.entryPoint, statusError("clEnqueueNDRangeKernel", status))
	}
	C.clFlush(q.queue)
	e := &Event{name: prog.entryPoint, event: ev, profiling: q.profiling}
	q.events = append(q.events, e)
	klog.V(2).Infof("opencl: enqueued %s global=%d local=%d", prog.entryPoint, r.Global, r.Local)
	return e, nil
}

// Finish blocks until every command in the queue has completed
func (q *Queue) Finish() error {
	if status := C.clFinish(q.queue); status != C.CL_SUCCESS {
		return device.ExecutionError("%v", statusError("clFinish", status))
	}
	return nil
}

func (q *Queue) Release() {
	q.ctx.mu.Lock()
	defer q.ctx.mu.Unlock()
	q.release()
}

func (q *Queue) release() {
	if q.queue == nil {
		return
	}
	C.clFinish(q.queue)
	for _, e := range q.events {
		C.clReleaseEvent(e.event)
	}
	q.events = nil
	C.clReleaseCommandQueue(q.queue)
	q.queue = nil
}

// Event wraps the cl_event of one kernel launch
type Event struct {
	name      string
	event     C.cl_event
	profiling bool
}

func (e *Event) executionStatus() (C.cl_int, error) {
	var st C.cl_int
	status := C.clGetEventInfo(e.event, C.CL_EVENT_COMMAND_EXECUTION_STATUS,
		C.size_t(unsafe.Sizeof(st)), unsafe.Pointer(&st), nil)
	if status != C.CL_SUCCESS {
		return 0, statusError("clGetEventInfo", status)
	}
	return st, nil
}

func (e *Event) Status() device.Status {
	st, err := e.executionStatus()
	switch {
	case err != nil || st < 0:
		return device.Failed
	case st == C.CL_COMPLETE:
		return device.Completed
	case st == C.CL_RUNNING:
		return device.Running
	default:
		return device.Enqueued
	}
}

func (e *Event) Wait() error {
	if status := C.clWaitForEvents(1, &e.event); status != C.CL_SUCCESS {
		return device.ExecutionError("%s: %v", e.name, statusError("clWaitForEvents", status))
	}
	st, err := e.executionStatus()
	if err != nil {
		return device.ExecutionError("%s: %v", e.name, err)
	}
	if st < 0 {
		return device.ExecutionError("%s: %s", e.name, C.GoString(C.kd_cl_error_string(st)))
	}
	return nil
}

func (e *Event) SupportsProfiling() bool { return e.profiling }

// Timestamps returns CL_PROFILING_COMMAND_START and _END in nanoseconds
func (e *Event) Timestamps() (uint64, uint64, error) {
	if !e.profiling {
		return 0, 0, errors.Wrap(device.ErrProfilingUnsupported, "queue created without profiling")
	}
	var start, end C.cl_ulong
	status := C.clGetEventProfilingInfo(e.event, C.CL_PROFILING_COMMAND_START,
		C.size_t(unsafe.Sizeof(start)), unsafe.Pointer(&start), nil)
	if status == C.CL_SUCCESS {
		status = C.clGetEventProfilingInfo(e.event, C.CL_PROFILING_COMMAND_END,
			C.size_t(unsafe.Sizeof(end)), unsafe.Pointer(&end), nil)
	}
	if status == C.CL_PROFILING_INFO_NOT_AVAILABLE {
		return 0, 0, errors.Wrap(device.ErrNotCompleted, statusError("clGetEventProfilingInfo", status).Error())
	}
	if status != C.CL_SUCCESS {
		return 0, 0, statusError("clGetEventProfilingInfo", status)
	}
	return uint64(start), uint64(end), nil
}
