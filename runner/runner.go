package runner

import (
	"sort"

	"github.com/notargets/kdispatch/device"
	"github.com/notargets/kdispatch/kernels"
	"github.com/notargets/kdispatch/partitions"
	"github.com/notargets/kdispatch/runner/builder"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options configures a Session
type Options struct {
	Profiling       bool             // request a profiling-enabled queue
	StrictPartition bool             // reject plans that discard requested work
	Sources         kernels.Provider // defaults to the embedded kernel sources
}

// Array is a named device buffer owned by a Session
type Array struct {
	Name     string
	Buffer   device.Buffer
	DataType builder.DataType
	Elements int64
}

// Session owns every device resource used by one dispatch pipeline: the
// context, its compiled programs, one in-order queue and the named buffers.
// Close releases all of them. A Session is driven by a single goroutine.
type Session struct {
	Device   device.Info
	Context  device.Context
	Queue    device.Queue
	Programs map[string]device.Program
	Arrays   map[string]*Array

	opts     Options
	inflight *Dispatch
	closed   bool
}

// Open selects a device from the registry and creates a Session on it
func Open(reg *device.Registry, hint device.Hint, opts Options) (*Session, error) {
	ctx, err := reg.Open(hint)
	if err != nil {
		return nil, stageError(StageSelect, err)
	}
	s, err := NewSession(ctx, opts)
	if err != nil {
		_ = ctx.Close()
		return nil, err
	}
	return s, nil
}

// NewSession creates a Session owning ctx
func NewSession(ctx device.Context, opts Options) (*Session, error) {
	if ctx == nil {
		panic("runner: nil device context")
	}
	if opts.Sources == nil {
		opts.Sources = kernels.Source{}
	}
	info := ctx.Device()

	profiling := opts.Profiling
	if profiling && !info.SupportsProfiling {
		klog.Warningf("device %s does not report timestamps; profiling disabled", info.Name)
		profiling = false
	}
	queue, err := ctx.NewQueue(profiling)
	if err != nil {
		return nil, stageError(StageSelect, errors.Wrap(err, "failed to create queue"))
	}

	klog.V(1).Infof("session on %s (profiling=%v)", info, profiling)
	return &Session{
		Device:   info,
		Context:  ctx,
		Queue:    queue,
		Programs: make(map[string]device.Program),
		Arrays:   make(map[string]*Array),
		opts:     opts,
	}, nil
}

// BuildProgram loads the named kernel source in the device's dialect and
// compiles entryPoint from it
func (s *Session) BuildProgram(sourceName, entryPoint string) (device.Program, error) {
	if err := s.checkOpen(); err != nil {
		return nil, stageError(StageBuild, err)
	}
	fileName := kernels.FileName(sourceName, s.Device.Dialect)
	source, err := s.opts.Sources.Load(fileName)
	if err != nil {
		return nil, stageError(StageLoad, err)
	}
	return s.BuildProgramFromString(source, entryPoint)
}

// BuildProgramFromString compiles entryPoint from source text. A previous
// program with the same entry point is released.
func (s *Session) BuildProgramFromString(source, entryPoint string) (device.Program, error) {
	if err := s.checkOpen(); err != nil {
		return nil, stageError(StageBuild, err)
	}
	program, err := s.Context.Build(source, entryPoint)
	if err != nil {
		return nil, stageError(StageBuild, err)
	}
	if old, exists := s.Programs[entryPoint]; exists {
		old.Release()
	}
	s.Programs[entryPoint] = program
	klog.V(1).Infof("built %s: preferred group size %d", entryPoint, program.PreferredGroupSize())
	return program, nil
}

// PreferredGroupSize returns the device's preferred group size for a built program
func (s *Session) PreferredGroupSize(entryPoint string) (int, error) {
	program, exists := s.Programs[entryPoint]
	if !exists {
		return 0, errors.Errorf("kernel %s not built - use BuildProgram first", entryPoint)
	}
	return program.PreferredGroupSize(), nil
}

// Plan partitions requestedTotal units of work for a built program, each
// work item performing multiplier units. Truncation is logged, or rejected
// when the session is strict.
func (s *Session) Plan(entryPoint string, requestedTotal, multiplier int) (partitions.Plan, error) {
	groupSize, err := s.PreferredGroupSize(entryPoint)
	if err != nil {
		return partitions.Plan{}, stageError(StagePartition, err)
	}
	plan, err := partitions.NewPlan(requestedTotal, groupSize, multiplier)
	if s.opts.StrictPartition {
		plan, err = partitions.Strict(plan, err)
	}
	if err != nil {
		return plan, stageError(StagePartition, err)
	}
	if plan.Truncated() {
		klog.Warningf("%s: partition discards %d of %d requested units (%s)",
			entryPoint, plan.Discarded(), plan.RequestedTotal, plan)
	} else {
		klog.V(1).Infof("%s: %s", entryPoint, plan)
	}
	return plan, nil
}

// GetArray returns a named array
func (s *Session) GetArray(name string) (*Array, bool) {
	a, exists := s.Arrays[name]
	return a, exists
}

// GetAllocatedArrays returns a sorted list of allocated array names
func (s *Session) GetAllocatedArrays() []string {
	names := make([]string, 0, len(s.Arrays))
	for name := range s.Arrays {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Session) checkOpen() error {
	if s.closed {
		return errors.Wrap(device.ErrReleased, "session closed")
	}
	return nil
}

// Close waits for outstanding work and releases programs, buffers, the queue
// and the context. It is safe to call more than once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	// A failed dispatch was already reported by Await
	if err := s.Queue.Finish(); err != nil {
		klog.V(1).Infof("finish on close: %v", err)
	}
	for name, program := range s.Programs {
		program.Release()
		delete(s.Programs, name)
	}
	for name, array := range s.Arrays {
		array.Buffer.Release()
		delete(s.Arrays, name)
	}
	s.Queue.Release()
	err := s.Context.Close()
	klog.V(1).Infof("closed session on %s", s.Device.Name)
	return stageError(StageClose, err)
}
