package runner

import (
	"time"

	"github.com/notargets/kdispatch/device"
	"github.com/notargets/kdispatch/partitions"
	"github.com/notargets/kdispatch/runner/builder"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Buf refers to a session array by name in an Enqueue argument list
type Buf string

// Dispatch is one kernel invocation submitted to the session queue
type Dispatch struct {
	EntryPoint string
	Plan       partitions.Plan
	Event      device.Event

	enqueuedAt  time.Time
	hostElapsed time.Duration
	awaited     bool
}

// Status returns the current state of the dispatch
func (d *Dispatch) Status() device.Status {
	return d.Event.Status()
}

// HostElapsed returns host wall-clock time from enqueue to the end of Await
func (d *Dispatch) HostElapsed() time.Duration {
	return d.hostElapsed
}

// Enqueue submits entryPoint over plan's launch range. Arguments are passed
// positionally: Buf names resolve to session arrays, device.LocalMem
// reserves group-local scratch, anything else is a scalar.
func (s *Session) Enqueue(entryPoint string, plan partitions.Plan, args ...interface{}) (*Dispatch, error) {
	if err := s.checkOpen(); err != nil {
		return nil, stageError(StageDispatch, err)
	}
	if plan.GroupCount <= 0 {
		return nil, stageError(StagePartition, errors.Wrapf(partitions.ErrDegeneratePlan,
			"%s: refusing zero-work dispatch (%s)", entryPoint, plan))
	}
	program, exists := s.Programs[entryPoint]
	if !exists {
		return nil, stageError(StageDispatch, errors.Errorf("kernel %s not built - use BuildProgram first", entryPoint))
	}
	if s.inflight != nil && !s.inflight.Status().Terminal() {
		return nil, stageError(StageDispatch, device.ExecutionError(
			"%s: dispatch of %s is still in flight", entryPoint, s.inflight.EntryPoint))
	}

	resolved := make([]interface{}, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case Buf:
			array, exists := s.Arrays[string(v)]
			if !exists {
				return nil, stageError(StageDispatch, errors.Errorf("argument %d: array %s not allocated", i, v))
			}
			resolved[i] = array.Buffer
		case *Array:
			resolved[i] = v.Buffer
		default:
			resolved[i] = arg
		}
	}

	r := device.Range{Global: plan.GlobalSize(), Local: plan.GroupSize}
	enqueuedAt := time.Now()
	event, err := s.Queue.Enqueue(program, r, resolved...)
	if err != nil {
		return nil, stageError(StageDispatch, errors.Wrapf(err, "failed to enqueue %s", entryPoint))
	}
	d := &Dispatch{EntryPoint: entryPoint, Plan: plan, Event: event, enqueuedAt: enqueuedAt}
	s.inflight = d
	klog.V(2).Infof("enqueued %s over %d work items in %d groups", entryPoint, r.Global, plan.GroupCount)
	return d, nil
}

// Await blocks until the dispatch completes
func (d *Dispatch) Await() error {
	err := d.Event.Wait()
	if !d.awaited {
		d.hostElapsed = time.Since(d.enqueuedAt)
		d.awaited = true
	}
	if err != nil {
		return stageError(StageAwait, err)
	}
	return nil
}

// Run executes a kernel in one call: arrays named by params are allocated
// when missing and copied to the device, the kernel is enqueued over plan
// and awaited, and copy-back parameters are downloaded
func (s *Session) Run(entryPoint string, plan partitions.Plan, params ...*builder.ParamBuilder) (*Dispatch, error) {
	args := make([]interface{}, 0, len(params))
	for _, p := range params {
		spec := &p.Spec
		if err := spec.Validate(); err != nil {
			return nil, stageError(StageDispatch, errors.Wrapf(err, "invalid parameter for %s", entryPoint))
		}
		switch spec.Direction {
		case builder.DirectionScalar:
			args = append(args, spec.HostBinding)
			continue
		case builder.DirectionLocal:
			args = append(args, device.Local(spec.LocalBytes()))
			continue
		}

		if err := s.ensureArray(spec); err != nil {
			return nil, err
		}
		if spec.NeedsCopyTo() {
			if err := s.Upload(spec.Name, spec.HostBinding); err != nil {
				return nil, err
			}
		}
		args = append(args, Buf(spec.Name))
	}

	d, err := s.Enqueue(entryPoint, plan, args...)
	if err != nil {
		return nil, err
	}
	if err := d.Await(); err != nil {
		return d, err
	}

	for _, p := range params {
		if p.Spec.IsArray() && p.Spec.NeedsCopyBack() {
			if err := s.Download(p.Spec.Name, p.Spec.HostBinding); err != nil {
				return d, err
			}
		}
	}
	return d, nil
}

func (s *Session) ensureArray(spec *builder.ParamSpec) error {
	if array, exists := s.Arrays[spec.Name]; exists {
		if array.Elements != spec.Size {
			return stageError(StageAllocate, device.TransferError(
				"array %s has %d elements, parameter declares %d", spec.Name, array.Elements, spec.Size))
		}
		return nil
	}
	_, err := s.Allocate(spec.Name, spec.AccessMode(), spec.DataType, spec.Size)
	return err
}
