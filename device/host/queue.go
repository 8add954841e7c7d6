package host

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/notargets/kdispatch/device"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Queue is an in-order command queue: a dispatch starts only after the
// previous one finished
type Queue struct {
	ctx       *Context
	profiling bool

	mu   sync.Mutex
	last *Event
}

func (q *Queue) ProfilingEnabled() bool { return q.profiling }

// Enqueue starts p over r asynchronously and returns its event
func (q *Queue) Enqueue(p device.Program, r device.Range, args ...interface{}) (device.Event, error) {
	prog, ok := p.(*Program)
	if !ok || prog.ctx != q.ctx {
		return nil, device.ExecutionError("program %T does not belong to this host context", p)
	}
	if err := r.Validate(); err != nil {
		return nil, device.ExecutionError("%s: %v", prog.entryPoint, err)
	}
	q.ctx.mu.Lock()
	kernel := prog.kernel
	q.ctx.mu.Unlock()
	if kernel == nil {
		return nil, errors.Wrapf(device.ErrReleased, "program %s released", prog.entryPoint)
	}
	resolved, locals, err := q.resolveArgs(args)
	if err != nil {
		return nil, device.ExecutionError("%s: %v", prog.entryPoint, err)
	}

	ev := &Event{profiling: q.profiling, done: make(chan struct{})}
	ev.status.Store(int32(device.Enqueued))

	q.mu.Lock()
	prev := q.last
	q.last = ev
	q.mu.Unlock()

	workers := q.ctx.backend.cfg.Workers
	go func() {
		if prev != nil {
			<-prev.done
		}
		ev.run(prog.entryPoint, kernel, r, resolved, locals, workers)
	}()
	klog.V(2).Infof("host: enqueued %s global=%d local=%d", prog.entryPoint, r.Global, r.Local)
	return ev, nil
}

func (q *Queue) resolveArgs(args []interface{}) (Args, []int, error) {
	resolved := make(Args, len(args))
	var locals []int
	for i, a := range args {
		switch v := a.(type) {
		case *Buffer:
			if v.ctx != q.ctx {
				return nil, nil, errors.Errorf("argument %d: buffer belongs to another context", i)
			}
			if len(v.words) == 0 {
				return nil, nil, errors.Errorf("argument %d: buffer released", i)
			}
			resolved[i] = v
		case device.Buffer:
			return nil, nil, errors.Errorf("argument %d: foreign buffer %T", i, v)
		case device.LocalMem:
			if v.Bytes <= 0 {
				return nil, nil, errors.Errorf("argument %d: invalid local memory size %d", i, v.Bytes)
			}
			resolved[i] = v
			locals = append(locals, i)
		default:
			resolved[i] = a
		}
	}
	return resolved, locals, nil
}

// Finish blocks until every enqueued dispatch has completed
func (q *Queue) Finish() error {
	q.mu.Lock()
	last := q.last
	q.mu.Unlock()
	if last == nil {
		return nil
	}
	return last.Wait()
}

func (q *Queue) Release() {
	_ = q.Finish()
}

// Event tracks one host dispatch
type Event struct {
	profiling bool
	status    atomic.Int32
	done      chan struct{}

	start, end uint64
	err        error
}

func (e *Event) run(name string, k Kernel, r device.Range, args Args, locals []int, workers int) {
	e.status.Store(int32(device.Running))
	e.start = uint64(time.Now().UnixNano())

	numGroups := r.NumGroups()
	var g errgroup.Group
	g.SetLimit(workers)
	for id := 0; id < numGroups; id++ {
		grp := Group{ID: id, Size: r.Local, NumGroups: numGroups}
		g.Go(func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = errors.Errorf("group %d panicked: %v", grp.ID, rec)
				}
			}()
			groupArgs := args
			if len(locals) > 0 {
				groupArgs = make(Args, len(args))
				copy(groupArgs, args)
				for _, i := range locals {
					groupArgs[i] = newScratch(args[i].(device.LocalMem).Bytes)
				}
			}
			return k.Invoke(grp, groupArgs)
		})
	}
	err := g.Wait()

	e.end = uint64(time.Now().UnixNano())
	if err != nil {
		e.err = device.ExecutionError("%s: %v", name, err)
		e.status.Store(int32(device.Failed))
	} else {
		e.status.Store(int32(device.Completed))
	}
	close(e.done)
}

func (e *Event) Status() device.Status {
	return device.Status(e.status.Load())
}

func (e *Event) Wait() error {
	<-e.done
	return e.err
}

func (e *Event) SupportsProfiling() bool { return e.profiling }

func (e *Event) Timestamps() (uint64, uint64, error) {
	if !e.profiling {
		return 0, 0, errors.Wrap(device.ErrProfilingUnsupported, "queue created without profiling")
	}
	select {
	case <-e.done:
	default:
		return 0, 0, errors.Wrapf(device.ErrNotCompleted, "dispatch is %s", e.Status())
	}
	if e.err != nil {
		return 0, 0, errors.Wrap(device.ErrNotCompleted, "dispatch failed")
	}
	return e.start, e.end, nil
}
