package runner

import (
	"time"

	"github.com/notargets/kdispatch/device"
	"github.com/pkg/errors"
)

// Timing holds device timestamps of a dispatch in nanoseconds
type Timing struct {
	Start uint64
	End   uint64
}

// Microseconds converts the nanosecond interval to microseconds
func (t Timing) Microseconds() float64 {
	return float64(t.End-t.Start) / 1000.0
}

func (t Timing) Duration() time.Duration {
	return time.Duration(t.End - t.Start)
}

// Profile returns the device start and end timestamps of a completed
// dispatch. It fails with device.ErrProfilingUnsupported when the queue
// cannot report timestamps, and with device.ErrNotCompleted before the
// dispatch has completed.
func (d *Dispatch) Profile() (Timing, error) {
	if !d.Event.SupportsProfiling() {
		return Timing{}, stageError(StageProfile,
			errors.Wrapf(device.ErrProfilingUnsupported, "%s", d.EntryPoint))
	}
	if status := d.Status(); status != device.Completed {
		return Timing{}, stageError(StageProfile,
			errors.Wrapf(device.ErrNotCompleted, "%s is %s", d.EntryPoint, status))
	}
	start, end, err := d.Event.Timestamps()
	if err != nil {
		return Timing{}, stageError(StageProfile, err)
	}
	if end < start {
		return Timing{}, stageError(StageProfile,
			errors.Errorf("%s: end timestamp %d precedes start %d", d.EntryPoint, end, start))
	}
	return Timing{Start: start, End: end}, nil
}

// Measurement is an execution time with its source
type Measurement struct {
	Microseconds float64
	HostMeasured bool // wall clock around enqueue and await
}

// Measure returns device-profiled time when available and otherwise falls
// back to host wall-clock time. Only unsupported profiling degrades; other
// profiling failures are returned. The dispatch must have been awaited.
func (d *Dispatch) Measure() (Measurement, error) {
	if status := d.Status(); !d.awaited || status != device.Completed {
		return Measurement{}, stageError(StageProfile,
			errors.Wrapf(device.ErrNotCompleted, "%s is %s (awaited %v)", d.EntryPoint, status, d.awaited))
	}
	timing, err := d.Profile()
	if err == nil {
		return Measurement{Microseconds: timing.Microseconds()}, nil
	}
	if !errors.Is(err, device.ErrProfilingUnsupported) {
		return Measurement{}, err
	}
	return Measurement{
		Microseconds: float64(d.hostElapsed.Nanoseconds()) / 1000.0,
		HostMeasured: true,
	}, nil
}
