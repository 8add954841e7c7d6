package workloads

import (
	"math"

	"github.com/notargets/kdispatch/device"
	"github.com/notargets/kdispatch/kernels"
	"github.com/notargets/kdispatch/runner"
	"github.com/notargets/kdispatch/runner/builder"
	"github.com/pkg/errors"
)

// ApproximatePi integrates 4/(1+x^2) over the unit interval with the
// midpoint rule. Each group writes one partial sum; the host adds them in
// group order and scales by the step width.
func ApproximatePi(s *runner.Session, cfg Config) (*Result, error) {
	if cfg.Iterations <= 0 || cfg.Iterations > math.MaxInt32 {
		return nil, errors.Errorf("invalid iterations per work item %d", cfg.Iterations)
	}
	if _, err := s.BuildProgram(kernels.ApproximatePiSource, kernels.ApproximatePiEntry); err != nil {
		return nil, err
	}
	plan, err := s.Plan(kernels.ApproximatePiEntry, cfg.Steps, cfg.Iterations)
	if err != nil {
		return nil, err
	}

	if _, err := s.Allocate("partialSums", device.WriteOnly, builder.Float64, int64(plan.GroupCount)); err != nil {
		return nil, err
	}
	d, err := s.Enqueue(kernels.ApproximatePiEntry, plan,
		int32(cfg.Iterations),
		plan.StepWidth(),
		device.Local(int64(plan.GroupSize)*builder.SizeOfType(builder.Float64)),
		runner.Buf("partialSums"),
	)
	if err != nil {
		return nil, err
	}
	if err := d.Await(); err != nil {
		return nil, err
	}
	sum, err := s.Reduce(runner.Sum, "partialSums")
	if err != nil {
		return nil, err
	}
	m, err := d.Measure()
	if err != nil {
		return nil, err
	}
	return &Result{
		Workload:    "pi",
		Value:       sum * plan.StepWidth(),
		Plan:        plan,
		Measurement: m,
		Device:      s.Device,
	}, nil
}
