package workloads

import (
	"github.com/notargets/kdispatch/device"
	"github.com/notargets/kdispatch/kernels"
	"github.com/notargets/kdispatch/runner"
	"github.com/notargets/kdispatch/runner/builder"
)

// VectorAdd computes c = a + b with read-only inputs written explicitly
// before the dispatch and a write-only output
func VectorAdd(s *runner.Session, cfg Config) (*Result, error) {
	a, b, err := inputs(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := s.BuildProgram(kernels.VectorAddSource, kernels.VectorAddEntry); err != nil {
		return nil, err
	}
	plan, err := s.Plan(kernels.VectorAddEntry, len(a), 1)
	if err != nil {
		return nil, err
	}

	c := make([]float32, len(a))
	d, err := s.Run(kernels.VectorAddEntry, plan,
		builder.Input("a").Bind(a).CopyTo(),
		builder.Input("b").Bind(b).CopyTo(),
		builder.Output("c").Bind(c).CopyBack(),
	)
	if err != nil {
		return nil, err
	}
	m, err := d.Measure()
	if err != nil {
		return nil, err
	}
	return &Result{
		Workload:    "vector_add",
		A:           a,
		B:           b,
		Output:      c,
		Plan:        plan,
		Measurement: m,
		Device:      s.Device,
	}, nil
}

// Vadd computes c = a + b with every buffer created from host data at
// allocation and a read-write output
func Vadd(s *runner.Session, cfg Config) (*Result, error) {
	a, b, err := inputs(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := s.BuildProgram(kernels.VaddSource, kernels.VaddEntry); err != nil {
		return nil, err
	}
	plan, err := s.Plan(kernels.VaddEntry, len(a), 1)
	if err != nil {
		return nil, err
	}

	c := make([]float32, len(a))
	if _, err := s.AllocateFrom("a", device.ReadOnly, a); err != nil {
		return nil, err
	}
	if _, err := s.AllocateFrom("b", device.ReadOnly, b); err != nil {
		return nil, err
	}
	if _, err := s.AllocateFrom("c", device.ReadWrite, c); err != nil {
		return nil, err
	}

	d, err := s.Enqueue(kernels.VaddEntry, plan, runner.Buf("a"), runner.Buf("b"), runner.Buf("c"))
	if err != nil {
		return nil, err
	}
	if err := d.Await(); err != nil {
		return nil, err
	}
	if err := s.Download("c", c); err != nil {
		return nil, err
	}
	m, err := d.Measure()
	if err != nil {
		return nil, err
	}
	return &Result{
		Workload:    "vadd",
		A:           a,
		B:           b,
		Output:      c,
		Plan:        plan,
		Measurement: m,
		Device:      s.Device,
	}, nil
}
