package kernels

import (
	"github.com/notargets/kdispatch/device/host"
)

// HostLibrary returns the Go implementations of every kernel in this package
func HostLibrary() host.Library {
	return host.Library{
		VectorAddEntry:     host.KernelFunc(vectorAdd),
		VaddEntry:          host.KernelFunc(vectorAdd),
		ApproximatePiEntry: host.KernelFunc(approximatePi),
	}
}

// vectorAdd computes c = a + b elementwise
func vectorAdd(g host.Group, args host.Args) error {
	a, err := args.Float32s(0)
	if err != nil {
		return err
	}
	b, err := args.Float32s(1)
	if err != nil {
		return err
	}
	c, err := args.Float32s(2)
	if err != nil {
		return err
	}
	lo, hi := g.GlobalID(0), g.GlobalID(g.Size)
	if hi > len(a) || hi > len(b) || hi > len(c) {
		return errOutOfBounds(hi, len(a), len(b), len(c))
	}
	for i := lo; i < hi; i++ {
		c[i] = a[i] + b[i]
	}
	return nil
}

// approximatePi writes one partial sum of 4/(1+x^2) per group
func approximatePi(g host.Group, args host.Args) error {
	iterations, err := args.Int(0)
	if err != nil {
		return err
	}
	stepWidth, err := args.Float64(1)
	if err != nil {
		return err
	}
	localSums, err := args.Float64s(2)
	if err != nil {
		return err
	}
	partialSums, err := args.Float64s(3)
	if err != nil {
		return err
	}
	if len(localSums) < g.Size {
		return errOutOfBounds(g.Size, len(localSums))
	}
	if g.ID >= len(partialSums) {
		return errOutOfBounds(g.ID+1, len(partialSums))
	}

	for l := 0; l < g.Size; l++ {
		start := g.GlobalID(l) * iterations
		var accum float64
		for i := start; i < start+iterations; i++ {
			x := (float64(i) + 0.5) * stepWidth
			accum += 4.0 / (1.0 + x*x)
		}
		localSums[l] = accum
	}

	var sum float64
	for l := 0; l < g.Size; l++ {
		sum += localSums[l]
	}
	partialSums[g.ID] = sum
	return nil
}
