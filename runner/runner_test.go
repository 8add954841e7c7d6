package runner

import (
	"math"
	"sync"
	"testing"

	"github.com/notargets/kdispatch/device"
	"github.com/notargets/kdispatch/device/host"
	"github.com/notargets/kdispatch/kernels"
	"github.com/notargets/kdispatch/partitions"
	"github.com/notargets/kdispatch/runner/builder"
	"github.com/notargets/kdispatch/utils"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"
)

func newTestSession(t *testing.T, opts Options) *Session {
	t.Helper()
	s, err := NewSession(utils.CreateTestContext(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSession_NilContext(t *testing.T) {
	assert.Panics(t, func() {
		_, _ = NewSession(nil, Options{})
	})
}

func TestSession_Open(t *testing.T) {
	s, err := Open(utils.CreateTestRegistry(), device.AnyDevice, Options{Profiling: true})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, host.BackendName, s.Device.Backend)
	assert.True(t, s.Queue.ProfilingEnabled())

	_, err = Open(utils.CreateTestRegistry(), device.Hint{Backend: "cuda", ID: -1}, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, device.ErrDeviceUnavailable))
	assert.Equal(t, StageSelect, StageOf(err))
}

func TestSession_BuildProgram(t *testing.T) {
	s := newTestSession(t, Options{})

	t.Run("Idempotent", func(t *testing.T) {
		first, err := s.BuildProgram(kernels.VectorAddSource, kernels.VectorAddEntry)
		require.NoError(t, err)
		second, err := s.BuildProgram(kernels.VectorAddSource, kernels.VectorAddEntry)
		require.NoError(t, err)
		assert.Equal(t, first.PreferredGroupSize(), second.PreferredGroupSize())

		gs, err := s.PreferredGroupSize(kernels.VectorAddEntry)
		require.NoError(t, err)
		assert.Equal(t, utils.TestGroupSize, gs)
	})

	t.Run("MissingSource", func(t *testing.T) {
		_, err := s.BuildProgram("no_such_kernel", "Nothing")
		require.Error(t, err)
		assert.Equal(t, StageLoad, StageOf(err))
		assert.True(t, errors.Is(err, kernels.ErrSourceNotFound))
	})

	t.Run("WrongEntryPoint", func(t *testing.T) {
		_, err := s.BuildProgram(kernels.VectorAddSource, "VectorSub")
		require.Error(t, err)
		assert.Equal(t, StageBuild, StageOf(err))
		var be *device.BuildError
		require.True(t, errors.As(err, &be))
		assert.Contains(t, be.Log, "VectorSub")
	})

	t.Run("NotBuilt", func(t *testing.T) {
		_, err := s.PreferredGroupSize("ApproximateE")
		assert.Error(t, err)
	})
}

func TestSession_Plan(t *testing.T) {
	s := newTestSession(t, Options{})
	_, err := s.BuildProgram(kernels.VectorAddSource, kernels.VectorAddEntry)
	require.NoError(t, err)

	plan, err := s.Plan(kernels.VectorAddEntry, 1000, 1)
	require.NoError(t, err)
	assert.Equal(t, 15, plan.GroupCount)
	assert.Equal(t, 40, plan.Discarded())

	_, err = s.Plan(kernels.VectorAddEntry, 10, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, partitions.ErrDegeneratePlan))
	assert.Equal(t, StagePartition, StageOf(err))

	strict := newTestSession(t, Options{StrictPartition: true})
	_, err = strict.BuildProgram(kernels.VectorAddSource, kernels.VectorAddEntry)
	require.NoError(t, err)
	_, err = strict.Plan(kernels.VectorAddEntry, 1000, 1)
	assert.True(t, errors.Is(err, partitions.ErrTruncatedPlan))
	_, err = strict.Plan(kernels.VectorAddEntry, 1024, 1)
	assert.NoError(t, err)
}

func TestMemory_RoundTrip(t *testing.T) {
	s := newTestSession(t, Options{})

	t.Run("Float64BitIdentical", func(t *testing.T) {
		data := []float64{math.Pi, math.Copysign(0, -1), math.SmallestNonzeroFloat64, math.MaxFloat64, math.Inf(-1), 1e-300}
		_, err := s.Allocate("x", device.ReadWrite, builder.Float64, int64(len(data)))
		require.NoError(t, err)
		require.NoError(t, s.Upload("x", data))

		out := make([]float64, len(data))
		require.NoError(t, s.Download("x", out))
		for i := range data {
			assert.Equal(t, math.Float64bits(data[i]), math.Float64bits(out[i]), "element %d", i)
		}
	})

	t.Run("Int32", func(t *testing.T) {
		data := []int32{math.MinInt32, -1, 0, 1, math.MaxInt32}
		_, err := s.AllocateFrom("n", device.ReadWrite, data)
		require.NoError(t, err)
		out := make([]int32, len(data))
		require.NoError(t, s.Download("n", out))
		assert.Equal(t, data, out)
	})

	t.Run("Conversion", func(t *testing.T) {
		_, err := s.Allocate("f", device.ReadWrite, builder.Float32, 3)
		require.NoError(t, err)
		require.NoError(t, s.Upload("f", []float64{1.5, 2.25, -4}))
		out := make([]float64, 3)
		require.NoError(t, s.Download("f", out))
		assert.Equal(t, []float64{1.5, 2.25, -4}, out)
	})

	t.Run("GonumVector", func(t *testing.T) {
		v := mat.NewVecDense(4, []float64{1, 2, 3, 4})
		_, err := s.AllocateFrom("v", device.ReadOnly, v)
		require.NoError(t, err)
		out := mat.NewVecDense(4, nil)
		require.NoError(t, s.Download("v", out))
		assert.True(t, mat.Equal(v, out))
	})
}

func TestMemory_Errors(t *testing.T) {
	s := newTestSession(t, Options{})
	_, err := s.Allocate("a", device.ReadWrite, builder.Float32, 8)
	require.NoError(t, err)

	err = s.Upload("a", make([]float32, 7))
	require.Error(t, err)
	assert.True(t, errors.Is(err, device.ErrTransfer))
	assert.Equal(t, StageUpload, StageOf(err))

	err = s.Download("a", make([]float32, 9))
	require.Error(t, err)
	assert.True(t, errors.Is(err, device.ErrTransfer))
	assert.Equal(t, StageDownload, StageOf(err))

	err = s.Upload("missing", make([]float32, 8))
	assert.True(t, errors.Is(err, device.ErrTransfer))

	err = s.Upload("a", []string{"x"})
	assert.True(t, errors.Is(err, device.ErrTransfer))

	_, err = s.Allocate("b", device.ReadWrite, builder.Float32, 0)
	assert.Equal(t, StageAllocate, StageOf(err))

	require.NoError(t, s.Release("a"))
	assert.Empty(t, s.GetAllocatedArrays())
	assert.Error(t, s.Release("a"))
}

func TestMemory_NarrowingOverflow(t *testing.T) {
	s := newTestSession(t, Options{})
	_, err := s.Allocate("n", device.ReadWrite, builder.INT32, 2)
	require.NoError(t, err)

	err = s.Upload("n", []int64{1, 1 << 40})
	require.Error(t, err)
	assert.True(t, errors.Is(err, device.ErrTransfer))
	assert.Equal(t, StageUpload, StageOf(err))
	assert.Contains(t, err.Error(), "element 1")

	require.NoError(t, s.Upload("n", []int64{math.MaxInt32, math.MinInt32}))
	wide, err := CopyArrayToHost[int64](s, "n")
	require.NoError(t, err)
	assert.Equal(t, []int64{math.MaxInt32, math.MinInt32}, wide)

	_, err = s.AllocateFrom("big", device.ReadWrite, []int64{-1 << 33})
	require.NoError(t, err)
	_, err = CopyArrayToHost[int32](s, "big")
	assert.True(t, errors.Is(err, device.ErrTransfer))
	assert.Equal(t, StageDownload, StageOf(err))

	_, err = s.Allocate("f", device.ReadWrite, builder.Float32, 2)
	require.NoError(t, err)
	err = s.Upload("f", []float64{1, 1e300})
	assert.True(t, errors.Is(err, device.ErrTransfer))
	require.NoError(t, s.Upload("f", []float64{math.Inf(-1), 0.5}))
	narrow, err := CopyArrayToHost[float32](s, "f")
	require.NoError(t, err)
	assert.True(t, math.IsInf(float64(narrow[0]), -1))
	assert.Equal(t, float32(0.5), narrow[1])

	_, err = s.AllocateFrom("d", device.ReadWrite, []float64{-1e300})
	require.NoError(t, err)
	err = s.Download("d", make([]float32, 1))
	assert.True(t, errors.Is(err, device.ErrTransfer))
	assert.Equal(t, StageDownload, StageOf(err))
}

// Integers cast to float add exactly
func TestScenario_VectorAdd(t *testing.T) {
	const n = 1024
	s := newTestSession(t, Options{Profiling: true})
	_, err := s.BuildProgram(kernels.VectorAddSource, kernels.VectorAddEntry)
	require.NoError(t, err)

	plan, err := s.Plan(kernels.VectorAddEntry, n, 1)
	require.NoError(t, err)
	assert.Equal(t, 16, plan.GroupCount)
	assert.Equal(t, n, plan.GlobalSize())

	a, b := make([]float32, n), make([]float32, n)
	for i := range a {
		a[i] = float32(i)
		b[i] = float32(2*n - i)
	}
	c := make([]float32, n)
	d, err := s.Run(kernels.VectorAddEntry, plan,
		builder.Input("a").Bind(a).CopyTo(),
		builder.Input("b").Bind(b).CopyTo(),
		builder.Output("c").Bind(c).CopyBack(),
	)
	require.NoError(t, err)
	assert.Equal(t, device.Completed, d.Status())
	for i := range c {
		require.Equal(t, a[i]+b[i], c[i], "element %d", i)
	}

	timing, err := d.Profile()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, timing.End, timing.Start)
	assert.Equal(t, float64(timing.End-timing.Start)/1000.0, timing.Microseconds())
	assert.Equal(t, device.ReadOnly, s.Arrays["a"].Buffer.Mode())
	assert.Equal(t, device.WriteOnly, s.Arrays["c"].Buffer.Mode())
}

func TestScenario_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("integrates 512^3 steps")
	}
	const (
		steps      = 512 * 512 * 512
		iterations = 262144
		groupSize  = 256
	)
	reg := device.NewRegistry(host.New(host.Config{GroupSize: groupSize, Library: kernels.HostLibrary()}))
	s, err := Open(reg, device.AnyDevice, Options{})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.BuildProgram(kernels.ApproximatePiSource, kernels.ApproximatePiEntry)
	require.NoError(t, err)
	plan, err := s.Plan(kernels.ApproximatePiEntry, steps, iterations)
	require.NoError(t, err)
	require.Equal(t, 2, plan.GroupCount)
	require.Equal(t, 2*groupSize*iterations, plan.EffectiveTotal)

	_, err = s.Allocate("partialSums", device.WriteOnly, builder.Float64, int64(plan.GroupCount))
	require.NoError(t, err)
	d, err := s.Enqueue(kernels.ApproximatePiEntry, plan,
		int32(iterations), plan.StepWidth(), device.Local(int64(groupSize*8)), Buf("partialSums"))
	require.NoError(t, err)
	require.NoError(t, d.Await())

	sum, err := s.Reduce(Sum, "partialSums")
	require.NoError(t, err)
	pi := sum * plan.StepWidth()

	var reference float64
	h := plan.StepWidth()
	for i := 0; i < plan.EffectiveTotal; i++ {
		x := (float64(i) + 0.5) * h
		reference += 4.0 / (1.0 + x*x)
	}
	reference *= h

	assert.True(t, scalar.EqualWithinRel(pi, reference, 1e-6), "pi=%v reference=%v", pi, reference)
	assert.InDelta(t, math.Pi, pi, 1e-7)
}

func TestRun_ScalarAndLocalParams(t *testing.T) {
	s := newTestSession(t, Options{Profiling: true})
	_, err := s.BuildProgram(kernels.ApproximatePiSource, kernels.ApproximatePiEntry)
	require.NoError(t, err)
	gs, err := s.PreferredGroupSize(kernels.ApproximatePiEntry)
	require.NoError(t, err)

	iterations := 256
	plan, err := s.Plan(kernels.ApproximatePiEntry, 4*gs*iterations, iterations)
	require.NoError(t, err)
	require.Equal(t, 4, plan.GroupCount)

	partials := make([]float64, plan.GroupCount)
	d, err := s.Run(kernels.ApproximatePiEntry, plan,
		builder.Scalar("iterations").Bind(int32(iterations)),
		builder.Scalar("stepWidth").Bind(plan.StepWidth()),
		builder.Local("localSums").Type(builder.Float64).Size(gs),
		builder.Output("partialSums").Bind(partials).CopyBack(),
	)
	require.NoError(t, err)
	assert.Equal(t, device.Completed, d.Status())
	assert.Equal(t, []string{"partialSums"}, s.GetAllocatedArrays())

	var sum float64
	for _, v := range partials {
		assert.Greater(t, v, 0.0)
		sum += v
	}
	reduced, err := s.Reduce(Sum, "partialSums")
	require.NoError(t, err)
	assert.Equal(t, sum, reduced)
	assert.InDelta(t, math.Pi, sum*plan.StepWidth(), 1e-8)

	_, err = s.Run(kernels.ApproximatePiEntry, plan,
		builder.Scalar("iterations"),
		builder.Scalar("stepWidth").Bind(plan.StepWidth()),
		builder.Local("localSums").Type(builder.Float64).Size(gs),
		builder.Output("partialSums").Bind(partials).CopyBack(),
	)
	require.Error(t, err)
	assert.Equal(t, StageDispatch, StageOf(err))
}

func TestDispatch_Degenerate(t *testing.T) {
	s := newTestSession(t, Options{})
	_, err := s.BuildProgram(kernels.VectorAddSource, kernels.VectorAddEntry)
	require.NoError(t, err)

	plan, err := partitions.Elementwise(10, 64)
	require.True(t, errors.Is(err, partitions.ErrDegeneratePlan))
	assert.Zero(t, plan.GroupCount)

	_, err = s.Enqueue(kernels.VectorAddEntry, plan)
	require.Error(t, err)
	assert.True(t, errors.Is(err, partitions.ErrDegeneratePlan))
	assert.Equal(t, StagePartition, StageOf(err))
	assert.Nil(t, s.inflight)
}

func TestDispatch_Errors(t *testing.T) {
	s := newTestSession(t, Options{})
	plan, err := partitions.Elementwise(128, 64)
	require.NoError(t, err)

	_, err = s.Enqueue(kernels.VectorAddEntry, plan)
	assert.Equal(t, StageDispatch, StageOf(err))

	_, err = s.BuildProgram(kernels.VectorAddSource, kernels.VectorAddEntry)
	require.NoError(t, err)
	_, err = s.Enqueue(kernels.VectorAddEntry, plan, Buf("missing"))
	assert.Equal(t, StageDispatch, StageOf(err))

	// Buffers shorter than the launch range fault inside the kernel
	for _, name := range []string{"a", "b", "c"} {
		_, err = s.Allocate(name, device.ReadWrite, builder.Float32, 64)
		require.NoError(t, err)
	}
	d, err := s.Enqueue(kernels.VectorAddEntry, plan, Buf("a"), Buf("b"), Buf("c"))
	require.NoError(t, err)
	err = d.Await()
	require.Error(t, err)
	assert.True(t, errors.Is(err, device.ErrExecution))
	assert.Equal(t, StageAwait, StageOf(err))
	assert.Equal(t, device.Failed, d.Status())
}

func TestProfiling_Unsupported(t *testing.T) {
	s := newTestSession(t, Options{Profiling: false})
	_, err := s.BuildProgram(kernels.VaddSource, kernels.VaddEntry)
	require.NoError(t, err)
	plan, err := s.Plan(kernels.VaddEntry, 64, 1)
	require.NoError(t, err)

	a := make([]float32, 64)
	d, err := s.Run(kernels.VaddEntry, plan,
		builder.Input("a").Bind(a).CopyTo(),
		builder.Input("b").Bind(a).CopyTo(),
		builder.InOut("c").Bind(make([]float32, 64)).Copy(),
	)
	require.NoError(t, err)

	_, err = d.Profile()
	require.Error(t, err)
	assert.True(t, errors.Is(err, device.ErrProfilingUnsupported))
	assert.Equal(t, StageProfile, StageOf(err))

	m, err := d.Measure()
	require.NoError(t, err)
	assert.True(t, m.HostMeasured)
	assert.GreaterOrEqual(t, m.Microseconds, 0.0)
}

func TestProfiling_PendingDispatch(t *testing.T) {
	unblock := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(unblock) }) }

	b := host.New(host.Config{
		GroupSize: utils.TestGroupSize,
		Library: host.Library{
			"Block": host.KernelFunc(func(g host.Group, args host.Args) error {
				<-unblock
				return nil
			}),
		},
	})
	ctx, err := device.NewRegistry(b).Open(device.AnyDevice)
	require.NoError(t, err)
	s, err := NewSession(ctx, Options{Profiling: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	// runs before Close so the queue can drain
	t.Cleanup(release)
	require.True(t, s.Queue.ProfilingEnabled())

	_, err = s.BuildProgramFromString("__kernel void Block(__global float* x) {}", "Block")
	require.NoError(t, err)
	plan, err := s.Plan("Block", 2*utils.TestGroupSize, 1)
	require.NoError(t, err)
	_, err = s.Allocate("x", device.ReadWrite, builder.Float32, int64(plan.GlobalSize()))
	require.NoError(t, err)

	d, err := s.Enqueue("Block", plan, Buf("x"))
	require.NoError(t, err)
	require.False(t, d.Status().Terminal())

	_, err = d.Profile()
	require.Error(t, err)
	assert.True(t, errors.Is(err, device.ErrNotCompleted))
	assert.False(t, errors.Is(err, device.ErrProfilingUnsupported))
	assert.Equal(t, StageProfile, StageOf(err))

	_, err = d.Measure()
	require.Error(t, err)
	assert.True(t, errors.Is(err, device.ErrNotCompleted))

	release()
	require.NoError(t, d.Await())
	m, err := d.Measure()
	require.NoError(t, err)
	assert.False(t, m.HostMeasured)
	assert.GreaterOrEqual(t, m.Microseconds, 0.0)
}

func TestReduce(t *testing.T) {
	s := newTestSession(t, Options{})
	_, err := s.AllocateFrom("p", device.ReadWrite, []float64{3, -1, 4})
	require.NoError(t, err)
	_, err = s.AllocateFrom("q", device.ReadWrite, []float32{1, 5})
	require.NoError(t, err)

	testCases := []struct {
		op       Operator
		expected float64
	}{
		{Sum, 12},
		{Max, 5},
		{Min, -1},
	}
	for _, tc := range testCases {
		t.Run(tc.op.String(), func(t *testing.T) {
			got, err := s.Reduce(tc.op, "p", "q")
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}

	_, err = s.Reduce(Sum)
	assert.Equal(t, StageReduce, StageOf(err))
	_, err = s.Reduce(Sum, "missing")
	assert.Equal(t, StageDownload, StageOf(err))
}

func TestCopyArrayToHost(t *testing.T) {
	s := newTestSession(t, Options{})
	_, err := s.AllocateFrom("n", device.ReadWrite, []int32{7, -2, 9})
	require.NoError(t, err)

	ints, err := CopyArrayToHost[int32](s, "n")
	require.NoError(t, err)
	assert.Equal(t, []int32{7, -2, 9}, ints)

	wide, err := CopyArrayToHost[int64](s, "n")
	require.NoError(t, err)
	assert.Equal(t, []int64{7, -2, 9}, wide)

	_, err = CopyArrayToHost[float32](s, "missing")
	assert.Equal(t, StageDownload, StageOf(err))
}

func TestOperator_SumOrder(t *testing.T) {
	values := []float64{1e16, 1, -1e16, 1}
	got, err := Sum.Fold(values)
	require.NoError(t, err)
	// ((1e16 + 1) - 1e16) + 1 loses the first 1 in float64
	assert.Equal(t, 1.0, got)
}

func TestSession_Close(t *testing.T) {
	s, err := NewSession(utils.CreateTestContext(), Options{})
	require.NoError(t, err)
	_, err = s.BuildProgram(kernels.VectorAddSource, kernels.VectorAddEntry)
	require.NoError(t, err)
	_, err = s.Allocate("a", device.ReadWrite, builder.Float32, 4)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.Empty(t, s.Programs)
	assert.Empty(t, s.Arrays)
	assert.NoError(t, s.Close())

	_, err = s.BuildProgram(kernels.VectorAddSource, kernels.VectorAddEntry)
	assert.True(t, errors.Is(err, device.ErrReleased))
	_, err = s.Allocate("b", device.ReadWrite, builder.Float32, 4)
	assert.True(t, errors.Is(err, device.ErrReleased))
}
