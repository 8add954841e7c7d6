package report

import (
	"bytes"
	"testing"

	"github.com/notargets/kdispatch/device"
	"github.com/notargets/kdispatch/partitions"
	"github.com/notargets/kdispatch/runner"
	"github.com/notargets/kdispatch/workloads"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsole_Scalar(t *testing.T) {
	plan, err := partitions.Integration(1000, 64, 2)
	require.NoError(t, err)
	var buf bytes.Buffer
	var sink Sink = NewConsole(&buf)
	require.NoError(t, sink.Report(&workloads.Result{
		Workload:    "pi",
		Value:       3.14159,
		Plan:        plan,
		Measurement: runner.Measurement{Microseconds: 12.5},
		Device:      device.Info{Name: "Test GPU"},
	}))
	out := buf.String()
	assert.Contains(t, out, "3.141590000000000")
	assert.Contains(t, out, "12.500 microseconds")
	assert.NotContains(t, out, "host clock")
	assert.Contains(t, out, "Test GPU")
	assert.Contains(t, out, "104 requested units were not computed")
}

func TestConsole_Vector(t *testing.T) {
	plan, err := partitions.Elementwise(2, 1)
	require.NoError(t, err)
	var buf bytes.Buffer
	c := NewConsole(&buf)
	c.Elements = -1
	require.NoError(t, c.Report(&workloads.Result{
		Workload:    "vadd",
		A:           []float32{1, 2},
		B:           []float32{3, 4},
		Output:      []float32{4, 6},
		Plan:        plan,
		Measurement: runner.Measurement{Microseconds: 1, HostMeasured: true},
	}))
	out := buf.String()
	assert.Contains(t, out, "h_a: 1 h_b 3 h_c 4")
	assert.Contains(t, out, "h_a: 2 h_b 4 h_c 6")
	assert.Contains(t, out, "host clock")
	assert.NotContains(t, out, "not computed")
}

func TestDevices(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Devices(&buf, nil))
	assert.Contains(t, buf.String(), "no devices available")

	buf.Reset()
	require.NoError(t, Devices(&buf, []device.Info{
		{Backend: "host", Name: "Go host", Kind: device.KindHost, Dialect: device.DialectOpenCL, SupportsProfiling: true},
	}))
	assert.Contains(t, buf.String(), "host:0")
	assert.Contains(t, buf.String(), "profiling yes")
}
