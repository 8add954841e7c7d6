package device

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	name    string
	devices []Info
	err     error
	opened  []Info
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Devices() ([]Info, error) { return f.devices, f.err }

func (f *fakeBackend) Open(info Info) (Context, error) {
	f.opened = append(f.opened, info)
	return &fakeContext{info: info}, nil
}

type fakeContext struct{ info Info }

func (c *fakeContext) Device() Info                               { return c.info }
func (c *fakeContext) Build(string, string) (Program, error)      { return nil, ErrBuild }
func (c *fakeContext) Allocate(AccessMode, int64) (Buffer, error) { return nil, ErrTransfer }
func (c *fakeContext) NewQueue(bool) (Queue, error)               { return nil, ErrExecution }
func (c *fakeContext) Close() error                               { return nil }

func TestRegistry_Select(t *testing.T) {
	gpu := &fakeBackend{name: "opencl", devices: []Info{
		{Backend: "opencl", ID: 0, Name: "Intel UHD", Kind: KindGPU},
		{Backend: "opencl", ID: 1, Name: "Radeon RX", Kind: KindGPU},
	}}
	host := &fakeBackend{name: "host", devices: []Info{
		{Backend: "host", ID: 0, Name: "Go host", Kind: KindHost},
	}}
	reg := NewRegistry(gpu, host)

	testCases := []struct {
		name     string
		hint     Hint
		expected Info
	}{
		{"any", AnyDevice, gpu.devices[0]},
		{"by_name", Hint{Name: "radeon", ID: -1}, gpu.devices[1]},
		{"by_kind", Hint{Kind: KindHost, ID: -1}, host.devices[0]},
		{"by_backend", Hint{Backend: "HOST", ID: -1}, host.devices[0]},
		{"by_id", Hint{Backend: "opencl", ID: 1}, gpu.devices[1]},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, info, err := reg.Select(tc.hint)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, info)
		})
	}
}

func TestRegistry_SelectUnavailable(t *testing.T) {
	reg := NewRegistry(&fakeBackend{name: "host", devices: []Info{{Backend: "host", Kind: KindHost}}})

	_, _, err := reg.Select(Hint{Kind: KindGPU, ID: -1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeviceUnavailable))

	empty := NewRegistry()
	_, err = empty.Open(AnyDevice)
	assert.True(t, errors.Is(err, ErrDeviceUnavailable))
}

func TestRegistry_SkipsFailingBackend(t *testing.T) {
	broken := &fakeBackend{name: "occa", err: errors.New("libocca not found")}
	host := &fakeBackend{name: "host", devices: []Info{{Backend: "host", Name: "Go host", Kind: KindHost}}}
	reg := NewRegistry(broken, nil, host)

	assert.Equal(t, []string{"occa", "host"}, reg.Backends())
	assert.Len(t, reg.Enumerate(), 1)

	ctx, err := reg.Open(AnyDevice)
	require.NoError(t, err)
	assert.Equal(t, "Go host", ctx.Device().Name)
	assert.Len(t, host.opened, 1)
}

func TestRange(t *testing.T) {
	assert.Equal(t, 16, Range{Global: 1024, Local: 64}.NumGroups())
	assert.NoError(t, Range{Global: 1024, Local: 64}.Validate())
	assert.Error(t, Range{Global: 1000, Local: 64}.Validate())
	assert.Error(t, Range{Global: 0, Local: 64}.Validate())
	assert.Equal(t, 0, Range{Global: 10}.NumGroups())
}

func TestBuildError(t *testing.T) {
	err := &BuildError{EntryPoint: "VectorAdd", Log: "line 3: expected ';'"}
	assert.True(t, errors.Is(err, ErrBuild))
	assert.Contains(t, err.Error(), "expected ';'")

	var be *BuildError
	wrapped := errors.Wrap(err, "build")
	require.True(t, errors.As(wrapped, &be))
	assert.Equal(t, "VectorAdd", be.EntryPoint)
}

func TestHint_Matches(t *testing.T) {
	second := Info{Backend: "opencl", ID: 1, Name: "Radeon RX", Kind: KindGPU}
	assert.True(t, AnyDevice.Matches(second))
	assert.True(t, Hint{ID: 1}.Matches(second))
	assert.False(t, Hint{}.Matches(second))
	assert.True(t, Hint{}.Matches(Info{Backend: "host", ID: 0, Kind: KindHost}))
	assert.False(t, Hint{Kind: KindCPU, ID: -1}.Matches(second))
}

func TestCheckTransfer(t *testing.T) {
	assert.NoError(t, CheckTransfer(64, 64))
	assert.True(t, errors.Is(CheckTransfer(64, 65), ErrTransfer))
	assert.True(t, errors.Is(CheckTransfer(64, -1), ErrTransfer))
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("GPU")
	require.NoError(t, err)
	assert.Equal(t, KindGPU, k)
	_, err = ParseKind("fpga")
	assert.Error(t, err)
}
