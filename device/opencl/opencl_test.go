package opencl

import (
	"testing"

	"github.com/notargets/kdispatch/device"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackend_Devices(t *testing.T) {
	b := New(Config{})
	assert.Equal(t, BackendName, b.Name())

	infos, err := b.Devices()
	if !Available() {
		require.Error(t, err)
		assert.True(t, errors.Is(err, device.ErrDeviceUnavailable))
		return
	}
	if err != nil {
		t.Skipf("no OpenCL devices: %v", err)
	}
	for i, info := range infos {
		assert.Equal(t, i, info.ID)
		assert.Equal(t, device.DialectOpenCL, info.Dialect)
		assert.True(t, info.SupportsProfiling)
	}
}

func TestRegistry_SkipsUnavailableOpenCL(t *testing.T) {
	if Available() {
		t.Skip("OpenCL support compiled in")
	}
	reg := device.NewRegistry(New(Config{}))
	_, err := reg.Open(device.AnyDevice)
	assert.True(t, errors.Is(err, device.ErrDeviceUnavailable))
}
