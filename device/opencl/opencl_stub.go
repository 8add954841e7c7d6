//go:build !opencl

package opencl

import (
	"github.com/notargets/kdispatch/device"
	"github.com/pkg/errors"
)

// Available reports whether the binary was built with OpenCL support
func Available() bool { return false }

func (b *Backend) Devices() ([]device.Info, error) {
	return nil, errors.Wrap(device.ErrDeviceUnavailable, "opencl: built without the opencl tag")
}

func (b *Backend) Open(info device.Info) (device.Context, error) {
	return nil, errors.Wrap(device.ErrDeviceUnavailable, "opencl: built without the opencl tag")
}
