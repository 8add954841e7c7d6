package utils

import (
	"fmt"

	"github.com/notargets/kdispatch/device"
	"github.com/notargets/kdispatch/device/host"
	"github.com/notargets/kdispatch/kernels"
)

// TestGroupSize is the preferred group size of test contexts
const TestGroupSize = 64

// CreateTestRegistry creates a registry holding a host backend that serves
// every kernel in the kernels package
func CreateTestRegistry() *device.Registry {
	return device.NewRegistry(host.New(host.Config{
		GroupSize: TestGroupSize,
		Library:   kernels.HostLibrary(),
	}))
}

// CreateTestContext creates a Context for testing on the host device
func CreateTestContext() device.Context {
	ctx, err := CreateTestRegistry().Open(device.AnyDevice)
	if err != nil {
		// Should not reach here
		panic(fmt.Sprintf("failed to create host context: %v", err))
	}
	return ctx
}
