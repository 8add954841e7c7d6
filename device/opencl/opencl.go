// Package opencl implements a device backend on a native OpenCL runtime. It
// requires cgo and the opencl build tag; without the tag the backend reports
// no devices.
package opencl

// BackendName is the registry name of the OpenCL backend
const BackendName = "opencl"

// Config holds configuration for the OpenCL backend
type Config struct {
	BuildOptions string // passed to clBuildProgram
}

// Backend is the OpenCL device backend
type Backend struct {
	cfg Config
}

// New creates an OpenCL backend
func New(cfg Config) *Backend {
	return &Backend{cfg: cfg}
}

func (b *Backend) Name() string { return BackendName }
