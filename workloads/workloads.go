// Package workloads drives complete dispatch pipelines: elementwise vector
// addition in two buffer styles and a numerical integration of pi.
package workloads

import (
	"math/rand/v2"
	"sort"

	"github.com/notargets/kdispatch/device"
	"github.com/notargets/kdispatch/partitions"
	"github.com/notargets/kdispatch/runner"
	"github.com/pkg/errors"
)

// Defaults
const (
	DefaultLength     = 1024
	DefaultSteps      = 512 * 512 * 512
	DefaultIterations = 262144
	DefaultSeed       = 1
)

// Config parameterizes a workload run
type Config struct {
	Length     int       // vector length
	Seed       uint64    // generator seed for vector inputs
	A, B       []float32 // explicit inputs, generated when nil
	Steps      int       // requested integration steps
	Iterations int       // steps per work item
}

// DefaultConfig returns the problem sizes of the reference programs
func DefaultConfig() Config {
	return Config{
		Length:     DefaultLength,
		Seed:       DefaultSeed,
		Steps:      DefaultSteps,
		Iterations: DefaultIterations,
	}
}

// Result is what a workload reports
type Result struct {
	Workload    string
	Value       float64   // scalar result, pi for the integration
	A, B        []float32 // vector inputs
	Output      []float32 // vector output
	Plan        partitions.Plan
	Measurement runner.Measurement
	Device      device.Info
}

// Workload is a named pipeline and the queue mode it runs with
type Workload struct {
	Name      string
	Profiling bool
	Run       func(s *runner.Session, cfg Config) (*Result, error)
}

var registry = map[string]Workload{
	"vector_add": {Name: "vector_add", Profiling: true, Run: VectorAdd},
	"vadd":       {Name: "vadd", Profiling: false, Run: Vadd},
	"pi":         {Name: "pi", Profiling: true, Run: ApproximatePi},
}

// Lookup returns the workload registered under name
func Lookup(name string) (Workload, bool) {
	w, ok := registry[name]
	return w, ok
}

// Names returns the registered workload names sorted
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute opens a session on the device selected by hint, runs w and closes
// the session on every path
func Execute(reg *device.Registry, hint device.Hint, opts runner.Options, w Workload, cfg Config) (result *Result, err error) {
	opts.Profiling = w.Profiling
	s, err := runner.Open(reg, hint, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return w.Run(s, cfg)
}

// inputs returns the configured vectors or seeded values in [0,1)
func inputs(cfg Config) ([]float32, []float32, error) {
	if cfg.A != nil || cfg.B != nil {
		if len(cfg.A) != len(cfg.B) || len(cfg.A) == 0 {
			return nil, nil, errors.Errorf("input vectors have lengths %d and %d", len(cfg.A), len(cfg.B))
		}
		return cfg.A, cfg.B, nil
	}
	if cfg.Length <= 0 {
		return nil, nil, errors.Errorf("invalid vector length %d", cfg.Length)
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed))
	a, b := make([]float32, cfg.Length), make([]float32, cfg.Length)
	for i := range a {
		a[i] = rng.Float32()
		b[i] = rng.Float32()
	}
	return a, b, nil
}
