package config

import (
	"os"

	"github.com/notargets/kdispatch/device"
	"github.com/notargets/kdispatch/device/host"
	"github.com/notargets/kdispatch/device/occa"
	"github.com/notargets/kdispatch/device/opencl"
	"github.com/notargets/kdispatch/kernels"
	"github.com/notargets/kdispatch/runner"
	"github.com/notargets/kdispatch/workloads"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Device          DeviceConfig   `yaml:"device"`
	Backends        []string       `yaml:"backends"`
	KernelDir       string         `yaml:"kernel_dir"`
	StrictPartition bool           `yaml:"strict_partition"`
	Host            HostConfig     `yaml:"host"`
	OCCA            OCCAConfig     `yaml:"occa"`
	OpenCL          OpenCLConfig   `yaml:"opencl"`
	Workload        WorkloadConfig `yaml:"workload"`
}

type DeviceConfig struct {
	Backend string `yaml:"backend"`
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	ID      int    `yaml:"id"`
}

type HostConfig struct {
	GroupSize int `yaml:"group_size"`
	Workers   int `yaml:"workers"`
}

type OCCAConfig struct {
	Modes      []string       `yaml:"modes,omitempty"`
	GroupSizes map[string]int `yaml:"group_sizes,omitempty"`
}

type OpenCLConfig struct {
	BuildOptions string `yaml:"build_options"`
}

type WorkloadConfig struct {
	Length     int    `yaml:"length"`
	Seed       uint64 `yaml:"seed"`
	Steps      int    `yaml:"steps"`
	Iterations int    `yaml:"iterations"`
}

func DefaultConfig() *Config {
	return &Config{
		Device:   DeviceConfig{Kind: "any", ID: -1},
		Backends: []string{opencl.BackendName, occa.BackendName, host.BackendName},
		Host:     HostConfig{GroupSize: host.DefaultGroupSize},
		Workload: WorkloadConfig{
			Length:     workloads.DefaultLength,
			Seed:       workloads.DefaultSeed,
			Steps:      workloads.DefaultSteps,
			Iterations: workloads.DefaultIterations,
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", path)
	}
	return cfg, nil
}

func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Hint converts the device section to a selection hint
func (c *Config) Hint() (device.Hint, error) {
	kind, err := device.ParseKind(c.Device.Kind)
	if err != nil {
		return device.Hint{}, err
	}
	return device.Hint{
		Backend: c.Device.Backend,
		Name:    c.Device.Name,
		Kind:    kind,
		ID:      c.Device.ID,
	}, nil
}

// Registry creates the configured backends in priority order
func (c *Config) Registry() (*device.Registry, error) {
	reg := device.NewRegistry()
	for _, name := range c.Backends {
		switch name {
		case host.BackendName:
			reg.Register(host.New(host.Config{
				GroupSize: c.Host.GroupSize,
				Workers:   c.Host.Workers,
				Library:   kernels.HostLibrary(),
			}))
		case occa.BackendName:
			reg.Register(occa.New(occa.Config{
				Modes:      c.OCCA.Modes,
				GroupSizes: c.OCCA.GroupSizes,
			}))
		case opencl.BackendName:
			reg.Register(opencl.New(opencl.Config{BuildOptions: c.OpenCL.BuildOptions}))
		default:
			return nil, errors.Errorf("unknown backend %q", name)
		}
	}
	if len(reg.Backends()) == 0 {
		return nil, errors.New("no backends configured")
	}
	return reg, nil
}

// Options returns the session options of the configuration
func (c *Config) Options() runner.Options {
	opts := runner.Options{StrictPartition: c.StrictPartition}
	if c.KernelDir != "" {
		opts.Sources = kernels.Source{Dir: c.KernelDir}
	}
	return opts
}

// WorkloadParams returns the workload problem sizes
func (c *Config) WorkloadParams() workloads.Config {
	return workloads.Config{
		Length:     c.Workload.Length,
		Seed:       c.Workload.Seed,
		Steps:      c.Workload.Steps,
		Iterations: c.Workload.Iterations,
	}
}
