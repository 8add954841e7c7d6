package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/notargets/kdispatch/config"
	"github.com/notargets/kdispatch/report"
	"github.com/notargets/kdispatch/runner"
	"github.com/notargets/kdispatch/workloads"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

var (
	configFile string
	backend    string
	deviceName string
	kind       string
	deviceID   int
	kernelDir  string
	strict     bool
	length     int
	seed       uint64
	steps      int
	iterations int
	elements   int
)

func main() {
	klog.InitFlags(flag.CommandLine)

	rootCmd := &cobra.Command{
		Use:           "kdispatch",
		Short:         "device-adaptive kernel dispatch",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (yaml)")
	rootCmd.PersistentFlags().StringVar(&backend, "backend", "", "restrict selection to one backend")
	rootCmd.PersistentFlags().StringVar(&deviceName, "device", "", "device name substring")
	rootCmd.PersistentFlags().StringVar(&kind, "kind", "", "device kind (any, gpu, cpu, host)")
	rootCmd.PersistentFlags().IntVar(&deviceID, "id", -1, "device index within the backend")
	rootCmd.PersistentFlags().StringVar(&kernelDir, "kernel-dir", "", "directory of kernel sources")
	rootCmd.PersistentFlags().BoolVar(&strict, "strict", false, "reject plans that drop requested work")

	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "list available devices",
		Args:  cobra.NoArgs,
		RunE:  listDevices,
	}

	runCmd := &cobra.Command{
		Use:   "run [workload]",
		Short: "run a workload (" + strings.Join(workloads.Names(), ", ") + ")",
		Args:  cobra.ExactArgs(1),
		RunE:  runWorkload,
	}
	runCmd.Flags().IntVar(&length, "length", 0, "vector length")
	runCmd.Flags().Uint64Var(&seed, "seed", 0, "input seed")
	runCmd.Flags().IntVar(&steps, "steps", 0, "integration steps")
	runCmd.Flags().IntVar(&iterations, "iterations", 0, "steps per work item")
	runCmd.Flags().IntVar(&elements, "elements", 8, "vector elements printed, -1 for all")

	rootCmd.AddCommand(devicesCmd, runCmd)

	if err := rootCmd.Execute(); err != nil {
		if stage := runner.StageOf(err); stage != "" {
			fmt.Fprintf(os.Stderr, "kdispatch failed during %s\n", stage)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file if given and applies flag overrides
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		if cfg, err = config.Load(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	flags := cmd.Flags()
	if flags.Changed("backend") {
		cfg.Device.Backend = backend
	}
	if flags.Changed("device") {
		cfg.Device.Name = deviceName
	}
	if flags.Changed("kind") {
		cfg.Device.Kind = kind
	}
	if flags.Changed("id") {
		cfg.Device.ID = deviceID
	}
	if flags.Changed("kernel-dir") {
		cfg.KernelDir = kernelDir
	}
	if flags.Changed("strict") {
		cfg.StrictPartition = strict
	}
	if flags.Lookup("length") == nil {
		return cfg, nil
	}
	if flags.Changed("length") {
		cfg.Workload.Length = length
	}
	if flags.Changed("seed") {
		cfg.Workload.Seed = seed
	}
	if flags.Changed("steps") {
		cfg.Workload.Steps = steps
	}
	if flags.Changed("iterations") {
		cfg.Workload.Iterations = iterations
	}
	return cfg, nil
}

func listDevices(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	reg, err := cfg.Registry()
	if err != nil {
		return err
	}
	return report.Devices(cmd.OutOrStdout(), reg.Enumerate())
}

func runWorkload(cmd *cobra.Command, args []string) error {
	w, ok := workloads.Lookup(args[0])
	if !ok {
		return fmt.Errorf("unknown workload %q (available: %s)", args[0], strings.Join(workloads.Names(), ", "))
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	reg, err := cfg.Registry()
	if err != nil {
		return err
	}
	hint, err := cfg.Hint()
	if err != nil {
		return err
	}
	klog.V(1).Infof("running %s with hint %+v", w.Name, hint)

	res, err := workloads.Execute(reg, hint, cfg.Options(), w, cfg.WorkloadParams())
	if err != nil {
		return err
	}
	console := report.NewConsole(cmd.OutOrStdout())
	console.Elements = elements
	return console.Report(res)
}
