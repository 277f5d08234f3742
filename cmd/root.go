// Package cmd is the thin CLI shell around the orchestration engine:
// workload loading, environment setup, signal handling and exit codes.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/alarmfox/enclave-benchmark/internal/bench"
	"github.com/alarmfox/enclave-benchmark/internal/config"
	"github.com/alarmfox/enclave-benchmark/internal/enclave"
	"github.com/alarmfox/enclave-benchmark/internal/errdefs"
	"github.com/alarmfox/enclave-benchmark/internal/host"
	"github.com/alarmfox/enclave-benchmark/internal/logging"
	"github.com/alarmfox/enclave-benchmark/internal/results"
)

const Version = "0.3.0"

// Exit codes: 0 success, 1 plan-level fatal, 2 permission error from the
// collectors at startup.
const (
	exitOK         = 0
	exitFatal      = 1
	exitPermission = 2
)

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	logger := logging.GetLogger()

	var (
		configFile string
		logLevel   string
		force      bool
		degradeSGX bool
		bpfObject  string
	)

	rootCmd := &cobra.Command{
		Use:           "enclave-benchmark",
		Short:         "Benchmark executables natively and inside Gramine SGX enclaves",
		Long:          "Runs a workload matrix natively and under Gramine/SGX, collecting perf counters, RAPL energy samples and eBPF I/O traces for every iteration",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if logLevel != "" {
				if err := logging.SetLogLevel(logLevel); err != nil {
					return fmt.Errorf("invalid log level: %w", err)
				}
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set log level (trace, debug, info, warn, error)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a workload",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkload(configFile, force, degradeSGX, bpfObject)
		},
	}
	runCmd.Flags().StringVarP(&configFile, "config", "c", "workload.toml", "Path to the workload file")
	runCmd.Flags().BoolVar(&force, "force", false, "Remove an existing output directory before running")
	runCmd.Flags().BoolVar(&degradeSGX, "degrade-sgx", false, "With EB_SKIP_SGX, drop gramine_sgx experiments instead of refusing the plan")
	runCmd.Flags().StringVar(&bpfObject, "bpf-object", "", "Path to the compiled tracer eBPF object")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a workload file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateWorkload(configFile)
		},
	}
	validateCmd.Flags().StringVarP(&configFile, "config", "c", "workload.toml", "Path to the workload file")

	preflightCmd := &cobra.Command{
		Use:   "preflight",
		Short: "Report host support for perf, RAPL and SGX",
		RunE: func(cmd *cobra.Command, args []string) error {
			return preflight()
		},
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(preflightCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", errdefs.Kind(err), err)
		if errors.Is(err, os.ErrPermission) {
			return exitPermission
		}
		return exitFatal
	}
	logger.Debug("Command finished")
	return exitOK
}

// loadEnvironment pulls a .env from the working directory or, failing
// that, from next to the binary, mainly for the result sink credentials.
func loadEnvironment() {
	logger := logging.GetLogger()

	candidates := []string{".env"}
	if execPath, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(execPath), ".env"))
	}
	for _, envFile := range candidates {
		if _, err := os.Stat(envFile); err != nil {
			continue
		}
		if err := godotenv.Load(envFile); err != nil {
			logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
		} else {
			logger.WithField("file", envFile).Debug("Loaded environment variables")
		}
		return
	}
}

func validateWorkload(configFile string) error {
	logger := logging.GetLogger()

	workload, err := config.LoadWorkload(configFile)
	if err != nil {
		return err
	}
	plan, err := config.Expand(workload)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"config_file": configFile,
		"experiments": len(plan.Experiments),
	}).Info("Workload is valid")
	return nil
}

func preflight() error {
	hostConfig, err := host.GetHostConfig()
	if err != nil {
		return err
	}
	if err := hostConfig.CheckPerfAccess(); err != nil {
		return err
	}
	logging.GetLogger().Info("Host preflight passed")
	return nil
}

func runWorkload(configFile string, force, degradeSGX bool, bpfObject string) error {
	logger := logging.GetLogger()

	loadEnvironment()

	workload, err := config.LoadWorkload(configFile)
	if err != nil {
		return err
	}
	if workload.Globals.Debug && logger.GetLevel() < logrus.DebugLevel {
		logging.SetLogLevel("debug")
	}

	plan, err := config.Expand(workload)
	if err != nil {
		return err
	}
	plan, err = config.ApplySkipSGX(plan, degradeSGX)
	if err != nil {
		return err
	}

	hostConfig, err := host.GetHostConfig()
	if err != nil {
		return err
	}
	if err := hostConfig.CheckPerfAccess(); err != nil {
		return fmt.Errorf("%w: %w", errdefs.ErrCollectorInit, err)
	}
	if !hostConfig.RAPLSupported {
		logger.Warn("RAPL not available, energy collection will fail per iteration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink := results.NewSinkFromEnv()
	defer sink.Close()

	builder := enclave.NewGramineBuilder(filepath.Join(plan.OutputRoot, "private_key.pem"))
	orchestrator := bench.New(builder, sink, bench.Options{
		Force:        force,
		TracerObject: bpfObject,
	})

	summary, err := orchestrator.Run(ctx, plan)
	if summary != nil {
		logger.WithFields(logrus.Fields{
			"experiments_run":      summary.ExperimentsRun,
			"experiments_skipped":  summary.ExperimentsSkipped,
			"iterations_completed": summary.IterationsCompleted,
			"iterations_skipped":   summary.IterationsSkipped,
		}).Info("Benchmark finished")
	}
	return err
}
