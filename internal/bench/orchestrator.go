// Package bench walks the experiment plan: enclave builds, hooks,
// iteration sequencing and failure containment. Collector failures stay
// inside their iteration, build and spawn failures inside their
// experiment; only plan invalidity, repeated I/O failure and cancellation
// reach the caller.
package bench

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alarmfox/enclave-benchmark/internal/collectors"
	"github.com/alarmfox/enclave-benchmark/internal/config"
	"github.com/alarmfox/enclave-benchmark/internal/enclave"
	"github.com/alarmfox/enclave-benchmark/internal/errdefs"
	"github.com/alarmfox/enclave-benchmark/internal/logging"
	"github.com/alarmfox/enclave-benchmark/internal/output"
	"github.com/alarmfox/enclave-benchmark/internal/results"
	"github.com/alarmfox/enclave-benchmark/internal/runner"
	"github.com/alarmfox/enclave-benchmark/internal/tracer"
)

// maxConsecutiveIoFailures stops a plan that keeps hitting filesystem
// errors before it produces an unusable tree; a single transient hiccup
// only costs its iteration.
const maxConsecutiveIoFailures = 3

// Summary is the orchestrator's aggregate result.
type Summary struct {
	ExperimentsRun      int
	ExperimentsSkipped  int
	IterationsCompleted int
	IterationsSkipped   int
}

// Options tune a run without touching the plan.
type Options struct {
	// Force removes an existing output root instead of refusing it.
	Force bool
	// TracerObject overrides eBPF object discovery.
	TracerObject string
}

type Orchestrator struct {
	builder enclave.Builder
	sink    results.Sink
	opts    Options

	partitions []tracer.Partition
	hostname   string

	ioFailureStreak int

	// execute runs one prepared session; replaced in tests.
	execute func(ctx context.Context, s *iterSession) (*runner.IterationResult, error)
}

func New(builder enclave.Builder, sink results.Sink, opts Options) *Orchestrator {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Orchestrator{
		builder:  builder,
		sink:     sink,
		opts:     opts,
		hostname: hostname,
		execute: func(ctx context.Context, s *iterSession) (*runner.IterationResult, error) {
			return s.Execute(ctx)
		},
	}
}

// Run executes the plan sequentially against the output root. It returns
// a summary unless the plan itself cannot proceed.
func (o *Orchestrator) Run(ctx context.Context, plan *config.Plan) (*Summary, error) {
	logger := logging.GetLogger()

	if plan.HasDuplicates() {
		return nil, errdefs.Wrap(errdefs.ErrPlanInvalid, "plan contains duplicate experiments")
	}

	if err := output.PrepareRoot(plan.OutputRoot, o.opts.Force); err != nil {
		return nil, err
	}

	// partitions are read once per plan; the tracepoints report device ids
	// against this snapshot
	partitions, err := tracer.LoadPartitions()
	if err != nil {
		logger.WithError(err).Warn("Cannot read /proc/partitions, disk rows will use raw device ids")
	}
	o.partitions = partitions

	if planHasSGX(plan) {
		keyPath := filepath.Join(plan.OutputRoot, "private_key.pem")
		logger.WithField("path", keyPath).Info("Generating enclave signing key")
		if err := enclave.GeneratePrivateKey(keyPath); err != nil {
			return nil, errdefs.Wrap(errdefs.ErrIo, "cannot write signing key: %v", err)
		}
	}

	summary := &Summary{}
	builtEnclaves := make(map[string]enclave.BuildResult)

	for i := range plan.Experiments {
		exp := &plan.Experiments[i]

		if ctx.Err() != nil {
			return summary, errdefs.Wrap(errdefs.ErrCancelled, "interrupted before experiment %s", exp.Fingerprint())
		}

		if err := o.runExperiment(ctx, plan.OutputRoot, exp, builtEnclaves, summary); err != nil {
			if errors.Is(err, errdefs.ErrCancelled) || errors.Is(err, errdefs.ErrIo) {
				return summary, err
			}
			logger.WithField("experiment", exp.Fingerprint()).WithError(err).Error("Experiment skipped")
			summary.ExperimentsSkipped++
			continue
		}
		summary.ExperimentsRun++
	}

	logger.WithFields(logrus.Fields{
		"experiments": summary.ExperimentsRun,
		"skipped":     summary.ExperimentsSkipped,
		"iterations":  summary.IterationsCompleted,
	}).Info("Plan completed")
	return summary, nil
}

func planHasSGX(plan *config.Plan) bool {
	for i := range plan.Experiments {
		if plan.Experiments[i].Regime == config.RegimeGramineSGX {
			return true
		}
	}
	return false
}

func (o *Orchestrator) runExperiment(ctx context.Context, root string, exp *config.Experiment,
	builtEnclaves map[string]enclave.BuildResult, summary *Summary) error {

	logger := logging.GetLogger()
	logger.WithFields(logrus.Fields{
		"task":    exp.TaskName,
		"regime":  string(exp.Regime),
		"threads": exp.NumThreads,
		"storage": string(exp.StorageKind),
		"enclave": exp.EnclaveSize,
	}).Info("Starting experiment")

	var buildResult enclave.BuildResult
	if exp.Regime == config.RegimeGramineSGX {
		expDir := exp.ExperimentDir(root)
		cached, ok := builtEnclaves[expDir]
		if !ok {
			var err error
			cached, err = o.builder.BuildEnclave(ctx, enclave.BuildParams{
				Executable:       exp.Executable,
				NumThreads:       exp.NumThreads,
				EnclaveSize:      exp.EnclaveSize,
				Env:              exp.Env,
				ManifestTemplate: exp.ManifestTemplate,
				ExperimentDir:    expDir,
			})
			if err != nil {
				return err
			}
			builtEnclaves[expDir] = cached
		}
		buildResult = cached
	} else {
		if err := os.MkdirAll(exp.StorageDir(root), 0o755); err != nil {
			return errdefs.Wrap(errdefs.ErrIo, "cannot create storage directory: %v", err)
		}
	}

	expSummary := &results.ExperimentSummary{
		TaskName:    exp.TaskName,
		Regime:      string(exp.Regime),
		NumThreads:  exp.NumThreads,
		EnclaveSize: exp.EnclaveSize,
		StorageKind: string(exp.StorageKind),
		Hostname:    o.hostname,
		StartedAt:   time.Now(),
	}

	o.runHook(exp.PreRun, "pre_run")

	iterations := make([]string, 0, exp.SampleCount+1)
	for i := 1; i <= exp.SampleCount; i++ {
		iterations = append(iterations, strconv.Itoa(i))
	}
	if exp.DeepTrace {
		iterations = append(iterations, "deep-trace")
	}

	var iterErr error
	for _, name := range iterations {
		record, err := o.runIteration(ctx, root, exp, name, &buildResult)
		expSummary.Iterations = append(expSummary.Iterations, record)
		if err == nil {
			summary.IterationsCompleted++
			o.ioFailureStreak = 0
			continue
		}
		summary.IterationsSkipped++

		switch {
		case errors.Is(err, errdefs.ErrCancelled):
			iterErr = err
		case errors.Is(err, errdefs.ErrIo):
			o.ioFailureStreak++
			if o.ioFailureStreak >= maxConsecutiveIoFailures {
				iterErr = errdefs.Wrap(errdefs.ErrIo, "%d consecutive write failures", o.ioFailureStreak)
			}
		case errors.Is(err, errdefs.ErrTargetSpawn):
			// nothing to gain from retrying the same argv
			iterErr = err
		case errors.Is(err, errdefs.ErrCollectorInit):
			// contained: move on to the next iteration
		default:
			logger.WithError(err).Warn("Iteration failed")
		}
		if iterErr != nil {
			break
		}
	}

	o.runHook(exp.PostRun, "post_run")

	expSummary.FinishedAt = time.Now()
	if err := o.sink.WriteExperimentSummary(expSummary); err != nil {
		logger.WithError(err).Warn("Cannot publish experiment summary")
	}
	return iterErr
}

func (o *Orchestrator) runIteration(ctx context.Context, root string, exp *config.Experiment,
	name string, buildResult *enclave.BuildResult) (results.IterationRecord, error) {

	logger := logging.GetLogger()
	iterDir := exp.IterationDir(root, name)
	deep := name == "deep-trace"

	logger.WithFields(logrus.Fields{
		"experiment": exp.Fingerprint(),
		"iteration":  name,
	}).Info("Running iteration")

	session := o.buildSession(exp, root, iterDir, deep, buildResult)

	result, err := o.execute(ctx, session)
	if err != nil {
		reason := err.Error()
		if clearErr := output.ClearIteration(iterDir); clearErr != nil {
			logger.WithError(clearErr).Warn("Cannot clear failed iteration")
		}
		if sentinelErr := output.WriteSkipped(iterDir, reason); sentinelErr != nil {
			logger.WithError(sentinelErr).Warn("Cannot write skip sentinel")
		}
		return results.IterationRecord{Name: name, Skipped: true, Reason: reason}, err
	}

	if result.ExitCode != 0 {
		logger.WithFields(logrus.Fields{
			"iteration": name,
			"exit_code": result.ExitCode,
		}).Warn("Target exited non-zero")
	}
	if dropped := session.Tracer.DroppedProbes(); len(dropped) > 0 {
		logger.WithField("probes", dropped).Warn("Iteration ran without some probes")
	}

	return results.IterationRecord{
		Name:           name,
		ExitCode:       result.ExitCode,
		StartInstantNs: result.StartInstantNs,
		EndInstantNs:   result.EndInstantNs,
	}, nil
}

// iterSession couples the runner session with the tracer handle the
// orchestrator needs for post-run reporting.
type iterSession struct {
	*runner.Session
	Tracer *tracer.Tracer
}

type ioRowerFunc func() []string

func (f ioRowerFunc) IoRows() []string { return f() }

func (o *Orchestrator) buildSession(exp *config.Experiment, root, iterDir string, deep bool,
	buildResult *enclave.BuildResult) *iterSession {

	isSGX := exp.Regime == config.RegimeGramineSGX

	tr := tracer.New(tracer.Config{
		DeepTrace:  deep,
		SGX:        isSGX,
		ObjectPath: o.opts.TracerObject,
	}, o.partitions)

	// arm order is the lifecycle contract: tracer, perf, energy, sgx
	collectorSet := []collectors.Collector{
		tr,
		collectors.NewPerfCollector(exp.ExtraPerfEvents),
		collectors.NewEnergySampler(exp.EnergyIntervalOrDefault()),
	}
	ioRowers := []collectors.IoRower{tr}

	if isSGX {
		sgxStats := collectors.NewSGXStatsCollector()
		collectorSet = append(collectorSet, sgxStats)
		ioRowers = append(ioRowers, sgxStats, ioRowerFunc(tr.SgxRows))
	}

	executable := exp.Executable
	args := exp.Args
	if isSGX {
		executable, args = enclave.WrapperArgs(buildResult.ManifestPath, exp.Args)
	}

	env := os.Environ()
	for k, v := range exp.Env {
		env = append(env, k+"="+v)
	}

	return &iterSession{
		Session: &runner.Session{
			Target: runner.Target{
				Executable: executable,
				Args:       args,
				Env:        env,
			},
			IterationDir: iterDir,
			Collectors:   collectorSet,
			IoRowers:     ioRowers,
		},
		Tracer: tr,
	}
}

// runHook executes an auxiliary command synchronously. Its exit code is
// logged and otherwise ignored: hooks prepare or tear down benchmark
// state, they do not gate the experiment.
func (o *Orchestrator) runHook(hook *config.Hook, kind string) {
	if hook == nil {
		return
	}
	logger := logging.GetLogger()

	cmd := exec.Command(hook.Executable, hook.Args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			logger.WithFields(logrus.Fields{
				"hook":      kind,
				"exit_code": exitErr.ExitCode(),
			}).Warn("Hook exited non-zero")
		} else {
			logger.WithField("hook", kind).WithError(err).Warn("Hook failed to run")
		}
	}
}
