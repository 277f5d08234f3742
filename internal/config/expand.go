package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alarmfox/enclave-benchmark/internal/errdefs"
	"github.com/alarmfox/enclave-benchmark/internal/logging"
)

// Expand builds the concrete experiment matrix from a validated workload.
// For every task the SGX cells (threads x enclave sizes x storage kinds)
// come first, then the native cells (threads), matching the order the
// output tree is laid out in.
func Expand(w *Workload) (*Plan, error) {
	plan := &Plan{OutputRoot: w.Globals.OutputDirectory}

	interval := w.Globals.EnergySampleInterval.Duration
	if interval <= 0 {
		interval = DefaultEnergySampleInterval
	}

	for _, task := range w.Tasks {
		taskName := filepath.Base(task.Executable)

		storageKinds := task.StorageType
		if len(storageKinds) == 0 {
			storageKinds = []StorageKind{StorageUntrusted}
		}

		for _, threads := range w.Globals.NumThreads {
			for _, size := range w.Globals.EnclaveSize {
				sizeBytes, err := ParseSize(size)
				if err != nil {
					return nil, errdefs.Wrap(errdefs.ErrPlanInvalid, "bad enclave size %q: %v", size, err)
				}
				for _, storage := range storageKinds {
					e := Experiment{
						TaskName:         taskName,
						Regime:           RegimeGramineSGX,
						Executable:       task.Executable,
						NumThreads:       threads,
						EnclaveSize:      FormatSize(sizeBytes),
						EnclaveSizeBytes: sizeBytes,
						StorageKind:      storage,
						SampleCount:      w.Globals.SampleSize,
						DeepTrace:        w.Globals.DeepTrace,
						ExtraPerfEvents:  append([]string(nil), w.Globals.ExtraPerfEvents...),
						EnergyInterval:   interval,
						ManifestTemplate: task.CustomManifestPath,
					}
					finishExperiment(&e, &task, plan.OutputRoot)
					plan.Experiments = append(plan.Experiments, e)
				}
			}
		}

		for _, threads := range w.Globals.NumThreads {
			e := Experiment{
				TaskName:        taskName,
				Regime:          RegimeNative,
				Executable:      task.Executable,
				NumThreads:      threads,
				SampleCount:     w.Globals.SampleSize,
				DeepTrace:       w.Globals.DeepTrace,
				ExtraPerfEvents: append([]string(nil), w.Globals.ExtraPerfEvents...),
				EnergyInterval:  interval,
			}
			finishExperiment(&e, &task, plan.OutputRoot)
			plan.Experiments = append(plan.Experiments, e)
		}
	}

	if fp, ok := duplicateFingerprint(plan); ok {
		return nil, errdefs.Wrap(errdefs.ErrPlanInvalid, "duplicate experiment %s", fp)
	}
	return plan, nil
}

// finishExperiment expands the template placeholders of argv, env and hooks
// against the experiment's concrete parameters.
func finishExperiment(e *Experiment, task *Task, root string) {
	ctx := map[string]string{
		"num_threads":      strconv.Itoa(e.NumThreads),
		"output_directory": e.MountPoint(root),
		"enclave_size":     e.EnclaveSize,
	}

	e.Args = expandAll(task.Args, ctx)
	if len(task.Env) > 0 {
		e.Env = make(map[string]string, len(task.Env))
		for k, v := range task.Env {
			e.Env[k] = expandPlaceholders(v, ctx)
		}
	}
	if task.PreRunExecutable != "" {
		e.PreRun = &Hook{Executable: task.PreRunExecutable, Args: expandAll(task.PreRunArgs, ctx)}
	}
	if task.PostRunExecutable != "" {
		e.PostRun = &Hook{Executable: task.PostRunExecutable, Args: expandAll(task.PostRunArgs, ctx)}
	}
}

func expandAll(args []string, ctx map[string]string) []string {
	if len(args) == 0 {
		return nil
	}
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = expandPlaceholders(a, ctx)
	}
	return out
}

func expandPlaceholders(s string, ctx map[string]string) string {
	for k, v := range ctx {
		s = strings.ReplaceAll(s, "{{ "+k+" }}", v)
	}
	return s
}

// HasDuplicates reports whether two experiments share an output directory.
func (p *Plan) HasDuplicates() bool {
	_, ok := duplicateFingerprint(p)
	return ok
}

func duplicateFingerprint(p *Plan) (string, bool) {
	seen := make(map[string]struct{}, len(p.Experiments))
	for i := range p.Experiments {
		fp := p.Experiments[i].Fingerprint()
		if _, dup := seen[fp]; dup {
			return fp, true
		}
		seen[fp] = struct{}{}
	}
	return "", false
}

// SkipSGXRequested reports whether the EB_SKIP_SGX escape hatch is set.
func SkipSGXRequested() bool {
	v, ok := os.LookupEnv("EB_SKIP_SGX")
	return ok && v != "0" && v != ""
}

// ApplySkipSGX enforces EB_SKIP_SGX on a plan. With degrade the SGX cells
// are dropped (their native counterparts are already in the plan);
// otherwise a plan containing SGX experiments is refused.
func ApplySkipSGX(p *Plan, degrade bool) (*Plan, error) {
	if !SkipSGXRequested() {
		return p, nil
	}
	logger := logging.GetLogger()

	hasSGX := false
	for i := range p.Experiments {
		if p.Experiments[i].Regime == RegimeGramineSGX {
			hasSGX = true
			break
		}
	}
	if !hasSGX {
		return p, nil
	}
	if !degrade {
		return nil, errdefs.Wrap(errdefs.ErrPlanInvalid, "EB_SKIP_SGX is set but the plan contains gramine_sgx experiments")
	}

	filtered := &Plan{OutputRoot: p.OutputRoot}
	for i := range p.Experiments {
		if p.Experiments[i].Regime == RegimeGramineSGX {
			continue
		}
		filtered.Experiments = append(filtered.Experiments, p.Experiments[i])
	}
	logger.WithField("experiments", len(p.Experiments)-len(filtered.Experiments)).
		Warn("EB_SKIP_SGX set, dropping gramine_sgx experiments")
	return filtered, nil
}

// EnergyIntervalOrDefault guards against a zero value sneaking through a
// hand-built experiment.
func (e *Experiment) EnergyIntervalOrDefault() time.Duration {
	if e.EnergyInterval <= 0 {
		return DefaultEnergySampleInterval
	}
	return e.EnergyInterval
}
