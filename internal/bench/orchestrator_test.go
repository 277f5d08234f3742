package bench

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/alarmfox/enclave-benchmark/internal/config"
	"github.com/alarmfox/enclave-benchmark/internal/enclave"
	"github.com/alarmfox/enclave-benchmark/internal/errdefs"
	"github.com/alarmfox/enclave-benchmark/internal/output"
	"github.com/alarmfox/enclave-benchmark/internal/results"
	"github.com/alarmfox/enclave-benchmark/internal/runner"
)

type fakeBuilder struct {
	calls int
	fail  bool
}

func (b *fakeBuilder) BuildEnclave(ctx context.Context, params enclave.BuildParams) (enclave.BuildResult, error) {
	b.calls++
	if b.fail {
		return enclave.BuildResult{}, errdefs.Wrap(errdefs.ErrEnclaveBuildFailed, "signer unavailable")
	}
	if err := os.MkdirAll(params.ExperimentDir, 0o755); err != nil {
		return enclave.BuildResult{}, err
	}
	name := filepath.Base(params.Executable)
	manifest := filepath.Join(params.ExperimentDir, name+".manifest.sgx")
	sig := filepath.Join(params.ExperimentDir, name+".sig")
	for _, p := range []string{manifest, sig} {
		if err := os.WriteFile(p, []byte("artifact"), 0o644); err != nil {
			return enclave.BuildResult{}, err
		}
	}
	return enclave.BuildResult{ManifestPath: manifest, SigPath: sig}, nil
}

type fakeSink struct {
	summaries []*results.ExperimentSummary
}

func (s *fakeSink) WriteExperimentSummary(summary *results.ExperimentSummary) error {
	s.summaries = append(s.summaries, summary)
	return nil
}

func (s *fakeSink) Close() {}

// fakeExecute simulates a successful iteration by materializing the
// expected artifact set.
func fakeExecute(ctx context.Context, s *iterSession) (*runner.IterationResult, error) {
	if err := os.MkdirAll(s.IterationDir, 0o755); err != nil {
		return nil, err
	}
	for _, name := range []string{"perf.csv", "io.csv", "package-0.csv", "stdout", "stderr"} {
		if err := os.WriteFile(filepath.Join(s.IterationDir, name), nil, 0o644); err != nil {
			return nil, err
		}
	}
	return &runner.IterationResult{
		ExitCode:       0,
		StartInstantNs: 100,
		EndInstantNs:   200,
		Drain:          map[string]error{},
	}, nil
}

func nativePlan(t *testing.T, sampleCount int, deepTrace bool) *config.Plan {
	t.Helper()
	w := &config.Workload{
		Globals: config.Globals{
			SampleSize:      sampleCount,
			NumThreads:      []int{1},
			OutputDirectory: filepath.Join(t.TempDir(), "results"),
			DeepTrace:       deepTrace,
		},
		Tasks: []config.Task{{Executable: "/bin/true"}},
	}
	plan, err := config.Expand(w)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	return plan
}

func newTestOrchestrator(builder enclave.Builder, sink results.Sink) *Orchestrator {
	o := New(builder, sink, Options{})
	o.execute = fakeExecute
	return o
}

func TestRunCreatesIterationDirectories(t *testing.T) {
	plan := nativePlan(t, 3, false)
	sink := &fakeSink{}
	o := newTestOrchestrator(&fakeBuilder{}, sink)

	summary, err := o.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.ExperimentsRun != 1 || summary.IterationsCompleted != 3 {
		t.Fatalf("summary = %+v", summary)
	}

	resultDir := plan.Experiments[0].ResultDir(plan.OutputRoot)
	entries, err := os.ReadDir(resultDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	names := make(map[string]bool)
	for _, e := range entries {
		names[e.Name()] = true
	}
	for _, want := range []string{"1", "2", "3"} {
		if !names[want] {
			t.Fatalf("missing iteration %s in %v", want, names)
		}
	}
	if len(entries) != 3 {
		t.Fatalf("unexpected extra iteration directories: %v", names)
	}
	if len(sink.summaries) != 1 || len(sink.summaries[0].Iterations) != 3 {
		t.Fatalf("sink summaries = %+v", sink.summaries)
	}
}

func TestRunAppendsDeepTraceIteration(t *testing.T) {
	plan := nativePlan(t, 2, true)
	o := newTestOrchestrator(&fakeBuilder{}, &fakeSink{})

	if _, err := o.Run(context.Background(), plan); err != nil {
		t.Fatalf("Run: %v", err)
	}

	resultDir := plan.Experiments[0].ResultDir(plan.OutputRoot)
	if _, err := os.Stat(filepath.Join(resultDir, "deep-trace")); err != nil {
		t.Fatalf("deep-trace directory missing: %v", err)
	}
}

func TestRunBuildsEnclaveOncePerEnclaveDir(t *testing.T) {
	root := filepath.Join(t.TempDir(), "results")
	w := &config.Workload{
		Globals: config.Globals{
			SampleSize:      1,
			NumThreads:      []int{1},
			EnclaveSize:     []string{"64M"},
			OutputDirectory: root,
		},
		Tasks: []config.Task{{
			Executable:  "/bin/dd",
			StorageType: []config.StorageKind{config.StorageEncrypted, config.StorageTmpfs, config.StorageUntrusted},
		}},
	}
	plan, err := config.Expand(w)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}

	builder := &fakeBuilder{}
	o := newTestOrchestrator(builder, &fakeSink{})
	summary, err := o.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// three storage experiments share one enclave directory
	if builder.calls != 1 {
		t.Fatalf("builder invoked %d times, want 1", builder.calls)
	}
	if summary.ExperimentsRun != 4 {
		t.Fatalf("summary = %+v", summary)
	}

	enclaveDir := plan.Experiments[0].ExperimentDir(root)
	for _, artifact := range []string{"dd.manifest.sgx", "dd.sig"} {
		if _, err := os.Stat(filepath.Join(enclaveDir, artifact)); err != nil {
			t.Fatalf("missing %s: %v", artifact, err)
		}
	}
	for _, storage := range []string{"dd-1-64M-encrypted", "dd-1-64M-tmpfs", "dd-1-64M-untrusted"} {
		if _, err := os.Stat(filepath.Join(enclaveDir, storage, "1")); err != nil {
			t.Fatalf("missing result dir %s: %v", storage, err)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "private_key.pem")); err != nil {
		t.Fatalf("missing signing key: %v", err)
	}
}

func TestRunSkipsExperimentOnBuildFailure(t *testing.T) {
	root := filepath.Join(t.TempDir(), "results")
	w := &config.Workload{
		Globals: config.Globals{
			SampleSize:      1,
			NumThreads:      []int{1},
			EnclaveSize:     []string{"64M"},
			OutputDirectory: root,
		},
		Tasks: []config.Task{{Executable: "/bin/dd"}},
	}
	plan, err := config.Expand(w)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}

	o := newTestOrchestrator(&fakeBuilder{fail: true}, &fakeSink{})
	summary, err := o.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("build failure must not fail the plan: %v", err)
	}
	// the sgx experiment is skipped, the native one still runs
	if summary.ExperimentsSkipped != 1 || summary.ExperimentsRun != 1 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestRunWritesSentinelOnCollectorFailure(t *testing.T) {
	plan := nativePlan(t, 2, false)
	o := newTestOrchestrator(&fakeBuilder{}, &fakeSink{})

	failed := false
	o.execute = func(ctx context.Context, s *iterSession) (*runner.IterationResult, error) {
		if !failed {
			failed = true
			return nil, errdefs.Wrap(errdefs.ErrCollectorInit, "tracer: eBPF load rejected")
		}
		return fakeExecute(ctx, s)
	}

	summary, err := o.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.IterationsCompleted != 1 || summary.IterationsSkipped != 1 {
		t.Fatalf("summary = %+v", summary)
	}

	sentinel := filepath.Join(plan.Experiments[0].IterationDir(plan.OutputRoot, "1"), output.SkippedSentinel)
	data, err := os.ReadFile(sentinel)
	if err != nil {
		t.Fatalf("missing sentinel: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("sentinel is empty")
	}
}

func TestRunStopsAfterRepeatedIoFailures(t *testing.T) {
	plan := nativePlan(t, 5, false)
	o := newTestOrchestrator(&fakeBuilder{}, &fakeSink{})

	o.execute = func(ctx context.Context, s *iterSession) (*runner.IterationResult, error) {
		return nil, errdefs.Wrap(errdefs.ErrIo, "disk full")
	}

	_, err := o.Run(context.Background(), plan)
	if !errors.Is(err, errdefs.ErrIo) {
		t.Fatalf("expected IoError escalation, got %v", err)
	}
	if o.ioFailureStreak != maxConsecutiveIoFailures {
		t.Fatalf("streak = %d", o.ioFailureStreak)
	}
}

func TestRunPropagatesCancellation(t *testing.T) {
	plan := nativePlan(t, 3, false)
	o := newTestOrchestrator(&fakeBuilder{}, &fakeSink{})

	ctx, cancel := context.WithCancel(context.Background())
	ran := 0
	o.execute = func(ctx context.Context, s *iterSession) (*runner.IterationResult, error) {
		ran++
		if ran == 2 {
			cancel()
			return nil, errdefs.Wrap(errdefs.ErrCancelled, "interrupted")
		}
		return fakeExecute(ctx, s)
	}

	_, err := o.Run(ctx, plan)
	if !errors.Is(err, errdefs.ErrCancelled) {
		t.Fatalf("expected Cancelled, got %v", err)
	}
	if ran != 2 {
		t.Fatalf("iterations after cancellation: %d", ran)
	}
}

func TestRunRefusesExistingRootWithoutForce(t *testing.T) {
	plan := nativePlan(t, 1, false)
	if err := os.MkdirAll(plan.OutputRoot, 0o755); err != nil {
		t.Fatalf("setup: %v", err)
	}
	o := newTestOrchestrator(&fakeBuilder{}, &fakeSink{})
	if _, err := o.Run(context.Background(), plan); !errors.Is(err, errdefs.ErrIo) {
		t.Fatalf("expected refusal, got %v", err)
	}
}

func TestRunNativePlanHasNoKey(t *testing.T) {
	plan := nativePlan(t, 1, false)
	o := newTestOrchestrator(&fakeBuilder{}, &fakeSink{})
	if _, err := o.Run(context.Background(), plan); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(plan.OutputRoot, "private_key.pem")); !os.IsNotExist(err) {
		t.Fatal("native-only plan must not generate a signing key")
	}
}
