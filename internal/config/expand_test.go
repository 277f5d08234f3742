package config

import (
	"errors"
	"strings"
	"testing"

	"github.com/alarmfox/enclave-benchmark/internal/errdefs"
)

func sampleWorkloadStruct() *Workload {
	return &Workload{
		Globals: Globals{
			SampleSize:      2,
			NumThreads:      []int{1, 4},
			EnclaveSize:     []string{"256M"},
			OutputDirectory: "/tmp/results",
		},
		Tasks: []Task{
			{
				Executable:  "/bin/dd",
				Args:        []string{"if=/dev/zero", "of={{ output_directory }}/out", "bs={{ num_threads }}"},
				StorageType: []StorageKind{StorageEncrypted, StorageTmpfs, StorageUntrusted},
			},
		},
	}
}

func TestExpandMatrix(t *testing.T) {
	plan, err := Expand(sampleWorkloadStruct())
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}

	// 2 threads x 1 size x 3 storage kinds SGX cells plus 2 native cells
	if len(plan.Experiments) != 8 {
		t.Fatalf("expected 8 experiments, got %d", len(plan.Experiments))
	}

	var sgx, native int
	for i := range plan.Experiments {
		switch plan.Experiments[i].Regime {
		case RegimeGramineSGX:
			sgx++
		case RegimeNative:
			native++
		}
	}
	if sgx != 6 || native != 2 {
		t.Fatalf("expected 6 sgx + 2 native, got %d + %d", sgx, native)
	}
	if plan.HasDuplicates() {
		t.Fatal("expanded plan reports duplicates")
	}
}

func TestExpandDefaultsStorageKind(t *testing.T) {
	w := sampleWorkloadStruct()
	w.Tasks[0].StorageType = nil
	plan, err := Expand(w)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	for i := range plan.Experiments {
		e := &plan.Experiments[i]
		if e.Regime == RegimeGramineSGX && e.StorageKind != StorageUntrusted {
			t.Fatalf("expected untrusted default, got %s", e.StorageKind)
		}
	}
}

func TestExpandPlaceholders(t *testing.T) {
	plan, err := Expand(sampleWorkloadStruct())
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}

	for i := range plan.Experiments {
		e := &plan.Experiments[i]
		wantDir := e.MountPoint(plan.OutputRoot)
		if got := e.Args[1]; got != "of="+wantDir+"/out" {
			t.Fatalf("placeholder not expanded for %s: %q", e.Fingerprint(), got)
		}
		for _, arg := range e.Args {
			if strings.Contains(arg, "{{ num_threads }}") {
				t.Fatalf("num_threads placeholder survived in %v", e.Args)
			}
		}
	}
}

func TestExperimentDirectoryLayout(t *testing.T) {
	root := "/tmp/results"

	native := Experiment{TaskName: "true", Regime: RegimeNative, NumThreads: 1}
	if got := native.ResultDir(root); got != "/tmp/results/true/no-gramine-sgx/true-1/true-1-untrusted" {
		t.Fatalf("native result dir: %s", got)
	}
	if got := native.IterationDir(root, "1"); got != "/tmp/results/true/no-gramine-sgx/true-1/true-1-untrusted/1" {
		t.Fatalf("native iteration dir: %s", got)
	}
	if got := native.StorageDir(root); got != "/tmp/results/true/no-gramine-sgx/true-1/storage" {
		t.Fatalf("native storage dir: %s", got)
	}

	sgx := Experiment{
		TaskName:    "dd",
		Regime:      RegimeGramineSGX,
		NumThreads:  1,
		EnclaveSize: "256M",
		StorageKind: StorageEncrypted,
	}
	if got := sgx.ExperimentDir(root); got != "/tmp/results/dd/gramine-sgx/dd-1-256M" {
		t.Fatalf("sgx experiment dir: %s", got)
	}
	if got := sgx.ResultDir(root); got != "/tmp/results/dd/gramine-sgx/dd-1-256M/dd-1-256M-encrypted" {
		t.Fatalf("sgx result dir: %s", got)
	}
	if got := sgx.MountPoint(root); got != "/encrypted" {
		t.Fatalf("sgx mount point: %s", got)
	}

	tmpfs := sgx
	tmpfs.StorageKind = StorageTmpfs
	if got := tmpfs.MountPoint(root); got != "/tmp" {
		t.Fatalf("tmpfs mount point: %s", got)
	}
}

func TestDuplicateFingerprintDetection(t *testing.T) {
	w := sampleWorkloadStruct()
	// same executable twice with identical parameters collides on every cell
	w.Tasks = append(w.Tasks, w.Tasks[0])
	_, err := Expand(w)
	if !errors.Is(err, errdefs.ErrPlanInvalid) {
		t.Fatalf("expected PlanInvalid for duplicate experiments, got %v", err)
	}
}

func TestApplySkipSGXRefuses(t *testing.T) {
	t.Setenv("EB_SKIP_SGX", "1")
	plan, err := Expand(sampleWorkloadStruct())
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if _, err := ApplySkipSGX(plan, false); !errors.Is(err, errdefs.ErrPlanInvalid) {
		t.Fatalf("expected PlanInvalid, got %v", err)
	}
}

func TestApplySkipSGXDegrades(t *testing.T) {
	t.Setenv("EB_SKIP_SGX", "1")
	plan, err := Expand(sampleWorkloadStruct())
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	filtered, err := ApplySkipSGX(plan, true)
	if err != nil {
		t.Fatalf("ApplySkipSGX: %v", err)
	}
	if len(filtered.Experiments) != 2 {
		t.Fatalf("expected 2 native experiments, got %d", len(filtered.Experiments))
	}
	for i := range filtered.Experiments {
		if filtered.Experiments[i].Regime != RegimeNative {
			t.Fatalf("sgx experiment survived the filter")
		}
	}
}

func TestApplySkipSGXUnsetIsIdentity(t *testing.T) {
	t.Setenv("EB_SKIP_SGX", "")
	plan, err := Expand(sampleWorkloadStruct())
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	same, err := ApplySkipSGX(plan, true)
	if err != nil {
		t.Fatalf("ApplySkipSGX: %v", err)
	}
	if len(same.Experiments) != len(plan.Experiments) {
		t.Fatalf("plan changed without EB_SKIP_SGX")
	}
}
