package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Regime selects how the target executable is launched.
type Regime string

const (
	RegimeNative     Regime = "native"
	RegimeGramineSGX Regime = "gramine_sgx"
)

// StorageKind is the filesystem flavour mounted into the enclave for the
// task's output directory. Native runs always use a plain directory.
type StorageKind string

const (
	StorageEncrypted StorageKind = "encrypted"
	StorageTmpfs     StorageKind = "tmpfs"
	StorageUntrusted StorageKind = "untrusted"
)

// Workload mirrors the TOML workload file.
type Workload struct {
	Globals Globals `toml:"globals"`
	Tasks   []Task  `toml:"tasks"`
}

type Globals struct {
	SampleSize           int      `toml:"sample_size"`
	NumThreads           []int    `toml:"num_threads"`
	EnclaveSize          []string `toml:"enclave_size"`
	OutputDirectory      string   `toml:"output_directory"`
	ExtraPerfEvents      []string `toml:"extra_perf_events,omitempty"`
	Debug                bool     `toml:"debug,omitempty"`
	DeepTrace            bool     `toml:"deep_trace,omitempty"`
	EnergySampleInterval Duration `toml:"energy_sample_interval,omitempty"`
}

type Task struct {
	Executable         string            `toml:"executable"`
	Args               []string          `toml:"args,omitempty"`
	Env                map[string]string `toml:"env,omitempty"`
	StorageType        []StorageKind     `toml:"storage_type,omitempty"`
	CustomManifestPath string            `toml:"custom_manifest_path,omitempty"`
	PreRunExecutable   string            `toml:"pre_run_executable,omitempty"`
	PreRunArgs         []string          `toml:"pre_run_args,omitempty"`
	PostRunExecutable  string            `toml:"post_run_executable,omitempty"`
	PostRunArgs        []string          `toml:"post_run_args,omitempty"`
}

// Duration decodes TOML duration strings like "500ms" or "2s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultEnergySampleInterval is used when the workload does not set one.
const DefaultEnergySampleInterval = 500 * time.Millisecond

// Hook is an auxiliary command run around an experiment.
type Hook struct {
	Executable string
	Args       []string
}

// Experiment is one concrete cell of the expanded matrix. Immutable once
// built by Expand.
type Experiment struct {
	TaskName         string
	Regime           Regime
	Executable       string
	Args             []string
	Env              map[string]string
	NumThreads       int
	EnclaveSize      string // human form, e.g. "256M"; empty for native
	EnclaveSizeBytes uint64 // 0 for native
	StorageKind      StorageKind
	SampleCount      int
	DeepTrace        bool
	ExtraPerfEvents  []string
	EnergyInterval   time.Duration
	PreRun           *Hook
	PostRun          *Hook
	ManifestTemplate string // optional custom manifest template path
}

// Fingerprint identifies the experiment's output directory. Two experiments
// with equal fingerprints cannot coexist in a plan.
func (e *Experiment) Fingerprint() string {
	if e.Regime == RegimeGramineSGX {
		return fmt.Sprintf("%s/%s/%d/%s/%s", e.TaskName, e.Regime, e.NumThreads, e.EnclaveSize, e.StorageKind)
	}
	return fmt.Sprintf("%s/%s/%d", e.TaskName, e.Regime, e.NumThreads)
}

// TaskDir is <root>/<task>.
func (e *Experiment) TaskDir(root string) string {
	return filepath.Join(root, e.TaskName)
}

// ExperimentDir holds per-experiment artifacts. For SGX experiments this is
// the enclave directory shared by all storage kinds of the same
// (task, threads, enclave size) tuple: the manifest, signature and mount
// source directories live here.
func (e *Experiment) ExperimentDir(root string) string {
	if e.Regime == RegimeGramineSGX {
		return filepath.Join(e.TaskDir(root), "gramine-sgx",
			fmt.Sprintf("%s-%d-%s", e.TaskName, e.NumThreads, e.EnclaveSize))
	}
	return filepath.Join(e.TaskDir(root), "no-gramine-sgx",
		fmt.Sprintf("%s-%d", e.TaskName, e.NumThreads))
}

// ResultDir holds the numbered iteration directories.
func (e *Experiment) ResultDir(root string) string {
	if e.Regime == RegimeGramineSGX {
		return filepath.Join(e.ExperimentDir(root),
			fmt.Sprintf("%s-%d-%s-%s", e.TaskName, e.NumThreads, e.EnclaveSize, e.StorageKind))
	}
	return filepath.Join(e.ExperimentDir(root),
		fmt.Sprintf("%s-%d-%s", e.TaskName, e.NumThreads, StorageUntrusted))
}

// IterationDir names one repetition: "1".."N" or "deep-trace".
func (e *Experiment) IterationDir(root, name string) string {
	return filepath.Join(e.ResultDir(root), name)
}

// StorageDir is the host-side directory the target writes benchmark data
// into. For SGX it is the mount source backing the selected storage kind;
// the in-enclave view of it is MountPoint.
func (e *Experiment) StorageDir(root string) string {
	if e.Regime == RegimeGramineSGX {
		switch e.StorageKind {
		case StorageEncrypted:
			return filepath.Join(e.ExperimentDir(root), "encrypted")
		case StorageTmpfs:
			return "/tmp"
		default:
			return filepath.Join(e.ExperimentDir(root), "untrusted")
		}
	}
	return filepath.Join(e.ExperimentDir(root), "storage")
}

// MountPoint is the path the target itself sees for its output directory.
// Identical to StorageDir outside the enclave.
func (e *Experiment) MountPoint(root string) string {
	if e.Regime == RegimeGramineSGX {
		switch e.StorageKind {
		case StorageEncrypted:
			return "/encrypted"
		case StorageTmpfs:
			return "/tmp"
		default:
			return "/untrusted"
		}
	}
	return e.StorageDir(root)
}

// Plan is the fully expanded, read-only experiment sequence.
type Plan struct {
	OutputRoot  string
	Experiments []Experiment
}
