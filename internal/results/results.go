// Package results publishes per-experiment summaries. When InfluxDB
// credentials are present in the environment they are written straight to
// the bucket; otherwise they are spooled to disk as compressed JSON for a
// later upload. Either way a sink failure never fails the benchmark.
package results

import (
	"os"
	"time"
)

// IterationRecord captures the outcome of one coordinator invocation.
type IterationRecord struct {
	Name           string `json:"name"`
	ExitCode       int    `json:"exit_code"`
	StartInstantNs uint64 `json:"start_instant_ns"`
	EndInstantNs   uint64 `json:"end_instant_ns"`
	Skipped        bool   `json:"skipped,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// ExperimentSummary is one sink record per experiment.
type ExperimentSummary struct {
	TaskName    string            `json:"task_name"`
	Regime      string            `json:"regime"`
	NumThreads  int               `json:"num_threads"`
	EnclaveSize string            `json:"enclave_size,omitempty"`
	StorageKind string            `json:"storage_kind,omitempty"`
	Hostname    string            `json:"hostname"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	Iterations  []IterationRecord `json:"iterations"`
}

// Sink receives experiment summaries.
type Sink interface {
	WriteExperimentSummary(summary *ExperimentSummary) error
	Close()
}

// NewSinkFromEnv picks InfluxDB when the INFLUXDB_* variables are all set
// and falls back to the disk spool otherwise.
func NewSinkFromEnv() Sink {
	host := os.Getenv("INFLUXDB_HOST")
	token := os.Getenv("INFLUXDB_TOKEN")
	org := os.Getenv("INFLUXDB_ORG")
	bucket := os.Getenv("INFLUXDB_BUCKET")
	if host != "" && token != "" && org != "" && bucket != "" {
		return NewInfluxSink(host, token, org, bucket)
	}
	return NewSpoolSink("")
}
