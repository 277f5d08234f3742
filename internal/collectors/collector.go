// Package collectors implements the metric sources armed around one
// benchmark iteration: the perf-stat child, the RAPL energy sampler and
// the Gramine SGX statistics parser. The eBPF tracer lives in its own
// package but satisfies the same Collector contract.
package collectors

import (
	"golang.org/x/sys/unix"
)

// Collector is one asynchronous metric source. The run coordinator arms
// all collectors while the target is stopped, disarms them in reverse
// order once it has exited, and then drains each one to disk.
type Collector interface {
	Name() string

	// Arm attaches the collector to pid and starts recording. It must only
	// return once the collector is armed: samples produced after the
	// target's first instruction must be captured.
	Arm(pid int, iterationDir string) error

	// Disarm signals the collector to stop recording. Called after the
	// target has exited, in reverse arm order.
	Disarm() error

	// Drain blocks until all buffered data is flushed into the iteration
	// directory.
	Drain() error
}

// IoRower is implemented by collectors contributing rows to io.csv, which
// the coordinator assembles in a fixed order after every drain completed.
type IoRower interface {
	IoRows() []string
}

// MonotonicNow returns CLOCK_MONOTONIC in nanoseconds, the shared time
// base of energy samples, tracer events and iteration boundaries.
func MonotonicNow() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Sec)*1e9 + uint64(ts.Nsec)
}
