package collectors

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alarmfox/enclave-benchmark/internal/logging"
	"github.com/alarmfox/enclave-benchmark/internal/output"
)

// GramineStats are the enclave transition counters Gramine prints to
// stderr when sgx.enable_stats is on:
//
//	# of EENTERs:        139328
//	# of EEXITs:         139250
//	# of AEXs:           5377
//	# of sync signals:   72
//	# of async signals:  0
type GramineStats struct {
	EEnters      uint64
	EExits       uint64
	AExs         uint64
	SyncSignals  uint64
	AsyncSignals uint64
}

// SGXStatsCollector extracts the Gramine counters from the captured stderr
// stream once the run is over. Gramine may still be flushing the stats
// block when the target PID disappears, so parsing waits out a short grace
// window measured from disarm.
type SGXStatsCollector struct {
	dir      string
	disarmAt time.Time
	stats    GramineStats
}

const stderrDrainGrace = 200 * time.Millisecond

func NewSGXStatsCollector() *SGXStatsCollector {
	return &SGXStatsCollector{}
}

func (c *SGXStatsCollector) Name() string { return "sgx-stats" }

func (c *SGXStatsCollector) Arm(pid int, iterationDir string) error {
	// The coordinator already routes the target's stderr into the
	// iteration directory; there is nothing to attach to.
	c.dir = iterationDir
	return nil
}

func (c *SGXStatsCollector) Disarm() error {
	c.disarmAt = time.Now()
	return nil
}

func (c *SGXStatsCollector) Drain() error {
	if wait := stderrDrainGrace - time.Since(c.disarmAt); wait > 0 {
		time.Sleep(wait)
	}

	f, err := os.Open(filepath.Join(c.dir, "stderr"))
	if err != nil {
		logging.GetLogger().WithError(err).Warn("Cannot open captured stderr for SGX stats")
		return nil
	}
	defer f.Close()

	c.stats = ParseGramineStats(f)
	return nil
}

// IoRows renders the counters under the sgx.* keys of io.csv.
func (c *SGXStatsCollector) IoRows() []string {
	return []string{
		output.KV("sgx.eenters", c.stats.EEnters),
		output.KV("sgx.eexits", c.stats.EExits),
		output.KV("sgx.aexs", c.stats.AExs),
		output.KV("sgx.sync_signals", c.stats.SyncSignals),
		output.KV("sgx.async_signals", c.stats.AsyncSignals),
	}
}

// ParseGramineStats scans a stderr stream for the enclave statistics
// block. Unknown lines are ignored; absent counters stay zero.
func ParseGramineStats(r io.Reader) GramineStats {
	var stats GramineStats

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 4 {
			continue
		}
		switch strings.TrimSuffix(parts[2], ":") {
		case "EENTERs":
			stats.EEnters = parseCounter(parts[3])
		case "EEXITs":
			stats.EExits = parseCounter(parts[3])
		case "AEXs":
			stats.AExs = parseCounter(parts[3])
		case "sync":
			if len(parts) >= 5 {
				stats.SyncSignals = parseCounter(parts[4])
			}
		case "async":
			if len(parts) >= 5 {
				stats.AsyncSignals = parseCounter(parts[4])
			}
		}
	}
	return stats
}

func parseCounter(s string) uint64 {
	v, err := strconv.ParseUint(strings.TrimSuffix(s, ":"), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
