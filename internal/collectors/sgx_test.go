package collectors

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleGramineStderr = `Gramine is starting. Parsing TOML manifest file, this may take some time...
benchmark output line
----- SGX stats for thread 12345 -----
# of EENTERs:        139328
# of EEXITs:         139250
# of AEXs:           5377
# of sync signals:   72
# of async signals:  0
`

func TestParseGramineStats(t *testing.T) {
	stats := ParseGramineStats(strings.NewReader(sampleGramineStderr))
	if stats.EEnters != 139328 {
		t.Fatalf("EEnters = %d", stats.EEnters)
	}
	if stats.EExits != 139250 {
		t.Fatalf("EExits = %d", stats.EExits)
	}
	if stats.AExs != 5377 {
		t.Fatalf("AExs = %d", stats.AExs)
	}
	if stats.SyncSignals != 72 || stats.AsyncSignals != 0 {
		t.Fatalf("signals = %d/%d", stats.SyncSignals, stats.AsyncSignals)
	}
}

func TestParseGramineStatsMissingBlock(t *testing.T) {
	stats := ParseGramineStats(strings.NewReader("plain stderr, no stats\n"))
	if stats != (GramineStats{}) {
		t.Fatalf("expected zero stats, got %+v", stats)
	}
}

func TestSGXStatsCollectorRows(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "stderr"), []byte(sampleGramineStderr), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	c := NewSGXStatsCollector()
	if err := c.Arm(0, dir); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if err := c.Disarm(); err != nil {
		t.Fatalf("Disarm: %v", err)
	}
	if err := c.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	rows := c.IoRows()
	want := []string{
		"sgx.eenters,139328",
		"sgx.eexits,139250",
		"sgx.aexs,5377",
		"sgx.sync_signals,72",
		"sgx.async_signals,0",
	}
	if len(rows) != len(want) {
		t.Fatalf("expected %d rows, got %v", len(want), rows)
	}
	for i := range want {
		if rows[i] != want[i] {
			t.Fatalf("row %d = %q, want %q", i, rows[i], want[i])
		}
	}
}

func TestSGXStatsCollectorNoStderrFile(t *testing.T) {
	c := NewSGXStatsCollector()
	if err := c.Arm(0, t.TempDir()); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	_ = c.Disarm()
	if err := c.Drain(); err != nil {
		t.Fatalf("Drain without stderr should degrade, got %v", err)
	}
	if rows := c.IoRows(); rows[0] != "sgx.eenters,0" {
		t.Fatalf("expected zero counters, got %v", rows)
	}
}
