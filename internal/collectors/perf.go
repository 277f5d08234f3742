package collectors

import (
	"bytes"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alarmfox/enclave-benchmark/internal/logging"
	"github.com/alarmfox/enclave-benchmark/internal/output"
)

// DefaultPerfEvents is the base event set of every run; extra events from
// the workload are merged in. The union is sorted so the perf command line,
// and with it the row order of perf.csv, is reproducible.
var DefaultPerfEvents = []string{
	"L1-dcache-load-misses",
	"L1-dcache-loads",
	"L1-icache-load-misses",
	"L1-icache-loads",
	"branch-instructions",
	"branch-misses",
	"cache-misses",
	"cache-references",
	"cpu-cycles",
	"dTLB-load-misses",
	"dTLB-loads",
	"duration_time",
	"iTLB-load-misses",
	"iTLB-loads",
	"instructions",
	"page-faults",
	"stalled-cycles-frontend",
	"system_time",
	"user_time",
}

// PerfRow is one parsed line of perf-stat CSV output.
type PerfRow struct {
	Event      string
	Counter    *int64
	Unit       string
	Metric     *float64
	MetricUnit string
	RuntimePct float64
}

// PerfCollector runs `perf stat` as a child process attached to the target
// PID and converts its CSV output into perf.csv.
type PerfCollector struct {
	events []string

	cmd    *exec.Cmd
	stderr bytes.Buffer
	waitCh chan error
	dir    string
}

// initGrace is how long Arm watches for perf dying right away, which is
// how permission problems (perf_event_paranoid) surface.
const initGrace = 150 * time.Millisecond

func NewPerfCollector(extraEvents []string) *PerfCollector {
	seen := make(map[string]struct{}, len(DefaultPerfEvents)+len(extraEvents))
	events := make([]string, 0, len(DefaultPerfEvents)+len(extraEvents))
	for _, lists := range [][]string{DefaultPerfEvents, extraEvents} {
		for _, ev := range lists {
			if _, dup := seen[ev]; dup {
				continue
			}
			seen[ev] = struct{}{}
			events = append(events, ev)
		}
	}
	sort.Strings(events)
	return &PerfCollector{events: events}
}

func (p *PerfCollector) Name() string { return "perf" }

func (p *PerfCollector) Arm(pid int, iterationDir string) error {
	p.dir = iterationDir
	p.cmd = exec.Command("perf", "stat",
		"--field-separator", ",",
		"--event", strings.Join(p.events, ","),
		"--pid", strconv.Itoa(pid),
	)
	p.cmd.Stderr = &p.stderr

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("cannot start perf: %w", err)
	}

	p.waitCh = make(chan error, 1)
	go func() { p.waitCh <- p.cmd.Wait() }()

	// perf must outlive the (still stopped) target; an immediate exit
	// means it never attached.
	select {
	case err := <-p.waitCh:
		return fmt.Errorf("perf exited during attach: %v (%s)", err, strings.TrimSpace(p.stderr.String()))
	case <-time.After(initGrace):
		return nil
	}
}

// Disarm is a no-op: perf stat terminates by itself once the target PID is
// gone.
func (p *PerfCollector) Disarm() error { return nil }

func (p *PerfCollector) Drain() error {
	logger := logging.GetLogger()
	if err := <-p.waitCh; err != nil {
		logger.WithError(err).Warn("perf exited with non-zero status")
	}

	rows := ParsePerfCSV(p.stderr.Bytes())
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.CSV())
	}
	return output.WriteCSV(filepath.Join(p.dir, "perf.csv"), output.PerfCSVHeader, out)
}

// CSV renders the row in the perf.csv column order. Missing counters and
// metrics are empty fields.
func (r *PerfRow) CSV() string {
	counter := ""
	if r.Counter != nil {
		counter = strconv.FormatInt(*r.Counter, 10)
	}
	metric := ""
	if r.Metric != nil {
		metric = strconv.FormatFloat(*r.Metric, 'f', -1, 64)
	}
	return output.CSVRow(
		r.Event,
		counter,
		r.Unit,
		metric,
		r.MetricUnit,
		strconv.FormatFloat(r.RuntimePct, 'f', 2, 64),
	)
}

// ParsePerfCSV decodes the `perf stat --field-separator ,` output format:
//
//	counter,unit,event,runtime,pct-running[,metric,metric-unit]
//
// Comment lines and blank lines are skipped. Rows perf marks as not
// supported or not counted keep their event with an empty counter. Rows
// that do not fit the shape are logged and skipped.
func ParsePerfCSV(raw []byte) []PerfRow {
	logger := logging.GetLogger()
	var rows []PerfRow

	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 5 {
			logger.WithFields(logrus.Fields{"line": line}).Debug("Skipping malformed perf row")
			continue
		}

		row := PerfRow{
			Unit:  fields[1],
			Event: fields[2],
		}
		if row.Event == "" {
			logger.WithFields(logrus.Fields{"line": line}).Debug("Skipping perf row without event name")
			continue
		}
		if v, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
			row.Counter = &v
		}
		if v, err := strconv.ParseFloat(fields[4], 64); err == nil {
			row.RuntimePct = v
		}
		if len(fields) >= 7 {
			if v, err := strconv.ParseFloat(fields[5], 64); err == nil {
				row.Metric = &v
				row.MetricUnit = fields[6]
			}
		}
		rows = append(rows, row)
	}
	return rows
}
