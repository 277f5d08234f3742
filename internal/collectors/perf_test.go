package collectors

import (
	"strings"
	"testing"
)

const samplePerfOutput = `# started on Tue Aug  5 10:00:00 2026

123456789,,cpu-cycles,400000000,100.00,1.234,GHz
987654,,cache-misses,400000000,100.00,,
<not supported>,,stalled-cycles-frontend,0,100.00,,
<not counted>,,branch-misses,0,0.00,,
401000000,ns,duration_time,401000000,100.00,,
garbage line without commas
1,2
`

func TestParsePerfCSV(t *testing.T) {
	rows := ParsePerfCSV([]byte(samplePerfOutput))
	if len(rows) != 5 {
		t.Fatalf("expected 5 rows, got %d: %+v", len(rows), rows)
	}

	cycles := rows[0]
	if cycles.Event != "cpu-cycles" {
		t.Fatalf("unexpected first event %q", cycles.Event)
	}
	if cycles.Counter == nil || *cycles.Counter != 123456789 {
		t.Fatalf("cycles counter = %v", cycles.Counter)
	}
	if cycles.Metric == nil || *cycles.Metric != 1.234 || cycles.MetricUnit != "GHz" {
		t.Fatalf("cycles metric = %v %q", cycles.Metric, cycles.MetricUnit)
	}
	if cycles.RuntimePct != 100.0 {
		t.Fatalf("cycles runtime pct = %v", cycles.RuntimePct)
	}

	notSupported := rows[2]
	if notSupported.Event != "stalled-cycles-frontend" || notSupported.Counter != nil {
		t.Fatalf("not-supported row should keep event with nil counter: %+v", notSupported)
	}

	duration := rows[4]
	if duration.Unit != "ns" {
		t.Fatalf("duration unit = %q", duration.Unit)
	}
}

func TestPerfRowCSV(t *testing.T) {
	counter := int64(42)
	metric := 0.5
	row := PerfRow{
		Event:      "instructions",
		Counter:    &counter,
		Unit:       "",
		Metric:     &metric,
		MetricUnit: "insn per cycle",
		RuntimePct: 100,
	}
	if got := row.CSV(); got != "instructions,42,,0.5,insn per cycle,100.00" {
		t.Fatalf("CSV = %q", got)
	}

	empty := PerfRow{Event: "cache-misses"}
	if got := empty.CSV(); got != "cache-misses,,,,,0.00" {
		t.Fatalf("CSV = %q", got)
	}
}

func TestNewPerfCollectorEventSet(t *testing.T) {
	pc := NewPerfCollector([]string{"cpu-cycles", "power/energy-pkg/", "instructions"})

	seen := make(map[string]int)
	for _, ev := range pc.events {
		seen[ev]++
	}
	if seen["cpu-cycles"] != 1 || seen["instructions"] != 1 {
		t.Fatalf("duplicated default events: %v", pc.events)
	}
	if seen["power/energy-pkg/"] != 1 {
		t.Fatalf("extra event missing: %v", pc.events)
	}

	joined := strings.Join(pc.events, ",")
	for i := 1; i < len(pc.events); i++ {
		if pc.events[i-1] > pc.events[i] {
			t.Fatalf("event list not sorted: %s", joined)
		}
	}
}
