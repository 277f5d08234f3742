package collectors

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/alarmfox/enclave-benchmark/internal/logging"
	"github.com/alarmfox/enclave-benchmark/internal/output"
)

// DefaultRAPLPath is the powercap root the sampler enumerates.
// https://www.kernel.org/doc/html/next/power/powercap/powercap.html
const DefaultRAPLPath = "/sys/devices/virtual/powercap/intel-rapl"

type raplZone struct {
	// name follows the <package>[-<component>] convention, e.g.
	// "package-0", "package-0-dram".
	name       string
	energyPath string
	// maxRange lets the aggregation layer unwrap the counter; the sampler
	// records raw values only.
	maxRange uint64
}

type energySample struct {
	timestampNs uint64
	energyUj    uint64
}

// EnergySampler polls every RAPL subzone on a dedicated goroutine. The loop
// sleeps to the next deadline instead of a fixed interval, so it drifts at
// most one tick over the run.
type EnergySampler struct {
	interval time.Duration
	basePath string

	zones   []raplZone
	samples map[string][]energySample
	dir     string

	stop atomic.Bool
	done chan struct{}
}

func NewEnergySampler(interval time.Duration) *EnergySampler {
	return &EnergySampler{
		interval: interval,
		basePath: DefaultRAPLPath,
	}
}

func (s *EnergySampler) Name() string { return "energy" }

func (s *EnergySampler) Arm(pid int, iterationDir string) error {
	logger := logging.GetLogger()

	zones, err := enumerateRAPLZones(s.basePath)
	if err != nil {
		return err
	}
	if len(zones) == 0 {
		return fmt.Errorf("no RAPL zones under %s", s.basePath)
	}
	s.zones = zones
	s.dir = iterationDir
	s.samples = make(map[string][]energySample, len(zones))
	s.done = make(chan struct{})

	for _, z := range zones {
		logger.WithFields(logrus.Fields{
			"zone":      z.name,
			"max_range": z.maxRange,
		}).Debug("RAPL zone armed")
	}

	go s.loop()
	return nil
}

// loop ticks once per interval. The first sample lands one interval after
// arming, so every recorded timestamp falls inside the target's run.
func (s *EnergySampler) loop() {
	defer close(s.done)

	deadline := time.Now()
	for {
		deadline = deadline.Add(s.interval)
		if d := time.Until(deadline); d > 0 {
			time.Sleep(d)
		}
		if s.stop.Load() {
			return
		}

		ts := MonotonicNow()
		for _, z := range s.zones {
			raw, err := os.ReadFile(z.energyPath)
			if err != nil {
				continue
			}
			uj, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
			if err != nil {
				continue
			}
			s.samples[z.name] = append(s.samples[z.name], energySample{timestampNs: ts, energyUj: uj})
		}
	}
}

func (s *EnergySampler) Disarm() error {
	s.stop.Store(true)
	return nil
}

func (s *EnergySampler) Drain() error {
	<-s.done
	for _, z := range s.zones {
		rows := make([]string, 0, len(s.samples[z.name]))
		for _, sample := range s.samples[z.name] {
			rows = append(rows, output.CSVRow(
				strconv.FormatUint(sample.timestampNs, 10),
				strconv.FormatUint(sample.energyUj, 10),
			))
		}
		path := filepath.Join(s.dir, z.name+".csv")
		if err := output.WriteCSV(path, output.EnergyCSVHeader, rows); err != nil {
			return err
		}
	}
	return nil
}

// enumerateRAPLZones walks one level of package zones and one level of
// component subzones, reading each zone's advertised name and wrap range.
func enumerateRAPLZones(basePath string) ([]raplZone, error) {
	entries, err := os.ReadDir(basePath)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", basePath, err)
	}

	var zones []raplZone
	for _, entry := range entries {
		zone, ok := readRAPLZone(filepath.Join(basePath, entry.Name()), entry)
		if !ok {
			continue
		}
		zones = append(zones, zone)

		subEntries, err := os.ReadDir(filepath.Join(basePath, entry.Name()))
		if err != nil {
			continue
		}
		for _, sub := range subEntries {
			subZone, ok := readRAPLZone(filepath.Join(basePath, entry.Name(), sub.Name()), sub)
			if !ok {
				continue
			}
			subZone.name = zone.name + "-" + subZone.name
			zones = append(zones, subZone)
		}
	}
	return zones, nil
}

func readRAPLZone(path string, entry os.DirEntry) (raplZone, bool) {
	if !strings.HasPrefix(entry.Name(), "intel-rapl:") || !entry.IsDir() {
		return raplZone{}, false
	}
	name, err := os.ReadFile(filepath.Join(path, "name"))
	if err != nil {
		return raplZone{}, false
	}
	zone := raplZone{
		name:       strings.TrimSpace(string(name)),
		energyPath: filepath.Join(path, "energy_uj"),
	}
	if raw, err := os.ReadFile(filepath.Join(path, "max_energy_range_uj")); err == nil {
		if v, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64); err == nil {
			zone.maxRange = v
		}
	}
	return zone, true
}
