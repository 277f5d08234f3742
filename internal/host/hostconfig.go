// Package host discovers, once per process, the machine facilities the
// collectors depend on: RAPL, perf_events, the SGX device and the kernel
// version. The CLI consults it before the plan is handed to the
// orchestrator so a misconfigured box fails fast instead of half-filling
// the output tree.
package host

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/elastic/go-perf"
	"github.com/sirupsen/logrus"

	"github.com/alarmfox/enclave-benchmark/internal/logging"
)

const (
	raplBasePath     = "/sys/devices/virtual/powercap/intel-rapl"
	sgxDevicePath    = "/dev/sgx_enclave"
	perfParanoidPath = "/proc/sys/kernel/perf_event_paranoid"
)

type HostConfig struct {
	Hostname      string
	KernelVersion string
	CPUVendor     string
	CPUModel      string

	RAPLSupported     bool
	SGXDevice         bool
	PerfEventParanoid int
}

var (
	globalHostConfig *HostConfig
	hostConfigOnce   sync.Once
)

// GetHostConfig returns the host facts, discovering them on first call.
func GetHostConfig() (*HostConfig, error) {
	var err error
	hostConfigOnce.Do(func() {
		globalHostConfig, err = initializeHostConfig()
	})
	if globalHostConfig == nil && err == nil {
		err = fmt.Errorf("host configuration failed on a previous call")
	}
	return globalHostConfig, err
}

func initializeHostConfig() (*HostConfig, error) {
	logger := logging.GetLogger()
	cfg := &HostConfig{PerfEventParanoid: -1}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	cfg.Hostname = hostname

	if data, err := os.ReadFile("/proc/version"); err == nil {
		parts := strings.Fields(string(data))
		if len(parts) >= 3 {
			cfg.KernelVersion = parts[2]
		}
	}

	cfg.CPUVendor, cfg.CPUModel = readCPUInfo()

	if fi, err := os.Stat(raplBasePath); err == nil && fi.IsDir() {
		cfg.RAPLSupported = true
	}
	if _, err := os.Stat(sgxDevicePath); err == nil {
		cfg.SGXDevice = true
	}
	if data, err := os.ReadFile(perfParanoidPath); err == nil {
		if v, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			cfg.PerfEventParanoid = v
		}
	}

	logger.WithFields(logrus.Fields{
		"hostname":            cfg.Hostname,
		"kernel":              cfg.KernelVersion,
		"cpu_model":           cfg.CPUModel,
		"rapl_supported":      cfg.RAPLSupported,
		"sgx_device":          cfg.SGXDevice,
		"perf_event_paranoid": cfg.PerfEventParanoid,
	}).Info("Host configuration initialized")

	return cfg, nil
}

func readCPUInfo() (vendor, model string) {
	vendor, model = "unknown", "unknown"
	f, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "vendor_id") {
			if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
				vendor = strings.TrimSpace(parts[1])
			}
		} else if strings.HasPrefix(line, "model name") {
			if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
				model = strings.TrimSpace(parts[1])
				return
			}
		}
	}
	return
}

// CheckPerfAccess opens and closes a cycles counter on the calling thread.
// The perf adapter spawns the perf CLI per iteration; probing
// perf_event_open here turns a privilege problem into a startup error
// instead of a failure on the first iteration.
func (h *HostConfig) CheckPerfAccess() error {
	attr := &perf.Attr{}
	perf.CPUCycles.Configure(attr)

	ev, err := perf.Open(attr, perf.CallingThread, perf.AnyCPU, nil)
	if err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("perf_event_open denied (perf_event_paranoid=%d): %w", h.PerfEventParanoid, os.ErrPermission)
		}
		return fmt.Errorf("perf_event_open failed: %w", err)
	}
	return ev.Close()
}
