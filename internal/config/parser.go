package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/alarmfox/enclave-benchmark/internal/errdefs"
	"github.com/alarmfox/enclave-benchmark/internal/logging"
)

// LoadWorkload reads a TOML workload file, expanding ${VAR} references from
// the environment before decoding.
func LoadWorkload(path string) (*Workload, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(path)
	if err != nil {
		logger.WithField("path", path).WithError(err).Error("Failed to read workload file")
		return nil, err
	}

	return ParseWorkload(expandEnvVars(string(data)))
}

// ParseWorkload decodes and validates a workload document.
func ParseWorkload(content string) (*Workload, error) {
	var w Workload
	if _, err := toml.Decode(content, &w); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrPlanInvalid, "cannot decode workload: %v", err)
	}
	if err := validateWorkload(&w); err != nil {
		return nil, err
	}
	return &w, nil
}

// EncodeWorkload serializes a workload back to TOML. Decoding the result
// yields an equal workload for every document that passes validation.
func EncodeWorkload(w *Workload) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

func validateWorkload(w *Workload) error {
	if w.Globals.SampleSize < 1 {
		return errdefs.Wrap(errdefs.ErrPlanInvalid, "sample_size must be positive, got %d", w.Globals.SampleSize)
	}
	if len(w.Globals.NumThreads) == 0 {
		return errdefs.Wrap(errdefs.ErrPlanInvalid, "num_threads must not be empty")
	}
	for _, n := range w.Globals.NumThreads {
		if n < 1 {
			return errdefs.Wrap(errdefs.ErrPlanInvalid, "num_threads entries must be positive, got %d", n)
		}
	}
	if w.Globals.OutputDirectory == "" {
		return errdefs.Wrap(errdefs.ErrPlanInvalid, "output_directory must be set")
	}
	for _, s := range w.Globals.EnclaveSize {
		n, err := ParseSize(s)
		if err != nil {
			return errdefs.Wrap(errdefs.ErrPlanInvalid, "bad enclave size %q: %v", s, err)
		}
		if n < MinEnclaveSize {
			return errdefs.Wrap(errdefs.ErrPlanInvalid, "enclave size %q below 1 MiB", s)
		}
	}
	if len(w.Tasks) == 0 {
		return errdefs.Wrap(errdefs.ErrPlanInvalid, "no tasks defined")
	}
	for i, t := range w.Tasks {
		if t.Executable == "" {
			return errdefs.Wrap(errdefs.ErrPlanInvalid, "task %d has no executable", i)
		}
		for _, st := range t.StorageType {
			switch st {
			case StorageEncrypted, StorageTmpfs, StorageUntrusted:
			default:
				return errdefs.Wrap(errdefs.ErrPlanInvalid, "task %d: unknown storage type %q", i, st)
			}
		}
	}
	return nil
}

// MinEnclaveSize is the smallest enclave Gramine will accept here.
const MinEnclaveSize = 1 << 20

var sizeSuffixes = []struct {
	suffix string
	mult   uint64
}{
	{"T", 1 << 40},
	{"G", 1 << 30},
	{"M", 1 << 20},
	{"K", 1 << 10},
}

// ParseSize converts a human enclave size like "256M" or "1G" to bytes.
// A bare number is taken as bytes.
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	for _, e := range sizeSuffixes {
		if strings.HasSuffix(s, e.suffix) {
			n, err := strconv.ParseUint(strings.TrimSuffix(s, e.suffix), 10, 64)
			if err != nil {
				return 0, err
			}
			return n * e.mult, nil
		}
	}
	return strconv.ParseUint(s, 10, 64)
}

// FormatSize renders bytes in the shortest suffixed form, matching the way
// enclave sizes appear in directory names.
func FormatSize(n uint64) string {
	for _, e := range sizeSuffixes {
		if n >= e.mult && n%e.mult == 0 {
			return fmt.Sprintf("%d%s", n/e.mult, e.suffix)
		}
	}
	return strconv.FormatUint(n, 10)
}
