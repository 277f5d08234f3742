// Package output owns the on-disk result tree. Every file is written to a
// temporary name in its final directory and renamed into place, so a run
// killed mid-write never leaves a truncated CSV for downstream scripts.
package output

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alarmfox/enclave-benchmark/internal/errdefs"
	"github.com/alarmfox/enclave-benchmark/internal/logging"
)

// Fixed CSV headers; the column orders are part of the output contract.
const (
	PerfCSVHeader   = "event,counter,counter_unit,metric,metric_unit,runtime_pct"
	IoCSVHeader     = "key,value"
	EnergyCSVHeader = "timestamp_ns,energy_uj"
	TraceCSVHeader  = "timestamp_ns,event"
)

// SkippedSentinel marks an iteration directory whose artifacts were
// discarded, recording why.
const SkippedSentinel = ".skipped"

// PrepareRoot creates the output root. An existing root is refused unless
// force is set, in which case it is removed first.
func PrepareRoot(root string, force bool) error {
	if _, err := os.Stat(root); err == nil {
		if !force {
			return errdefs.Wrap(errdefs.ErrIo, "output directory %s already exists (use --force to overwrite)", root)
		}
		logging.GetLogger().WithField("path", root).Warn("Removing existing output directory")
		if err := os.RemoveAll(root); err != nil {
			return errdefs.Wrap(errdefs.ErrIo, "cannot remove %s: %v", root, err)
		}
	} else if !os.IsNotExist(err) {
		return errdefs.Wrap(errdefs.ErrIo, "cannot stat %s: %v", root, err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return errdefs.Wrap(errdefs.ErrIo, "cannot create %s: %v", root, err)
	}
	return nil
}

// WriteFileAtomic writes data to path via a temporary file and rename.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errdefs.Wrap(errdefs.ErrIo, "cannot create %s: %v", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return errdefs.Wrap(errdefs.ErrIo, "cannot create temp file in %s: %v", dir, err)
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return errdefs.Wrap(errdefs.ErrIo, "cannot write %s: %v", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return errdefs.Wrap(errdefs.ErrIo, "cannot chmod %s: %v", path, err)
	}
	if err := tmp.Close(); err != nil {
		return errdefs.Wrap(errdefs.ErrIo, "cannot close %s: %v", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errdefs.Wrap(errdefs.ErrIo, "cannot rename %s: %v", path, err)
	}
	ok = true
	return nil
}

// WriteCSV writes a header plus rows. Rows are written as-is; callers own
// the field formatting.
func WriteCSV(path, header string, rows []string) error {
	var sb strings.Builder
	sb.WriteString(header)
	sb.WriteByte('\n')
	for _, row := range rows {
		sb.WriteString(row)
		sb.WriteByte('\n')
	}
	return WriteFileAtomic(path, []byte(sb.String()), 0o644)
}

// WriteSkipped drops a sentinel into an iteration directory recording why
// its artifacts were discarded.
func WriteSkipped(dir, reason string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errdefs.Wrap(errdefs.ErrIo, "cannot create %s: %v", dir, err)
	}
	return WriteFileAtomic(filepath.Join(dir, SkippedSentinel), []byte(reason+"\n"), 0o644)
}

// ClearIteration removes every artifact of a failed iteration so the
// directory can hold only the sentinel.
func ClearIteration(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errdefs.Wrap(errdefs.ErrIo, "cannot read %s: %v", dir, err)
	}
	for _, e := range entries {
		if e.Name() == SkippedSentinel {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return errdefs.Wrap(errdefs.ErrIo, "cannot remove %s: %v", e.Name(), err)
		}
	}
	return nil
}

// CSVRow joins fields with the field separator used across all files.
func CSVRow(fields ...string) string {
	return strings.Join(fields, ",")
}

// KV renders one io.csv row.
func KV(key string, value any) string {
	return fmt.Sprintf("%s,%v", key, value)
}
