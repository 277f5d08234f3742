package results

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alarmfox/enclave-benchmark/internal/logging"
)

// SpoolSink writes gzip-compressed JSON artifacts, one per experiment, to
// a local directory when no database is reachable.
type SpoolSink struct {
	dir string
}

// DefaultSpoolDir resolves the spool location, overridable via
// EB_SPOOL_DIR.
func DefaultSpoolDir() string {
	if v := strings.TrimSpace(os.Getenv("EB_SPOOL_DIR")); v != "" {
		return v
	}
	return "spool"
}

func NewSpoolSink(dir string) *SpoolSink {
	if dir == "" {
		dir = DefaultSpoolDir()
	}
	return &SpoolSink{dir: dir}
}

type spoolArtifact struct {
	Version   int                `json:"version"`
	CreatedAt time.Time          `json:"created_at"`
	Summary   *ExperimentSummary `json:"summary"`
}

// WriteExperimentSummary writes the artifact atomically: a half-written
// spool file would otherwise poison the later upload.
func (s *SpoolSink) WriteExperimentSummary(summary *ExperimentSummary) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}

	artifact := &spoolArtifact{
		Version:   1,
		CreatedAt: time.Now().UTC(),
		Summary:   summary,
	}

	name := fmt.Sprintf("experiment_%s_%s_%d_%s.json.gz",
		summary.TaskName,
		summary.Regime,
		summary.NumThreads,
		artifact.CreatedAt.Format("20060102T150405Z"),
	)
	finalPath := filepath.Join(s.dir, name)

	tmp, err := os.CreateTemp(s.dir, name+".tmp.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		_ = tmp.Close()
		if !ok {
			_ = os.Remove(tmpPath)
		}
	}()

	gz := gzip.NewWriter(tmp)
	enc := json.NewEncoder(gz)
	if err := enc.Encode(artifact); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return err
	}
	ok = true

	logging.GetLogger().WithField("path", finalPath).Debug("Experiment summary spooled")
	return nil
}

func (s *SpoolSink) Close() {}
