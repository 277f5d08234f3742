package results

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/alarmfox/enclave-benchmark/internal/logging"
)

// InfluxSink writes one point per experiment plus one point per iteration.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

func NewInfluxSink(host, token, org, bucket string) *InfluxSink {
	client := influxdb2.NewClient(host, token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
	}
}

const writeTimeout = 10 * time.Second

func (s *InfluxSink) WriteExperimentSummary(summary *ExperimentSummary) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	tags := map[string]string{
		"task":     summary.TaskName,
		"regime":   summary.Regime,
		"hostname": summary.Hostname,
	}
	// empty tag values are invalid line protocol
	if summary.StorageKind != "" {
		tags["storage"] = summary.StorageKind
	}
	if summary.EnclaveSize != "" {
		tags["enclave"] = summary.EnclaveSize
	}

	completed := 0
	for _, it := range summary.Iterations {
		if !it.Skipped {
			completed++
		}
	}
	point := influxdb2.NewPoint("experiment", tags, map[string]interface{}{
		"num_threads":      summary.NumThreads,
		"iterations":       len(summary.Iterations),
		"completed":        completed,
		"duration_seconds": summary.FinishedAt.Sub(summary.StartedAt).Seconds(),
	}, summary.FinishedAt)
	if err := s.writeAPI.WritePoint(ctx, point); err != nil {
		return err
	}

	for _, it := range summary.Iterations {
		itTags := map[string]string{
			"task":      summary.TaskName,
			"regime":    summary.Regime,
			"iteration": it.Name,
		}
		itPoint := influxdb2.NewPoint("iteration", itTags, map[string]interface{}{
			"exit_code":   it.ExitCode,
			"skipped":     it.Skipped,
			"duration_ns": int64(it.EndInstantNs - it.StartInstantNs),
		}, summary.FinishedAt)
		if err := s.writeAPI.WritePoint(ctx, itPoint); err != nil {
			return err
		}
	}
	return nil
}

func (s *InfluxSink) Close() {
	logging.GetLogger().Debug("Closing InfluxDB client")
	s.client.Close()
}
