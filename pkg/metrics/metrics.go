package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetsync_build_info",
			Help: "Build information of fleetsync",
		},
		[]string{"version", "commit", "date"},
	)

	DatasetRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsync_dataset_runs_total",
			Help: "Dataset sync runs by final status",
		},
		[]string{"dataset", "status"},
	)

	RecordsExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsync_records_extracted_total",
			Help: "Records read from the source warehouse",
		},
		[]string{"dataset"},
	)

	RecordsLoaded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetsync_records_loaded",
			Help: "Rows in the destination table after the last committed load",
		},
		[]string{"dataset"},
	)

	DataErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsync_data_errors_total",
			Help: "Values that could not be coerced and were marked missing",
		},
		[]string{"dataset"},
	)

	UploadAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsync_upload_attempts_total",
			Help: "Object storage upload attempts, including retries",
		},
		[]string{"dataset"},
	)

	TimelineIntervals = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetsync_timeline_intervals",
			Help: "Maintenance intervals from the last reconstruction",
		},
		[]string{"state"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetsync_run_duration_seconds",
			Help:    "Duration of full pipeline runs in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
)

// Push sends the default registry to a Pushgateway under the given job.
func Push(url, job string) error {
	if err := push.New(url, job).Gatherer(prometheus.DefaultGatherer).Push(); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
