package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// checkpoint outcomes per animal: fired, conflict
	CheckpointCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herdline_checkpoint_total",
			Help: "Feed tier checkpoint outcomes",
		},
		[]string{"animal", "outcome"},
	)

	PhotoCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herdline_photos_total",
			Help: "Uploaded photos by result",
		},
		[]string{"result"}, // accepted, skipped
	)

	TaskSaveCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herdline_task_saves_total",
			Help: "Daily task completion saves",
		},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herdline_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)
)

func RecordCheckpoint(animal, outcome string) {
	CheckpointCount.WithLabelValues(animal, outcome).Inc()
}

func RecordPhotos(accepted, skipped int) {
	PhotoCount.WithLabelValues("accepted").Add(float64(accepted))
	PhotoCount.WithLabelValues("skipped").Add(float64(skipped))
}

func RecordTaskSave() {
	TaskSaveCount.Inc()
}

func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}
