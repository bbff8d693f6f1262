// Package metrics provides Prometheus metrics for the connector.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scansTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hdfsconn_scans_total",
			Help: "Total number of directory listings performed by scanners",
		},
	)

	filesDiscovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hdfsconn_files_discovered_total",
			Help: "Total number of new or modified files emitted by scanners",
		},
	)

	recordsRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hdfsconn_records_read_total",
			Help: "Total number of records emitted by readers",
		},
		[]string{"format"},
	)

	itemErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hdfsconn_item_errors_total",
			Help: "Total number of per-item failures",
		},
		[]string{"component"},
	)

	filesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hdfsconn_files_written_total",
			Help: "Total number of files closed by writers",
		},
	)

	bytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hdfsconn_bytes_written_total",
			Help: "Total bytes appended by writers",
		},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hdfsconn_retries_total",
			Help: "Total number of retried store operations",
		},
		[]string{"component", "op"},
	)

	storeOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hdfsconn_store_op_duration_seconds",
			Help:    "Remote store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "status"},
	)
)

// Handler returns the Prometheus metrics handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordScan records one directory listing and the number of files it emitted.
func RecordScan(emitted int) {
	scansTotal.Inc()
	filesDiscovered.Add(float64(emitted))
}

// RecordRecordsRead records records emitted by a reader.
func RecordRecordsRead(format string, n int) {
	recordsRead.WithLabelValues(format).Add(float64(n))
}

// RecordItemError records a per-item failure in component.
func RecordItemError(component string) {
	itemErrors.WithLabelValues(component).Inc()
}

// RecordFileWritten records a closed output file.
func RecordFileWritten() {
	filesWritten.Inc()
}

// RecordBytesWritten records bytes appended to an output file.
func RecordBytesWritten(n int) {
	bytesWritten.Add(float64(n))
}

// RecordRetry records a retried store operation.
func RecordRetry(component, op string) {
	retriesTotal.WithLabelValues(component, op).Inc()
}

// ObserveStoreOp records the latency of a remote store call started at start.
func ObserveStoreOp(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	storeOpDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}
