package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Byte accounting currencies: an export tracks how much source data it has
// consumed and how much encoded data it has pushed to the destination.
const (
	CurrencyUncompressed = "uncompressed"
	CurrencyCompressed   = "compressed"
)

// Strategy outcome labels.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// ExportMetrics records export session activity.
//
// A nil ExportMetrics is valid and records nothing, so call sites never need
// an enabled check.
type ExportMetrics interface {
	// RecordStrategy counts one attempt of a copy strategy and its outcome.
	RecordStrategy(strategy, outcome string)

	// RecordBytes adds transferred bytes in the given currency.
	RecordBytes(currency string, n int64)

	// RecordExport counts a finished export with its duration and result.
	RecordExport(duration time.Duration, err error)
}

// exportMetrics is the Prometheus implementation of ExportMetrics.
type exportMetrics struct {
	strategyAttempts *prometheus.CounterVec
	bytesTotal       *prometheus.CounterVec
	exportsTotal     *prometheus.CounterVec
	exportDuration   prometheus.Histogram
}

var (
	exportOnce     sync.Once
	exportInstance *exportMetrics
)

// NewExportMetrics creates a Prometheus-backed ExportMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called). The
// underlying collectors are registered once and shared across sessions.
func NewExportMetrics() ExportMetrics {
	if !IsEnabled() {
		return nil
	}

	exportOnce.Do(func() {
		reg := GetRegistry()

		exportInstance = &exportMetrics{
			strategyAttempts: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "rawexport_strategy_attempts_total",
					Help: "Copy strategy attempts by strategy and outcome",
				},
				[]string{"strategy", "outcome"},
			),
			bytesTotal: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "rawexport_bytes_total",
					Help: "Bytes accounted by exports, per currency",
				},
				[]string{"currency"},
			),
			exportsTotal: promauto.With(reg).NewCounterVec(
				prometheus.CounterOpts{
					Name: "rawexport_exports_total",
					Help: "Finished exports by status",
				},
				[]string{"status"},
			),
			exportDuration: promauto.With(reg).NewHistogram(
				prometheus.HistogramOpts{
					Name: "rawexport_export_duration_seconds",
					Help: "Wall-clock duration of finished exports",
					Buckets: []float64{
						0.01, // small files via reflink
						0.1,
						0.5,
						1,
						5,
						30,
						120, // multi-GB buffered exports
					},
				},
			),
		}
	})

	return exportInstance
}

func (m *exportMetrics) RecordStrategy(strategy, outcome string) {
	if m == nil {
		return
	}
	m.strategyAttempts.WithLabelValues(strategy, outcome).Inc()
}

func (m *exportMetrics) RecordBytes(currency string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesTotal.WithLabelValues(currency).Add(float64(n))
}

func (m *exportMetrics) RecordExport(duration time.Duration, err error) {
	if m == nil {
		return
	}

	status := "success"
	if err != nil {
		status = "error"
	}

	m.exportsTotal.WithLabelValues(status).Inc()
	m.exportDuration.Observe(duration.Seconds())
}
