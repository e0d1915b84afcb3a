package collector

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"greengage-exporter/metrics"
)

// ExporterMetrics are the exporter's own health metrics.
type ExporterMetrics struct {
	startTime time.Time
	up        atomic.Bool

	totalScraped   prometheus.Counter
	totalError     prometheus.Counter
	collectorError *prometheus.CounterVec
	scrapeDuration prometheus.Summary
}

// NewExporterMetrics registers the self-metrics on the registry.
func NewExporterMetrics(registry *metrics.Registry) (*ExporterMetrics, error) {
	em := &ExporterMetrics{startTime: time.Now()}

	var err error
	em.totalScraped, err = registry.Counter(
		metrics.BuildName(metrics.SubsystemExporter, "total_scraped"),
		"Total number of scrapes")
	if err != nil {
		return nil, err
	}
	em.totalError, err = registry.Counter(
		metrics.BuildName(metrics.SubsystemExporter, "total_error"),
		"Total number of scrape errors")
	if err != nil {
		return nil, err
	}
	em.collectorError, err = registry.CounterVec(
		metrics.BuildName(metrics.SubsystemExporter, "collector_error"),
		"Number of errors per collector", "collector")
	if err != nil {
		return nil, err
	}
	em.scrapeDuration, err = registry.Summary(
		metrics.BuildName(metrics.SubsystemExporter, "scrape_duration_seconds"),
		"Duration of the last scrape in seconds")
	if err != nil {
		return nil, err
	}
	if _, err = registry.Gauge("up",
		"Whether greengage cluster is reachable (1=up, 0=down)", nil, func() float64 {
			if em.up.Load() {
				return 1
			}
			return 0
		}); err != nil {
		return nil, fmt.Errorf("register up gauge: %w", err)
	}
	if _, err = registry.Gauge(
		metrics.BuildName(metrics.SubsystemExporter, "uptime_seconds"),
		"Duration in seconds since the exporter started", nil, func() float64 {
			return time.Since(em.startTime).Seconds()
		}); err != nil {
		return nil, err
	}
	return em, nil
}

func (em *ExporterMetrics) IncTotalScraped() {
	em.totalScraped.Inc()
}

func (em *ExporterMetrics) IncTotalError() {
	em.totalError.Inc()
}

// IncCollectorError counts an error against a named collector.
func (em *ExporterMetrics) IncCollectorError(collectorName string) {
	em.collectorError.WithLabelValues(collectorName).Inc()
}

func (em *ExporterMetrics) ObserveScrapeDuration(d time.Duration) {
	em.scrapeDuration.Observe(d.Seconds())
}

// SetUp flips the bare up gauge.
func (em *ExporterMetrics) SetUp(up bool) {
	em.up.Store(up)
}
