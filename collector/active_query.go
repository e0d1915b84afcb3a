package collector

import (
	"context"
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"greengage-exporter/db"
	"greengage-exporter/metrics"
)

const activeQueryDurationSQL = `
WITH q AS (
    SELECT EXTRACT(EPOCH FROM (now() - query_start)) AS duration_seconds
    FROM pg_stat_activity
    WHERE pid <> pg_backend_pid()
      AND state = 'active'
      AND application_name <> 'autovacuum'
)
SELECT
    count(*) AS total_active_queries,
    sum(CASE WHEN duration_seconds >= 0 AND duration_seconds < 10 THEN 1 ELSE 0 END) AS cnt_0_10,
    sum(CASE WHEN duration_seconds >= 10 AND duration_seconds < 60 THEN 1 ELSE 0 END) AS cnt_10_60,
    sum(CASE WHEN duration_seconds >= 60 AND duration_seconds < 180 THEN 1 ELSE 0 END) AS cnt_60_180,
    sum(CASE WHEN duration_seconds >= 180 AND duration_seconds < 600 THEN 1 ELSE 0 END) AS cnt_180_600,
    sum(CASE WHEN duration_seconds >= 600 THEN 1 ELSE 0 END) AS cnt_600_plus
FROM q`

type queryBucket struct {
	Bucket string
	Count  float64
}

// activeQueryCollector buckets active queries by how long they have
// been running. Autovacuum workers and the exporter's own backend are
// excluded.
type activeQueryCollector struct {
	entityCollector[string, queryBucket]
}

func NewActiveQueryCollector(registry *metrics.Registry) (Collector, error) {
	c := &activeQueryCollector{
		entityCollector: newEntityBase[string, queryBucket]("active_query_duration", GroupGeneral, registry),
	}
	c.failOnError = false
	c.collectFn = c.collectDurations
	c.registerFn = c.registerBucketMetric

	if _, err := registry.Gauge(
		metrics.BuildName(metrics.SubsystemQuery, "active_queries_total"),
		"Total number of active queries (all duration buckets)",
		nil, func() float64 {
			var total float64
			for _, b := range c.snapshot() {
				total += b.Count
			}
			return total
		}); err != nil {
		return nil, err
	}
	if _, err := registry.Gauge(
		metrics.BuildName(metrics.SubsystemQuery, "active_queries_slow"),
		"Number of slow active queries (duration > 180 seconds)",
		nil, func() float64 {
			entities := c.snapshot()
			return entities["180_600"].Count + entities["600_plus"].Count
		}); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *activeQueryCollector) collectDurations(ctx context.Context, conn *sql.DB, _ *db.Version) (map[string]queryBucket, error) {
	log.Debug("collecting active query duration statistics")

	var total, b0, b10, b60, b180, b600 sql.NullFloat64
	err := conn.QueryRowContext(ctx, activeQueryDurationSQL).
		Scan(&total, &b0, &b10, &b60, &b180, &b600)
	if err != nil {
		log.WithError(err).Error("failed to collect active query duration statistics")
		return nil, err
	}

	buckets := map[string]queryBucket{
		"0_10":     {Bucket: "0_10", Count: b0.Float64},
		"10_60":    {Bucket: "10_60", Count: b10.Float64},
		"60_180":   {Bucket: "60_180", Count: b60.Float64},
		"180_600":  {Bucket: "180_600", Count: b180.Float64},
		"600_plus": {Bucket: "600_plus", Count: b600.Float64},
	}
	log.WithField("buckets", len(buckets)).Debug("collected duration buckets")
	return buckets, nil
}

func (c *activeQueryCollector) registerBucketMetric(bucket string, lookup func() (queryBucket, bool)) ([]metrics.MeterID, error) {
	id, err := c.registry.Gauge(
		metrics.BuildName(metrics.SubsystemQuery, "active_queries_duration_bucket"),
		"Number of active queries per duration bucket in seconds",
		prometheus.Labels{"bucket": bucket},
		entityValue(lookup, func(b queryBucket) float64 { return b.Count }))
	if err != nil {
		return nil, err
	}
	return []metrics.MeterID{id}, nil
}
