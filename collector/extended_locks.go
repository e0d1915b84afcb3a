package collector

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"greengage-exporter/db"
	"greengage-exporter/metrics"
)

const extendedLockedSessionsSQL = `
WITH waiting_locks AS (
    SELECT *
    FROM pg_locks
    WHERE granted = false
),
     waiting_with_activity AS (
         SELECT
             wl.*,
             db.datname,
             (now() - a.query_start) AS wait_duration
         FROM waiting_locks wl
                  LEFT JOIN pg_database db
                            ON db.oid = wl.database
                  LEFT JOIN pg_stat_activity a
                            ON a.sess_id = wl.mppsessionid
     )
SELECT
    'lock_waiting_queries'::text AS metric_name,
    datname                                AS database,
    locktype,
    mode,
    gp_segment_id::text                    AS gp_segment_id,
    count(*)::double precision             AS value
FROM waiting_with_activity
GROUP BY datname, locktype, mode, gp_segment_id
UNION ALL
SELECT
    'lock_wait_max_wait_seconds' AS metric_name,
    datname                                AS database,
    locktype,
    mode,
    gp_segment_id::text                    AS gp_segment_id,
    EXTRACT(EPOCH FROM MAX(wait_duration))::double precision AS value
FROM waiting_with_activity
GROUP BY datname, locktype, mode, gp_segment_id`

const (
	lockMetricWaitingQueries = "lock_waiting_queries"
	lockMetricMaxWaitSeconds = "lock_wait_max_wait_seconds"
)

// locksKey identifies one waiting-lock series: which of the two
// metrics, plus database, lock type, mode and segment.
type locksKey struct {
	Metric   string
	Database string
	LockType string
	Mode     string
	Segment  string
}

func lockMetricHelp(metric string) string {
	if metric == lockMetricMaxWaitSeconds {
		return "Maximum wait time for locks in seconds"
	}
	return "Number of sessions waiting for locks"
}

// extendedLocksCollector breaks waiting locks down by database, lock
// type, mode and segment. Lock waits churn fast, so gauges of
// disappeared keys are removed each scrape.
type extendedLocksCollector struct {
	entityCollector[locksKey, float64]
}

func NewExtendedLocksCollector(registry *metrics.Registry) (Collector, error) {
	c := &extendedLocksCollector{
		entityCollector: newEntityBase[locksKey, float64]("extended_locked_sessions", GroupGeneral, registry),
	}
	c.removeDeleted = true
	c.collectFn = c.collectLockDetails
	c.registerFn = c.registerLockMetrics
	return c, nil
}

func (c *extendedLocksCollector) collectLockDetails(ctx context.Context, conn *sql.DB, _ *db.Version) (map[locksKey]float64, error) {
	log.Debug("collecting extended locked sessions")

	rows, err := conn.QueryContext(ctx, extendedLockedSessionsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lockStats := make(map[locksKey]float64)
	for rows.Next() {
		var (
			metricName                            string
			database, lockType, mode, gpSegmentID sql.NullString
			value                                 sql.NullFloat64
		)
		if err := rows.Scan(&metricName, &database, &lockType, &mode, &gpSegmentID, &value); err != nil {
			return nil, err
		}
		if metricName != lockMetricWaitingQueries && metricName != lockMetricMaxWaitSeconds {
			return nil, fmt.Errorf("unknown lock metric name %q", metricName)
		}
		key := locksKey{
			Metric:   metricName,
			Database: stringOrUnknown(database.String),
			LockType: stringOrUnknown(lockType.String),
			Mode:     stringOrUnknown(mode.String),
			Segment:  stringOrUnknown(gpSegmentID.String),
		}
		lockStats[key] = value.Float64
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	log.WithField("series", len(lockStats)).Debug("collected extended locked sessions")
	return lockStats, nil
}

func (c *extendedLocksCollector) registerLockMetrics(key locksKey, lookup func() (float64, bool)) ([]metrics.MeterID, error) {
	id, err := c.registry.Gauge(
		metrics.BuildName(metrics.SubsystemServer, key.Metric),
		lockMetricHelp(key.Metric),
		prometheus.Labels{
			"database":  key.Database,
			"lock_type": key.LockType,
			"mode":      key.Mode,
			"content":   key.Segment,
		},
		entityValue(lookup, func(v float64) float64 { return v }))
	if err != nil {
		return nil, err
	}
	return []metrics.MeterID{id}, nil
}
