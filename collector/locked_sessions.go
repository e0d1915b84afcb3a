package collector

import (
	"context"
	"database/sql"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"greengage-exporter/db"
	"greengage-exporter/metrics"
)

const queryWaitingCountSQL = "SELECT count(*) AS waiting_count FROM pg_locks WHERE NOT granted"

const lockedSessionsV6 = `
SELECT
    l.locktype       AS lock_type,
    COUNT(*)         AS locked_sessions_count
FROM pg_locks l
         JOIN pg_stat_activity a ON a.pid = l.pid
WHERE a.waiting
  AND NOT l.granted
GROUP BY l.locktype
ORDER BY lock_type`

const lockedSessionsV7 = `
SELECT
    l.locktype       AS lock_type,
    COUNT(*)         AS locked_sessions_count
FROM pg_locks l
         JOIN pg_stat_activity a ON a.pid = l.pid
WHERE a.wait_event_type = 'Lock'
GROUP BY l.locktype
ORDER BY lock_type`

type lockTypeStats struct {
	LockType string
	Count    float64
}

// lockedSessionsCollector counts sessions waiting on locks per lock
// type, plus the global waiting-query count from pg_locks.
type lockedSessionsCollector struct {
	entityCollector[string, lockTypeStats]
	queryWaitingCount atomic.Int64
}

func NewLockedSessionsCollector(registry *metrics.Registry) (Collector, error) {
	c := &lockedSessionsCollector{
		entityCollector: newEntityBase[string, lockTypeStats]("locked_sessions", GroupGeneral, registry),
	}
	c.collectFn = c.collectLocks
	c.registerFn = c.registerLockTypeMetrics

	if _, err := registry.Gauge(
		metrics.BuildName(metrics.SubsystemCluster, "query_waiting_count"),
		"Total number of queries waiting for locks (all types)",
		nil, func() float64 { return float64(c.queryWaitingCount.Load()) }); err != nil {
		return nil, err
	}
	if _, err := registry.Gauge(
		metrics.BuildName(metrics.SubsystemServer, "locked_sessions_total"),
		"Total number of locked sessions across all lock types",
		nil, func() float64 {
			var total float64
			for _, s := range c.snapshot() {
				total += s.Count
			}
			return total
		}); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *lockedSessionsCollector) collectLocks(ctx context.Context, conn *sql.DB, ver *db.Version) (map[string]lockTypeStats, error) {
	log.Debug("collecting locked sessions")

	var waiting int64
	if err := conn.QueryRowContext(ctx, queryWaitingCountSQL).Scan(&waiting); err != nil {
		return nil, err
	}
	c.queryWaitingCount.Store(waiting)

	query := lockedSessionsV6
	if ver.IsAtLeastV7() {
		query = lockedSessionsV7
	}

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lockStats := make(map[string]lockTypeStats)
	for rows.Next() {
		var (
			lockType sql.NullString
			count    float64
		)
		if err := rows.Scan(&lockType, &count); err != nil {
			return nil, err
		}
		name := stringOrUnknown(lockType.String)
		lockStats[name] = lockTypeStats{LockType: name, Count: count}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	log.WithField("lock_types", len(lockStats)).Debug("collected locked sessions")
	return lockStats, nil
}

func (c *lockedSessionsCollector) registerLockTypeMetrics(lockType string, lookup func() (lockTypeStats, bool)) ([]metrics.MeterID, error) {
	id, err := c.registry.Gauge(
		metrics.BuildName(metrics.SubsystemServer, "locked_sessions_count"),
		"Number of locked sessions by lock type",
		prometheus.Labels{"lock_type": lockType},
		entityValue(lookup, func(s lockTypeStats) float64 { return s.Count }))
	if err != nil {
		return nil, err
	}
	return []metrics.MeterID{id}, nil
}
