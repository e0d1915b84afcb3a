package collector

import (
	"context"
	"database/sql"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"greengage-exporter/db"
	"greengage-exporter/metrics"
)

const vacuumRunningSQL = `
SELECT
    datname,
    pid,
    usename,
    EXTRACT(EPOCH FROM (now() - xact_start))::bigint AS seconds_running
FROM pg_stat_activity
WHERE
    (query ILIKE 'vacuum%' or query ILIKE 'autovacuum:%')
  AND state <> 'idle'`

type vacuumRunningStats struct {
	Database       string
	User           string
	PID            int
	SecondsRunning float64
}

// vacuumRunningCollector tracks vacuum and autovacuum processes that
// are currently active. Series for finished processes are removed so
// the metric set follows what is actually running.
type vacuumRunningCollector struct {
	entityCollector[string, vacuumRunningStats]
	running atomic.Bool
}

func NewVacuumRunningCollector(registry *metrics.Registry) (Collector, error) {
	c := &vacuumRunningCollector{
		entityCollector: newEntityBase[string, vacuumRunningStats]("vacuum_running", GroupGeneral, registry),
	}
	c.removeDeleted = true
	c.collectFn = c.collectRunningVacuums
	c.registerFn = c.registerVacuumMetric

	if _, err := registry.Gauge(
		metrics.BuildName(metrics.SubsystemServer, "vacuum_running"),
		"Indicates if any vacuum/autovacuum process is currently running (1 = running, 0 = not running)",
		nil, func() float64 {
			if c.running.Load() {
				return 1
			}
			return 0
		}); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *vacuumRunningCollector) collectRunningVacuums(ctx context.Context, conn *sql.DB, _ *db.Version) (map[string]vacuumRunningStats, error) {
	log.Debug("collecting running vacuum processes")

	rows, err := conn.QueryContext(ctx, vacuumRunningSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	vacuums := make(map[string]vacuumRunningStats)
	for rows.Next() {
		var (
			database, user sql.NullString
			pid            int
			secondsRunning sql.NullInt64
		)
		if err := rows.Scan(&database, &pid, &user, &secondsRunning); err != nil {
			return nil, err
		}
		stats := vacuumRunningStats{
			Database:       stringOrUnknown(database.String),
			User:           stringOrUnknown(user.String),
			PID:            pid,
			SecondsRunning: float64(secondsRunning.Int64),
		}
		key := stats.Database + "." + strconv.Itoa(pid) + "." + stats.User
		vacuums[key] = stats
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	c.running.Store(len(vacuums) > 0)
	if len(vacuums) == 0 {
		log.Debug("no active vacuum/autovacuum processes found")
	} else {
		log.WithField("count", len(vacuums)).Debug("found active vacuum/autovacuum processes")
	}
	return vacuums, nil
}

func (c *vacuumRunningCollector) registerVacuumMetric(key string, lookup func() (vacuumRunningStats, bool)) ([]metrics.MeterID, error) {
	stats, ok := lookup()
	if !ok {
		log.WithField("key", key).Warn("vacuum stats lookup returned nothing")
		return nil, nil
	}
	id, err := c.registry.Gauge(
		metrics.BuildName(metrics.SubsystemServer, "vacuum_running_seconds"),
		"Seconds the vacuum/autovacuum has been running",
		prometheus.Labels{
			"datname": stats.Database,
			"usename": stats.User,
			"pid":     strconv.Itoa(stats.PID),
		},
		entityValue(lookup, func(s vacuumRunningStats) float64 { return s.SecondsRunning }))
	if err != nil {
		return nil, err
	}
	return []metrics.MeterID{id}, nil
}
