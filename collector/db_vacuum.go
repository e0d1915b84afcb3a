package collector

import (
	"context"
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"greengage-exporter/db"
	"greengage-exporter/metrics"
)

const dbVacuumStatsSQL = `
WITH tab AS (SELECT current_database()                         AS datname,
                    n.nspname,
                    c.relname,
                    s.n_live_tup,
                    s.n_dead_tup,
                    GREATEST(s.last_vacuum, s.last_autovacuum) AS last_any_vacuum
             FROM pg_class c
                      JOIN pg_namespace n ON n.oid = c.relnamespace
                      JOIN pg_stat_all_tables s ON s.relid = c.oid
             WHERE c.relkind = 'r'
               AND n.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
               AND (s.n_live_tup + s.n_dead_tup) >= $1)
SELECT datname,
       MAX(EXTRACT(EPOCH FROM (now() - last_any_vacuum)))::bigint AS max_seconds_since_last_vacuum,
       AVG(
               CASE
                   WHEN n_live_tup + n_dead_tup > 0
                       THEN n_dead_tup::float / (n_live_tup + n_dead_tup)
                   ELSE 0
                   END
       )                                                          AS avg_dead_tuple_ratio,
       MAX(
               CASE
                   WHEN n_live_tup + n_dead_tup > 0
                       THEN n_dead_tup::float / (n_live_tup + n_dead_tup)
                   ELSE 0
                   END
       )                                                          AS max_dead_tuple_ratio
FROM tab
GROUP BY datname`

type dbVacuumStats struct {
	Database                  string
	MaxSecondsSinceLastVacuum float64
	AvgDeadTupleRatio         float64
	MaxDeadTupleRatio         float64
}

// dbVacuumCollector rolls the table vacuum statistics up to one row
// per database.
type dbVacuumCollector struct {
	entityCollector[string, dbVacuumStats]
	tupleThreshold int
}

func NewDbVacuumCollector(registry *metrics.Registry, tupleThreshold int) (Collector, error) {
	c := &dbVacuumCollector{
		entityCollector: newEntityBase[string, dbVacuumStats]("db_vacuum_statistics", GroupPerDB, registry),
		tupleThreshold:  tupleThreshold,
	}
	c.collectFn = c.collectVacuumStats
	c.registerFn = c.registerVacuumMetrics
	return c, nil
}

func (c *dbVacuumCollector) collectVacuumStats(ctx context.Context, conn *sql.DB, _ *db.Version) (map[string]dbVacuumStats, error) {
	log.Debug("collecting database vacuum statistics")

	rows, err := conn.QueryContext(ctx, dbVacuumStatsSQL, c.tupleThreshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	databases := make(map[string]dbVacuumStats)
	for rows.Next() {
		var (
			database     sql.NullString
			maxSince     sql.NullInt64
			avgRatio     sql.NullFloat64
			maxRatio     sql.NullFloat64
		)
		if err := rows.Scan(&database, &maxSince, &avgRatio, &maxRatio); err != nil {
			return nil, err
		}
		name := stringOrUnknown(database.String)
		databases[name] = dbVacuumStats{
			Database:                  name,
			MaxSecondsSinceLastVacuum: float64(maxSince.Int64),
			AvgDeadTupleRatio:         avgRatio.Float64,
			MaxDeadTupleRatio:         maxRatio.Float64,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return databases, nil
}

func (c *dbVacuumCollector) registerVacuumMetrics(database string, lookup func() (dbVacuumStats, bool)) ([]metrics.MeterID, error) {
	labels := prometheus.Labels{"datname": database}

	series := []struct {
		name    string
		help    string
		extract func(dbVacuumStats) float64
	}{
		{"db_max_seconds_since_last_vacuum", "Maximum seconds since last vacuum (manual or auto) across all tables in the database",
			func(s dbVacuumStats) float64 { return s.MaxSecondsSinceLastVacuum }},
		{"db_avg_dead_tuple_ratio", "Average dead tuple ratio across all tables in the database",
			func(s dbVacuumStats) float64 { return s.AvgDeadTupleRatio }},
		{"db_max_dead_tuple_ratio", "Maximum dead tuple ratio across all tables in the database",
			func(s dbVacuumStats) float64 { return s.MaxDeadTupleRatio }},
	}

	var ids []metrics.MeterID
	for _, sp := range series {
		id, err := c.registry.Gauge(
			metrics.BuildName(metrics.SubsystemDatabase, sp.name), sp.help, labels,
			entityValue(lookup, sp.extract))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
