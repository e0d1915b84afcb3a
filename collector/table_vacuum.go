package collector

import (
	"context"
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"greengage-exporter/db"
	"greengage-exporter/metrics"
)

const tableVacuumStatsSQL = `
WITH tab AS (SELECT current_database()                         AS datname,
                    n.nspname                                  AS nspname,
                    c.relname                                  AS relname,
                    s.n_live_tup                               AS n_live_tup,
                    s.n_dead_tup                               AS n_dead_tup,
                    s.vacuum_count                             AS vacuum_count,
                    s.autovacuum_count                         AS autovacuum_count,
                    s.last_vacuum,
                    s.last_autovacuum,
                    GREATEST(s.last_vacuum, s.last_autovacuum) AS last_any_vacuum
             FROM pg_class c
                      JOIN pg_namespace n ON n.oid = c.relnamespace
                      JOIN pg_stat_all_tables s ON s.relid = c.oid
             WHERE c.relkind = 'r'
               AND n.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
               AND (s.n_live_tup + s.n_dead_tup) >= $1)
SELECT datname,
       nspname,
       relname,
       n_live_tup,
       n_dead_tup,
       CASE
           WHEN n_live_tup + n_dead_tup > 0
               THEN n_dead_tup::float / (n_live_tup + n_dead_tup)
           ELSE 0
           END   AS dead_tuple_ratio,
       EXTRACT(
               EPOCH FROM (now() - last_any_vacuum)
       )::bigint AS seconds_since_last_vacuum,
       EXTRACT(
               EPOCH FROM (now() - COALESCE(last_autovacuum, last_vacuum))
       )::bigint AS seconds_since_last_autovacuum,
       vacuum_count,
       autovacuum_count
FROM tab`

type tableVacuumStats struct {
	Database                   string
	Schema                     string
	Table                      string
	DeadTupleRatio             float64
	SecondsSinceLastVacuum     float64
	SecondsSinceLastAutovacuum float64
	VacuumCount                float64
	AutovacuumCount            float64
}

// tableVacuumCollector reports vacuum age and dead tuple ratios for
// tables above the configured tuple threshold.
type tableVacuumCollector struct {
	entityCollector[string, tableVacuumStats]
	tupleThreshold int
}

func NewTableVacuumCollector(registry *metrics.Registry, tupleThreshold int) (Collector, error) {
	c := &tableVacuumCollector{
		entityCollector: newEntityBase[string, tableVacuumStats]("table_vacuum_statistics", GroupPerDB, registry),
		tupleThreshold:  tupleThreshold,
	}
	c.collectFn = c.collectVacuumStats
	c.registerFn = c.registerVacuumMetrics
	return c, nil
}

func (c *tableVacuumCollector) collectVacuumStats(ctx context.Context, conn *sql.DB, _ *db.Version) (map[string]tableVacuumStats, error) {
	log.Debug("collecting table vacuum statistics")

	rows, err := conn.QueryContext(ctx, tableVacuumStatsSQL, c.tupleThreshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tables := make(map[string]tableVacuumStats)
	for rows.Next() {
		var (
			database, schema         sql.NullString
			table                    string
			liveTuples, deadTuples   int64
			sinceVacuum, sinceAuto   sql.NullInt64
			ratio                    float64
			vacuumCount, autoCount   int64
		)
		if err := rows.Scan(&database, &schema, &table, &liveTuples, &deadTuples,
			&ratio, &sinceVacuum, &sinceAuto, &vacuumCount, &autoCount); err != nil {
			return nil, err
		}
		stats := tableVacuumStats{
			Database:                   stringOrUnknown(database.String),
			Schema:                     stringOrUnknown(schema.String),
			Table:                      table,
			DeadTupleRatio:             ratio,
			SecondsSinceLastVacuum:     float64(sinceVacuum.Int64),
			SecondsSinceLastAutovacuum: float64(sinceAuto.Int64),
			VacuumCount:                float64(vacuumCount),
			AutovacuumCount:            float64(autoCount),
		}
		tables[tableKey(stats.Database, stats.Schema, stats.Table)] = stats
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tables, nil
}

func (c *tableVacuumCollector) registerVacuumMetrics(key string, lookup func() (tableVacuumStats, bool)) ([]metrics.MeterID, error) {
	stats, ok := lookup()
	if !ok {
		log.WithField("key", key).Warn("vacuum stats lookup returned nothing")
		return nil, nil
	}
	labels := prometheus.Labels{
		"database": stats.Database,
		"schema":   stats.Schema,
		"table":    stats.Table,
	}

	series := []struct {
		name    string
		help    string
		extract func(tableVacuumStats) float64
	}{
		{"table_dead_tuple_ratio", "Ratio of dead tuples to total tuples for this table",
			func(s tableVacuumStats) float64 { return s.DeadTupleRatio }},
		{"table_seconds_since_last_vacuum", "Seconds since the last vacuum (manual or auto) for this table",
			func(s tableVacuumStats) float64 { return s.SecondsSinceLastVacuum }},
		{"table_seconds_since_last_autovacuum", "Seconds since the last autovacuum for this table",
			func(s tableVacuumStats) float64 { return s.SecondsSinceLastAutovacuum }},
		{"table_vacuum_count", "Total number of manual vacuums for this table",
			func(s tableVacuumStats) float64 { return s.VacuumCount }},
		{"table_autovacuum_count", "Total number of autovacuums for this table",
			func(s tableVacuumStats) float64 { return s.AutovacuumCount }},
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
