package collector

import (
	"context"
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"greengage-exporter/db"
	"greengage-exporter/metrics"
)

const tableBloatSQL = `
 SELECT
    current_database()  as datname,
    bdinspname        AS schemaname,
    bdirelname        AS relname,
    CASE
        WHEN bdiexppages = 0 THEN 2
        WHEN (bdirelpages::numeric / bdiexppages) > 10 THEN 2
        WHEN (bdirelpages::numeric / bdiexppages) > 4 THEN 1
        ELSE 0
        END AS bloat_state
FROM gp_toolkit.gp_bloat_diag`

const tableSkewSQL = `
SELECT
    current_database()  as datname,
    skcnamespace AS schemaname,
    skcrelname  AS tablename,
    round(skccoeff, 1) AS skccoeff
FROM gp_toolkit.gp_skew_coefficients
WHERE skccoeff > 0.1
  AND skcnamespace NOT IN ('pg_catalog','information_schema','gp_toolkit')
ORDER BY skccoeff DESC
LIMIT 10`

type tableHealthStats struct {
	Database   string
	Schema     string
	Table      string
	BloatState float64
	SkewFactor float64
}

// tableHealthCollector reports bloat and data skew per table.
//
// Deprecated: expensive on large clusters, slated for replacement by
// table change tracking.
type tableHealthCollector struct {
	entityCollector[string, tableHealthStats]
}

func NewTableHealthCollector(registry *metrics.Registry) (Collector, error) {
	c := &tableHealthCollector{
		entityCollector: newEntityBase[string, tableHealthStats]("table_health", GroupPerDB, registry),
	}
	c.failOnError = false
	c.collectFn = c.collectTableHealth
	c.registerFn = c.registerTableMetrics
	return c, nil
}

func tableKey(database, schema, table string) string {
	return database + "." + schema + "." + table
}

func (c *tableHealthCollector) collectTableHealth(ctx context.Context, conn *sql.DB, _ *db.Version) (map[string]tableHealthStats, error) {
	log.Debug("collecting table health metrics")

	entities, err := c.collectBloat(ctx, conn)
	if err != nil {
		return nil, err
	}
	c.collectSkew(ctx, conn, entities)
	return entities, nil
}

func (c *tableHealthCollector) collectBloat(ctx context.Context, conn *sql.DB) (map[string]tableHealthStats, error) {
	rows, err := conn.QueryContext(ctx, tableBloatSQL)
	if err != nil {
		log.WithError(err).Debug("failed to collect table bloat statistics")
		return nil, err
	}
	defer rows.Close()

	entities := make(map[string]tableHealthStats)
	for rows.Next() {
		var (
			database, schema, table sql.NullString
			bloatState              float64
		)
		if err := rows.Scan(&database, &schema, &table, &bloatState); err != nil {
			return nil, err
		}
		stats := tableHealthStats{
			Database:   stringOrUnknown(database.String),
			Schema:     stringOrUnknown(schema.String),
			Table:      stringOrUnknown(table.String),
			BloatState: bloatState,
		}
		entities[tableKey(stats.Database, stats.Schema, stats.Table)] = stats
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	log.WithField("tables", len(entities)).Debug("collected bloat stats")
	return entities, nil
}

// collectSkew merges skew coefficients into the bloat entities. A skew
// query failure is tolerated; bloat data alone is still published.
func (c *tableHealthCollector) collectSkew(ctx context.Context, conn *sql.DB, entities map[string]tableHealthStats) {
	rows, err := conn.QueryContext(ctx, tableSkewSQL)
	if err != nil {
		log.WithError(err).Debug("failed to collect data skew statistics")
		return
	}
	defer rows.Close()

	for rows.Next() {
		var (
			database, schema, table sql.NullString
			skew                    float64
		)
		if err := rows.Scan(&database, &schema, &table, &skew); err != nil {
			log.WithError(err).Debug("error scanning skew row")
			return
		}
		key := tableKey(stringOrUnknown(database.String), stringOrUnknown(schema.String), stringOrUnknown(table.String))
		stats, ok := entities[key]
		if !ok {
			stats = tableHealthStats{
				Database: stringOrUnknown(database.String),
				Schema:   stringOrUnknown(schema.String),
				Table:    stringOrUnknown(table.String),
			}
		}
		stats.SkewFactor = skew
		entities[key] = stats
	}
	if err := rows.Err(); err != nil {
		log.WithError(err).Debug("error iterating skew rows")
	}
}

func (c *tableHealthCollector) registerTableMetrics(key string, lookup func() (tableHealthStats, bool)) ([]metrics.MeterID, error) {
	stats, ok := lookup()
	if !ok {
		return nil, nil
	}
	labels := prometheus.Labels{
		"database": stats.Database,
		"schema":   stats.Schema,
		"table":    stats.Table,
	}

	var ids []metrics.MeterID
	id, err := c.registry.Gauge(
		metrics.BuildName(metrics.SubsystemServer, "table_bloat_state"),
		"Table bloat state (0 = no bloat, 1 = moderate bloat, 2 = severe bloat)",
		labels, entityValue(lookup, func(s tableHealthStats) float64 { return s.BloatState }))
	if err != nil {
		return nil, err
	}
	ids = append(ids, id)

	id, err = c.registry.Gauge(
		metrics.BuildName(metrics.SubsystemServer, "table_skew_factor"),
		"Table data skew factor (1.0 = no skew, >1.5 = significant skew)",
		labels, entityValue(lookup, func(s tableHealthStats) float64 { return s.SkewFactor }))
	if err != nil {
		return nil, err
	}
	ids = append(ids, id)

	return ids, nil
}
