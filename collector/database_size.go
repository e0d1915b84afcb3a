package collector

import (
	"context"
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"greengage-exporter/db"
	"greengage-exporter/metrics"
)

const databaseSizeSQL = `
SELECT sodddatname AS database_name,
       sodddatsize/(1024*1024) AS database_size_mb
FROM gp_toolkit.gp_size_of_database`

type databaseStats struct {
	Name   string
	SizeMB float64
}

// databaseSizeCollector tracks on-disk size per database.
type databaseSizeCollector struct {
	entityCollector[string, databaseStats]
}

func NewDatabaseSizeCollector(registry *metrics.Registry) (Collector, error) {
	c := &databaseSizeCollector{
		entityCollector: newEntityBase[string, databaseStats]("database_size", GroupGeneral, registry),
	}
	c.collectFn = c.collectSizes
	c.registerFn = c.registerSizeMetrics

	if _, err := registry.Gauge(
		metrics.BuildName(metrics.SubsystemHost, "total_database_size_mb"),
		"Total size of all databases in megabytes",
		nil, func() float64 {
			var total float64
			for _, s := range c.snapshot() {
				total += s.SizeMB
			}
			return total
		}); err != nil {
		return nil, err
	}
	if _, err := registry.Gauge(
		metrics.BuildName(metrics.SubsystemServer, "database_count"),
		"Number of databases in the cluster",
		nil, func() float64 { return float64(len(c.snapshot())) }); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *databaseSizeCollector) collectSizes(ctx context.Context, conn *sql.DB, _ *db.Version) (map[string]databaseStats, error) {
	log.Debug("collecting database size metrics")

	rows, err := conn.QueryContext(ctx, databaseSizeSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	databases := make(map[string]databaseStats)
	for rows.Next() {
		var s databaseStats
		if err := rows.Scan(&s.Name, &s.SizeMB); err != nil {
			return nil, err
		}
		databases[s.Name] = s
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	log.WithField("count", len(databases)).Debug("collected database size info")
	return databases, nil
}

func (c *databaseSizeCollector) registerSizeMetrics(dbname string, lookup func() (databaseStats, bool)) ([]metrics.MeterID, error) {
	id, err := c.registry.Gauge(
		metrics.BuildName(metrics.SubsystemHost, "database_name_mb_size"),
		"Total MB size of each database name in the file system",
		prometheus.Labels{"dbname": dbname},
		entityValue(lookup, func(s databaseStats) float64 { return s.SizeMB }))
	if err != nil {
		return nil, err
	}
	return []metrics.MeterID{id}, nil
}
