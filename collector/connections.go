package collector

import (
	"context"
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"greengage-exporter/db"
	"greengage-exporter/metrics"
)

const connectionsByStateV6 = `
SELECT
  a.state,
  COUNT(*) AS count
FROM pg_stat_activity a
WHERE a.pid <> pg_backend_pid()
GROUP BY 1
ORDER BY count DESC`

const connectionsByStateV7 = `
SELECT
  state,
  COUNT(*) AS count
FROM pg_stat_activity
WHERE pid <> pg_backend_pid()
  AND backend_type = 'client backend'
GROUP BY 1
ORDER BY count DESC`

type connectionStats struct {
	State string
	Count float64
}

// connectionsCollector counts client connections grouped by state.
type connectionsCollector struct {
	entityCollector[string, connectionStats]
}

func NewConnectionsCollector(registry *metrics.Registry) (Collector, error) {
	c := &connectionsCollector{
		entityCollector: newEntityBase[string, connectionStats]("connections_by_state", GroupGeneral, registry),
	}
	c.collectFn = c.collectConnections
	c.registerFn = c.registerStateMetrics

	if _, err := registry.Gauge(
		metrics.BuildName(metrics.SubsystemCluster, "connections_all_states_total"),
		"Total number of connections across all states",
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

func (c *connectionsCollector) collectConnections(ctx context.Context, conn *sql.DB, ver *db.Version) (map[string]connectionStats, error) {
	log.Debug("collecting connections by state")

	query := connectionsByStateV6
	if ver.IsAtLeastV7() {
		query = connectionsByStateV7
	}

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	connections := make(map[string]connectionStats)
	for rows.Next() {
		var (
			state sql.NullString
			count float64
		)
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		name := stringOrUnknown(state.String)
		connections[name] = connectionStats{State: name, Count: count}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	log.WithField("states", len(connections)).Debug("collected connection info")
	return connections, nil
}

func (c *connectionsCollector) registerStateMetrics(state string, lookup func() (connectionStats, bool)) ([]metrics.MeterID, error) {
	id, err := c.registry.Gauge(
		metrics.BuildName(metrics.SubsystemCluster, "connections_total"),
		"Total connections by state (active, idle, waiting)",
		prometheus.Labels{"state": state},
		entityValue(lookup, func(s connectionStats) float64 { return s.Count }))
	if err != nil {
		return nil, err
	}
	return []metrics.MeterID{id}, nil
}
