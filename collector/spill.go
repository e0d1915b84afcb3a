package collector

import (
	"context"
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"greengage-exporter/db"
	"greengage-exporter/metrics"
)

const spillPerHostSQL = `
WITH per_segment AS (SELECT w.segid     AS content,
                            SUM(w.size) AS spill_bytes
                     FROM gp_toolkit.gp_workfile_usage_per_query w
                     GROUP BY w.segid),
     all_host AS (SELECT c.hostname,
                         sum(COALESCE(p.spill_bytes, 0)) AS spill_bytes
                  FROM gp_segment_configuration c
                           LEFT JOIN per_segment p
                                     ON p.content = c.content
                  WHERE c.role = 'p'
                    and c.content >= 0
                  group by c.hostname)
SELECT hostname,
       spill_bytes
FROM all_host
ORDER BY hostname`

type hostValue struct {
	Hostname string
	Value    float64
}

// spillCollector tracks workfile spill usage per host, with skew
// rollups to spot hosts taking disproportionate spill load.
type spillCollector struct {
	entityCollector[string, hostValue]
	skew skewRef
}

func NewSpillCollector(registry *metrics.Registry) (Collector, error) {
	c := &spillCollector{
		entityCollector: newEntityBase[string, hostValue]("spill_per_host", GroupGeneral, registry),
	}
	c.collectFn = c.collectSpill
	c.registerFn = c.registerSpillMetrics

	rollups := []struct {
		name string
		help string
		fn   func() float64
	}{
		{"max_spill_usage", "Maximum Spill files usage across all hosts", c.skew.max},
		{"avg_spill_usage", "Average Spill files usage across all hosts", c.skew.avg},
		{"spill_usage_skew_ratio", "Spill files usage skew ratio across all hosts", c.skew.ratio},
	}
	for _, r := range rollups {
		if _, err := registry.Gauge(metrics.BuildName(metrics.SubsystemHost, r.name), r.help, nil, r.fn); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *spillCollector) collectSpill(ctx context.Context, conn *sql.DB, _ *db.Version) (map[string]hostValue, error) {
	log.Debug("collecting spill usage per host")

	rows, err := conn.QueryContext(ctx, spillPerHostSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entities := make(map[string]hostValue)
	var values []float64
	for rows.Next() {
		var hv hostValue
		if err := rows.Scan(&hv.Hostname, &hv.Value); err != nil {
			return nil, err
		}
		entities[hv.Hostname] = hv
		values = append(values, hv.Value)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	c.skew.set(skewOf(values))
	return entities, nil
}

func (c *spillCollector) registerSpillMetrics(hostname string, lookup func() (hostValue, bool)) ([]metrics.MeterID, error) {
	id, err := c.registry.Gauge(
		metrics.BuildName(metrics.SubsystemHost, "spill_usage_bytes"),
		"Spill files usage per host",
		prometheus.Labels{"hostname": hostname},
		entityValue(lookup, func(v hostValue) float64 { return v.Value }))
	if err != nil {
		return nil, err
	}
	return []metrics.MeterID{id}, nil
}
