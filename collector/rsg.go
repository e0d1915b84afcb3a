package collector

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"greengage-exporter/db"
	"greengage-exporter/metrics"
)

const rsgStatsV6 = `
SELECT
    r.rsgname,
    h.hostname,
    g.num_running,
    g.num_queueing,
    cfg.cpu_rate_limit::int         AS cpu_rate_limit,
    COALESCE(ROUND(h.cpu)::int, 0)  AS cpu_usage,
    cfg.memory_limit::int           AS memory_limit,
    COALESCE(h.memory_used::int, 0) AS memory_usage
FROM gp_toolkit.gp_resgroup_status g
         JOIN pg_resgroup r
              ON g.groupid = r.oid
         LEFT JOIN gp_toolkit.gp_resgroup_status_per_host h
                   ON h.groupid = g.groupid
         LEFT JOIN gp_toolkit.gp_resgroup_config cfg
                   ON cfg.groupid = g.groupid
where h.hostname in (select c.hostname
                     from gp_segment_configuration c
                     where c.role = 'p'
                       and c.content >= 0)
ORDER BY r.rsgname, h.hostname`

const rsgStatsV7 = `
SELECT r.rsgname,
       h.hostname,
       g.num_running,
       g.num_queueing,
       cfg.cpu_max_percent::int             AS cpu_rate_limit,
       COALESCE(ROUND(h.cpu_usage)::int, 0) AS cpu_usage,
       cfg.memory_limit::int                AS memory_limit,
       COALESCE(h.memory_usage::int, 0)     AS memory_usage
FROM gp_toolkit.gp_resgroup_status g
         JOIN pg_resgroup r ON g.groupid = r.oid
         LEFT JOIN gp_toolkit.gp_resgroup_status_per_host h on h.groupid = g.groupid
         LEFT JOIN gp_toolkit.gp_resgroup_config cfg ON cfg.groupid = g.groupid
where h.hostname in (select c.hostname
                     from gp_segment_configuration c
                     where c.role = 'p'
                       and c.content >= 0)
ORDER BY r.rsgname, h.hostname`

type rsgGroupType int

const (
	rsgGroupByHost rsgGroupType = iota
	rsgGroupByResourceGroup
)

// rsgKey addresses either a host+group pair or a whole resource group.
// Per-host series carry usage, per-group series carry limits and queue
// depths, and both come out of the same query.
type rsgKey struct {
	GroupBy rsgGroupType
	Name    string
}

type rsgStats struct {
	ResourceGroupName string
	Hostname          string
	NumRunning        float64
	NumQueueing       float64
	CPURateLimit      float64
	CPUUsage          float64
	MemoryLimit       float64
	MemoryUsage       float64
}

type rsgCollector struct {
	entityCollector[rsgKey, rsgStats]
	cpuSkew skewRef
	memSkew skewRef
}

func NewRsgCollector(registry *metrics.Registry) (Collector, error) {
	c := &rsgCollector{
		entityCollector: newEntityBase[rsgKey, rsgStats]("rsg_per_host", GroupGeneral, registry),
	}
	c.collectFn = c.collectRsgStats
	c.registerFn = c.registerRsgMetrics

	if err := registerSkewGauges(registry, "mem_usage", "Mem usage", &c.memSkew); err != nil {
		return nil, err
	}
	if err := registerSkewGauges(registry, "cpu_usage", "CPU usage percentage", &c.cpuSkew); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *rsgCollector) collectRsgStats(ctx context.Context, conn *sql.DB, ver *db.Version) (map[rsgKey]rsgStats, error) {
	log.Debug("collecting resource group metrics")

	query := rsgStatsV6
	if ver.IsAtLeastV7() {
		query = rsgStatsV7
	}

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entities := make(map[rsgKey]rsgStats)
	var cpu, mem []float64
	for rows.Next() {
		var (
			s        rsgStats
			hostname sql.NullString
		)
		if err := rows.Scan(&s.ResourceGroupName, &hostname,
			&s.NumRunning, &s.NumQueueing,
			&s.CPURateLimit, &s.CPUUsage,
			&s.MemoryLimit, &s.MemoryUsage); err != nil {
			return nil, err
		}
		s.Hostname = stringOrUnknown(hostname.String)

		entities[rsgKey{GroupBy: rsgGroupByHost, Name: s.Hostname + ":" + s.ResourceGroupName}] = s
		rgKey := rsgKey{GroupBy: rsgGroupByResourceGroup, Name: s.ResourceGroupName}
		if _, ok := entities[rgKey]; !ok {
			entities[rgKey] = s
		}
		cpu = append(cpu, s.CPUUsage)
		mem = append(mem, s.MemoryUsage)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	c.cpuSkew.set(skewOf(cpu))
	c.memSkew.set(skewOf(mem))
	return entities, nil
}

func limitLabel(limit float64) string {
	if limit > 0 {
		return strconv.FormatFloat(limit, 'f', -1, 64)
	}
	return "unlimited"
}

func (c *rsgCollector) registerRsgMetrics(key rsgKey, lookup func() (rsgStats, bool)) ([]metrics.MeterID, error) {
	stats, ok := lookup()
	if !ok {
		return nil, nil
	}

	type spec struct {
		name    string
		help    string
		labels  prometheus.Labels
		extract func(rsgStats) float64
	}
	var series []spec

	switch key.GroupBy {
	case rsgGroupByHost:
		series = []spec{
			{"mem_usage_mb", "Mem usage per host and resource group",
				prometheus.Labels{
					"resourceGroupName": stats.ResourceGroupName,
					"hostname":          stats.Hostname,
					"limit":             limitLabel(stats.MemoryLimit),
				},
				func(s rsgStats) float64 { return s.MemoryUsage }},
			{"cpu_usage_percentage", "CPU usage percentage per host and resource group",
				prometheus.Labels{
					"resourceGroupName": stats.ResourceGroupName,
					"hostname":          stats.Hostname,
					"limit":             limitLabel(stats.CPURateLimit),
				},
				func(s rsgStats) float64 { return s.CPUUsage }},
		}
	case rsgGroupByResourceGroup:
		groupLabels := prometheus.Labels{"resourceGroupName": stats.ResourceGroupName}
		series = []spec{
			{"num_running_sessions", "Number of running sessions per resource group",
				groupLabels, func(s rsgStats) float64 { return s.NumRunning }},
			{"num_queueing_sessions", "Number of queueing sessions per resource group",
				groupLabels, func(s rsgStats) float64 { return s.NumQueueing }},
			{"mem_limit_mb", "Mem limit per resource group",
				groupLabels, func(s rsgStats) float64 { return s.MemoryLimit }},
			{"cpu_rate_limit_percentage", "CPU rate limit percentage per resource group",
				groupLabels, func(s rsgStats) float64 { return s.CPURateLimit }},
		}
	}

	var ids []metrics.MeterID
	for _, sp := range series {
		id, err := c.registry.Gauge(
			metrics.BuildName(metrics.SubsystemHost, sp.name), sp.help, sp.labels,
			entityValue(lookup, sp.extract))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
