package collector

import (
	"context"
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"greengage-exporter/db"
	"greengage-exporter/metrics"
)

const diskUsageSQL = `
select distinct
      gdu.dfhostname,
      gdu.dftotal_kb,
      gdu.dfused_kb,
      gdu.dfavail_kb,
      gdu.dfpercent
  from ggexporter.gp_segment_disk_usage gdu
  ORDER BY gdu.dfhostname`

type diskStats struct {
	Hostname    string
	TotalKB     float64
	UsedKB      float64
	AvailableKB float64
	UsedPercent float64
}

// diskCollector tracks filesystem usage per host via the ggexporter
// helper view. Requires the view to be installed on the cluster, so a
// query failure is tolerated.
type diskCollector struct {
	entityCollector[string, diskStats]
	totalSkew   skewRef
	usedSkew    skewRef
	availSkew   skewRef
	percentSkew skewRef
}

func NewDiskCollector(registry *metrics.Registry) (Collector, error) {
	c := &diskCollector{
		entityCollector: newEntityBase[string, diskStats]("disk_per_host", GroupGeneral, registry),
	}
	c.failOnError = false
	c.collectFn = c.collectDiskUsage
	c.registerFn = c.registerDiskMetrics

	rollups := []struct {
		metric string
		unit   string
		ref    *skewRef
	}{
		{"disk_total_kb", "Disk total KB", &c.totalSkew},
		{"disk_used_kb", "Disk used KB", &c.usedSkew},
		{"disk_available_kb", "Disk available KB", &c.availSkew},
		{"disk_usage_percent", "Disk usage percent", &c.percentSkew},
	}
	for _, r := range rollups {
		if err := registerSkewGauges(registry, r.metric, r.unit, r.ref); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func registerSkewGauges(registry *metrics.Registry, metric, unit string, ref *skewRef) error {
	if _, err := registry.Gauge(metrics.BuildName(metrics.SubsystemHost, "max_"+metric),
		"Maximum "+unit+" across all hosts", nil, ref.max); err != nil {
		return err
	}
	if _, err := registry.Gauge(metrics.BuildName(metrics.SubsystemHost, "avg_"+metric),
		"Average "+unit+" across all hosts", nil, ref.avg); err != nil {
		return err
	}
	if _, err := registry.Gauge(metrics.BuildName(metrics.SubsystemHost, metric+"_skew_ratio"),
		unit+" skew ratio across all hosts", nil, ref.ratio); err != nil {
		return err
	}
	return nil
}

func (c *diskCollector) collectDiskUsage(ctx context.Context, conn *sql.DB, _ *db.Version) (map[string]diskStats, error) {
	log.Debug("collecting disk usage per host")

	rows, err := conn.QueryContext(ctx, diskUsageSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entities := make(map[string]diskStats)
	var total, used, avail, percent []float64
	for rows.Next() {
		var s diskStats
		if err := rows.Scan(&s.Hostname, &s.TotalKB, &s.UsedKB, &s.AvailableKB, &s.UsedPercent); err != nil {
			return nil, err
		}
		entities[s.Hostname] = s
		total = append(total, s.TotalKB)
		used = append(used, s.UsedKB)
		avail = append(avail, s.AvailableKB)
		percent = append(percent, s.UsedPercent)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	c.totalSkew.set(skewOf(total))
	c.usedSkew.set(skewOf(used))
	c.availSkew.set(skewOf(avail))
	c.percentSkew.set(skewOf(percent))
	return entities, nil
}

func (c *diskCollector) registerDiskMetrics(hostname string, lookup func() (diskStats, bool)) ([]metrics.MeterID, error) {
	labels := prometheus.Labels{"hostname": hostname}

	series := []struct {
		name    string
		help    string
		extract func(diskStats) float64
	}{
		{"disk_total_kb", "Disk total KB per host", func(s diskStats) float64 { return s.TotalKB }},
		{"disk_used_kb", "Disk used KB per host", func(s diskStats) float64 { return s.UsedKB }},
		{"disk_available_kb", "Disk available KB per host", func(s diskStats) float64 { return s.AvailableKB }},
		{"disk_usage_percent", "Disk usage percent per host", func(s diskStats) float64 { return s.UsedPercent }},
	}

	var ids []metrics.MeterID
	for _, sp := range series {
		id, err := c.registry.Gauge(
			metrics.BuildName(metrics.SubsystemHost, sp.name), sp.help, labels,
			entityValue(lookup, sp.extract))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
