package collector

import (
	"context"
	"database/sql"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"greengage-exporter/db"
	"greengage-exporter/metrics"
)

const segmentStatsSQL = `
select gsc.dbid,
       gsc.content,
       gsc.role,
       gsc.preferred_role,
       gsc.mode,
       gsc.status,
       gsc.port,
       gsc.hostname,
       gsc.address,
       gsc.datadir
from gp_segment_configuration gsc
ORDER BY gsc.content, gsc.role`

type segmentStats struct {
	DBID          string
	Content       string
	Role          string
	PreferredRole string
	Mode          string
	Status        string
	Port          string
	Hostname      string
	Address       string
	Datadir       string
}

// segmentCollector tracks status, role and mode per segment, keyed by
// hostname:dbid. Segments are stable entities, so gauges of removed
// segments stay registered with their last value.
type segmentCollector struct {
	entityCollector[string, segmentStats]
}

func NewSegmentCollector(registry *metrics.Registry) (Collector, error) {
	c := &segmentCollector{
		entityCollector: newEntityBase[string, segmentStats]("segment", GroupGeneral, registry),
	}
	c.collectFn = c.collectSegments
	c.registerFn = c.registerSegmentMetrics

	if _, err := registry.Gauge(
		metrics.BuildName(metrics.SubsystemCluster, "segments_total"),
		"Total number of segments in the cluster",
		nil, func() float64 { return float64(len(c.snapshot())) }); err != nil {
		return nil, err
	}
	if _, err := registry.Gauge(
		metrics.BuildName(metrics.SubsystemCluster, "segments_up"),
		"Number of segments in UP status",
		nil, c.countByStatus(segmentStatusUp)); err != nil {
		return nil, err
	}
	if _, err := registry.Gauge(
		metrics.BuildName(metrics.SubsystemCluster, "segments_down"),
		"Number of segments in DOWN status",
		nil, c.countByStatus(segmentStatusDown)); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *segmentCollector) countByStatus(status string) func() float64 {
	return func() float64 {
		var n float64
		for _, s := range c.snapshot() {
			if strings.EqualFold(s.Status, status) {
				n++
			}
		}
		return n
	}
}

func (c *segmentCollector) collectSegments(ctx context.Context, conn *sql.DB, _ *db.Version) (map[string]segmentStats, error) {
	log.Debug("collecting segment metrics")

	rows, err := conn.QueryContext(ctx, segmentStatsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	segments := make(map[string]segmentStats)
	for rows.Next() {
		var s segmentStats
		if err := rows.Scan(&s.DBID, &s.Content, &s.Role, &s.PreferredRole, &s.Mode,
			&s.Status, &s.Port, &s.Hostname, &s.Address, &s.Datadir); err != nil {
			return nil, err
		}
		segments[s.Hostname+":"+s.DBID] = s
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	log.WithField("count", len(segments)).Debug("collected segment metrics")
	return segments, nil
}

func (c *segmentCollector) registerSegmentMetrics(key string, lookup func() (segmentStats, bool)) ([]metrics.MeterID, error) {
	s, ok := lookup()
	if !ok {
		log.WithField("segment", key).Warn("segment lookup returned no value")
		return nil, nil
	}

	labels := prometheus.Labels{
		"dbid":           s.DBID,
		"content":        s.Content,
		"hostname":       s.Hostname,
		"preferred_role": s.PreferredRole,
		"role":           s.Role,
		"port":           s.Port,
	}

	var ids []metrics.MeterID
	id, err := c.registry.Gauge(
		metrics.BuildName(metrics.SubsystemCluster, "segment_status"),
		"UP(1) if the segment is running, DOWN(0) if the segment has failed or is unreachable",
		labels, entityValue(lookup, func(s segmentStats) float64 { return segmentStatusValue(s.Status) }))
	if err != nil {
		return nil, err
	}
	ids = append(ids, id)

	id, err = c.registry.Gauge(
		metrics.BuildName(metrics.SubsystemCluster, "segment_role"),
		"The segment's current role, either primary(1) or mirror(2)",
		labels, entityValue(lookup, func(s segmentStats) float64 { return segmentRoleValue(s.Role) }))
	if err != nil {
		return nil, err
	}
	ids = append(ids, id)

	id, err = c.registry.Gauge(
		metrics.BuildName(metrics.SubsystemCluster, "segment_mode"),
		"The replication status for the segment. 1=Synchronized, 2=Resyncing, 3=Change Tracking, 4=Not Syncing",
		labels, entityValue(lookup, func(s segmentStats) float64 { return segmentModeValue(s.Mode) }))
	if err != nil {
		return nil, err
	}
	ids = append(ids, id)

	return ids, nil
}
