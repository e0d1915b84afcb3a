package collector

import (
	"context"
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"greengage-exporter/db"
	"greengage-exporter/metrics"
)

const checkClusterStateSQL = "SELECT count(1) FROM gp_dist_random('gp_id')"

const clusterStateSQL = `
WITH master AS (
    SELECT hostname FROM gp_segment_configuration
    WHERE content = -1 AND role = 'p'
),
standby AS (
    SELECT hostname FROM gp_segment_configuration
    WHERE content = -1 AND role = 'm'
),
uptime AS (
    SELECT extract(epoch FROM now() - pg_postmaster_start_time()) AS uptime_seconds
),
sync AS (
    SELECT count(*) AS sync_replicas
    FROM pg_stat_replication
    WHERE state = 'streaming'
),
conf_load AS (
    SELECT pg_conf_load_time() AS conf_load_time
)
SELECT
    (SELECT hostname FROM master) AS master_host,
    (SELECT hostname FROM standby) AS standby_host,
    (SELECT uptime_seconds FROM uptime) AS uptime_seconds,
    (SELECT sync_replicas FROM sync) AS sync_replicas,
    (SELECT conf_load_time FROM conf_load) AS conf_load_time,
    (SELECT current_setting('max_connections')::int) AS max_connections`

type clusterState struct {
	Accessible     bool
	Version        string
	Master         string
	Standby        string
	Uptime         float64
	Sync           float64
	ConfigLoadTime float64
	MaxConnections float64
}

// clusterStateCollector tracks cluster-wide health: accessibility of
// the segments, uptime, sync replicas, config reload time and the
// connection limit.
type clusterStateCollector struct {
	aggregateCollector[clusterState]
}

// NewClusterStateCollector registers the cluster gauges and the state
// series whose version/master/standby labels are re-read every scrape.
func NewClusterStateCollector(registry *metrics.Registry) (Collector, error) {
	c := &clusterStateCollector{}
	c.name = "cluster_state"
	c.group = GroupGeneral
	c.failOnError = false
	c.collectFn = c.collectState

	series := &clusterStateSeries{
		c: c,
		desc: prometheus.NewDesc(
			metrics.BuildName(metrics.SubsystemCluster, "state"),
			"Whether the Greengage database cluster is accessible (can query segments)",
			[]string{"version", "master", "standby"}, nil),
	}
	if _, err := registry.RegisterCollector(
		metrics.BuildName(metrics.SubsystemCluster, "state"), series); err != nil {
		return nil, err
	}
	if _, err := registry.Gauge(
		metrics.BuildName(metrics.SubsystemCluster, "uptime_seconds"),
		"Duration that the Greengage database has been running since last restart",
		nil, gaugeValue(&c.aggregateCollector, func(s *clusterState) float64 { return s.Uptime })); err != nil {
		return nil, err
	}
	if _, err := registry.Gauge(
		metrics.BuildName(metrics.SubsystemCluster, "sync"),
		"Number of sync replicas streaming from master (0=no sync, 1=sync active)",
		nil, gaugeValue(&c.aggregateCollector, func(s *clusterState) float64 { return s.Sync })); err != nil {
		return nil, err
	}
	if _, err := registry.Gauge(
		metrics.BuildName(metrics.SubsystemCluster, "config_last_load_time_seconds"),
		"Unix timestamp of the last configuration reload",
		nil, gaugeValue(&c.aggregateCollector, func(s *clusterState) float64 { return s.ConfigLoadTime })); err != nil {
		return nil, err
	}
	if _, err := registry.Gauge(
		metrics.BuildName(metrics.SubsystemCluster, "max_connections"),
		"Maximum number of allowed connections to the Greengage database",
		nil, gaugeValue(&c.aggregateCollector, func(s *clusterState) float64 { return s.MaxConnections })); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *clusterStateCollector) collectState(ctx context.Context, conn *sql.DB, ver *db.Version) (*clusterState, error) {
	log.Debug("collecting cluster state metrics")

	state := &clusterState{
		Version: ver.FullVersion(),
		Master:  "unknown",
	}

	var segments int
	if err := conn.QueryRowContext(ctx, checkClusterStateSQL).Scan(&segments); err != nil {
		log.WithError(err).Debug("cluster not accessible (might be single-node)")
	} else if segments > 0 {
		state.Accessible = true
	}

	var (
		master, standby sql.NullString
		uptime, replies sql.NullFloat64
		confLoad        sql.NullTime
		maxConns        sql.NullInt64
	)
	err := conn.QueryRowContext(ctx, clusterStateSQL).
		Scan(&master, &standby, &uptime, &replies, &confLoad, &maxConns)
	if err != nil {
		log.WithError(err).Debug("failed to get detailed cluster info")
		return state, nil
	}

	if master.Valid {
		state.Master = master.String
	}
	state.Standby = standby.String
	state.Uptime = uptime.Float64
	state.Sync = replies.Float64
	state.MaxConnections = float64(maxConns.Int64)
	if confLoad.Valid {
		state.ConfigLoadTime = float64(confLoad.Time.UnixMilli()) / 1000.0
	}
	return state, nil
}

// clusterStateSeries exposes greengage_cluster_state with label values
// taken from the latest snapshot.
type clusterStateSeries struct {
	c    *clusterStateCollector
	desc *prometheus.Desc
}

func (s *clusterStateSeries) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.desc
}

func (s *clusterStateSeries) Collect(ch chan<- prometheus.Metric) {
	state := s.c.snapshot()
	version, master, standby := "unknown", "unknown", ""
	var value float64
	if state != nil {
		version, master, standby = state.Version, state.Master, state.Standby
		if state.Accessible {
			value = 1
		}
	}
	ch <- prometheus.MustNewConstMetric(s.desc, prometheus.GaugeValue, value, version, master, standby)
}
