package collector

import (
	"context"
	"database/sql"
	"math"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"greengage-exporter/db"
	"greengage-exporter/metrics"
)

const replicationStatsV6 = `
WITH master AS (SELECT now()                                                                                   AS time,
                       -1                                                                                      AS content,
                       application_name,
                       state,
                       sync_state,
                       sent_location::text                                                                     AS sent_lsn,
                       write_location::text                                                                    AS write_lsn,
                       flush_location::text                                                                    AS flush_lsn,
                       replay_location::text                                                                   AS replay_lsn,
                       GREATEST(COALESCE(pg_xlog_location_diff(sent_location, write_location), 0),
                                0)::bigint                                                                     AS write_lag_bytes,
                       GREATEST(COALESCE(pg_xlog_location_diff(sent_location, flush_location), 0),
                                0)::bigint                                                                     AS flush_lag_bytes,
                       GREATEST(COALESCE(pg_xlog_location_diff(sent_location, replay_location), 0),
                                0)::bigint                                                                     AS replay_lag_bytes
                FROM pg_stat_replication
                WHERE state IN ('streaming', 'catchup')),
     segments AS (SELECT now()                                                                                   AS time,
                         gp_execution_segment()                                                                  AS content,
                         application_name,
                         state,
                         sync_state,
                         sent_location::text                                                                     AS sent_lsn,
                         write_location::text                                                                    AS write_lsn,
                         flush_location::text                                                                    AS flush_lsn,
                         replay_location::text                                                                   AS replay_lsn,
                         GREATEST(COALESCE(pg_xlog_location_diff(sent_location, write_location), 0),
                                  0)::bigint                                                                     AS write_lag_bytes,
                         GREATEST(COALESCE(pg_xlog_location_diff(sent_location, flush_location), 0),
                                  0)::bigint                                                                     AS flush_lag_bytes,
                         GREATEST(COALESCE(pg_xlog_location_diff(sent_location, replay_location), 0),
                                  0)::bigint                                                                     AS replay_lag_bytes
                  FROM gp_dist_random('pg_stat_replication')
                  WHERE state IN ('streaming', 'catchup'))
SELECT m.*, g.hostname
FROM master m
         JOIN gp_segment_configuration g
              ON g.content = m.content
                  AND g.role = 'p'
UNION ALL
SELECT s.*, g.hostname
FROM segments s
         JOIN gp_segment_configuration g
              ON g.content = s.content
                  AND g.role = 'p'
ORDER BY content, application_name`

const replicationStatsV7 = `
WITH master AS (SELECT now()                                                                   AS time,
                       -1                                                                      AS content,
                       application_name,
                       state,
                       sync_state,
                       sent_lsn::text                                                          AS sent_lsn,
                       write_lsn::text                                                         AS write_lsn,
                       flush_lsn::text                                                         AS flush_lsn,
                       replay_lsn::text                                                        AS replay_lsn,
                       GREATEST(COALESCE(pg_wal_lsn_diff(sent_lsn, write_lsn), 0), 0)::bigint  AS write_lag_bytes,
                       GREATEST(COALESCE(pg_wal_lsn_diff(sent_lsn, flush_lsn), 0), 0)::bigint  AS flush_lag_bytes,
                       GREATEST(COALESCE(pg_wal_lsn_diff(sent_lsn, replay_lsn), 0), 0)::bigint AS replay_lag_bytes
                FROM pg_stat_replication
                WHERE state IN ('streaming', 'catchup')),
     segments AS (SELECT now()                                                                   AS time,
                         gp_execution_segment()                                                  AS content,
                         application_name,
                         state,
                         sync_state,
                         sent_lsn::text                                                          AS sent_lsn,
                         write_lsn::text                                                         AS write_lsn,
                         flush_lsn::text                                                         AS flush_lsn,
                         replay_lsn::text                                                        AS replay_lsn,
                         GREATEST(COALESCE(pg_wal_lsn_diff(sent_lsn, write_lsn), 0), 0)::bigint  AS write_lag_bytes,
                         GREATEST(COALESCE(pg_wal_lsn_diff(sent_lsn, flush_lsn), 0), 0)::bigint  AS flush_lag_bytes,
                         GREATEST(COALESCE(pg_wal_lsn_diff(sent_lsn, replay_lsn), 0), 0)::bigint AS replay_lag_bytes
                  FROM gp_dist_random('pg_stat_replication')
                  WHERE state IN ('streaming', 'catchup'))
SELECT m.*, g.hostname
FROM master m
         JOIN gp_segment_configuration g
              ON g.content = m.content
                  AND g.role = 'p'
UNION ALL
SELECT s.*, g.hostname
FROM segments s
         JOIN gp_segment_configuration g
              ON g.content = s.content
                  AND g.role = 'p'
ORDER BY content, application_name`

// instanceKey identifies the primary instance a standby streams from.
type instanceKey struct {
	Content  int
	Hostname string
}

type replicationStats struct {
	ApplicationName string
	State           string
	SyncState       string
	WriteLagBytes   float64
	FlushLagBytes   float64
	ReplayLagBytes  float64
}

// replicationCollector tracks standby replication per primary. The
// state and sync_state are published as separate numeric series so a
// state change does not spawn a new labelled series.
type replicationCollector struct {
	entityCollector[instanceKey, replicationStats]
	maxLagBytes atomic.Uint64
}

func NewReplicationCollector(registry *metrics.Registry) (Collector, error) {
	c := &replicationCollector{
		entityCollector: newEntityBase[instanceKey, replicationStats]("replication_monitor", GroupGeneral, registry),
	}
	c.failOnError = false
	c.collectFn = c.collectReplication
	c.registerFn = c.registerReplicationMetrics

	if _, err := registry.Gauge(
		metrics.BuildName(metrics.SubsystemCluster, "replication_max_lag_bytes"),
		"Maximum replication lag in bytes across all segments",
		nil, func() float64 { return math.Float64frombits(c.maxLagBytes.Load()) }); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *replicationCollector) collectReplication(ctx context.Context, conn *sql.DB, ver *db.Version) (map[instanceKey]replicationStats, error) {
	log.Debug("collecting replication monitoring metrics")

	query := replicationStatsV6
	if ver.IsAtLeastV7() {
		query = replicationStatsV7
	}

	entities := make(map[instanceKey]replicationStats)
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		log.WithError(err).Debug("failed to collect replication statistics (might not be master or no standby)")
		return entities, nil
	}
	defer rows.Close()

	var currentMaxLag float64
	for rows.Next() {
		var (
			timestamp                              sql.NullTime
			content                                int
			appName, state, syncState              sql.NullString
			sentLSN, writeLSN, flushLSN, replayLSN sql.NullString
			writeLag, flushLag, replayLag          float64
			hostname                               string
		)
		if err := rows.Scan(&timestamp, &content, &appName, &state, &syncState,
			&sentLSN, &writeLSN, &flushLSN, &replayLSN,
			&writeLag, &flushLag, &replayLag, &hostname); err != nil {
			return nil, err
		}

		entities[instanceKey{Content: content, Hostname: hostname}] = replicationStats{
			ApplicationName: stringOrUnknown(appName.String),
			State:           state.String,
			SyncState:       syncState.String,
			WriteLagBytes:   writeLag,
			FlushLagBytes:   flushLag,
			ReplayLagBytes:  replayLag,
		}
		if replayLag > currentMaxLag {
			currentMaxLag = replayLag
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	c.maxLagBytes.Store(math.Float64bits(currentMaxLag))
	log.WithFields(log.Fields{
		"standbys":      len(entities),
		"max_lag_bytes": currentMaxLag,
	}).Debug("collected replication stats")
	return entities, nil
}

func (c *replicationCollector) registerReplicationMetrics(key instanceKey, lookup func() (replicationStats, bool)) ([]metrics.MeterID, error) {
	stats, ok := lookup()
	if !ok {
		return nil, nil
	}
	labels := prometheus.Labels{
		"application_name": stats.ApplicationName,
		"content":          strconv.Itoa(key.Content),
		"hostname":         key.Hostname,
	}

	series := []struct {
		name    string
		help    string
		extract func(replicationStats) float64
	}{
		{"replication_lag_bytes", "Replication lag in bytes (replay lag)",
			func(s replicationStats) float64 { return s.ReplayLagBytes }},
		{"replication_state", "Replication state: 1=streaming, 2=catchup, 3=backup, 0=unknown",
			func(s replicationStats) float64 { return replicationStateValue(s.State) }},
		{"replication_sync_state", "Replication sync state: 2=sync, 1=async, 0.5=potential, 0=unknown",
			func(s replicationStats) float64 { return replicationSyncStateValue(s.SyncState) }},
		{"replication_write_lag_bytes", "Replication write lag in bytes",
			func(s replicationStats) float64 { return s.WriteLagBytes }},
		{"replication_flush_lag_bytes", "Replication flush lag in bytes",
			func(s replicationStats) float64 { return s.FlushLagBytes }},
	}

	var ids []metrics.MeterID
	for _, sp := range series {
		id, err := c.registry.Gauge(
			metrics.BuildName(metrics.SubsystemCluster, sp.name), sp.help, labels,
			entityValue(lookup, sp.extract))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
