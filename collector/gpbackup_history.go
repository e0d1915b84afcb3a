package collector

import (
	"context"
	"database/sql"
	"strconv"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"greengage-exporter/db"
	"greengage-exporter/metrics"
)

const (
	backupStatusSuccess = "success"
	backupStatusFailure = "failure"
)

// gpbackup writes timestamps as YYYYMMDDHHMMSS strings, so the query
// reassembles them into a form strftime can parse.
const gpbackupHistorySQL = `
WITH last_backups AS (SELECT database_name,
                             incremental,
                             status,
                             MAX(timestamp) AS start_ts,
                             MAX(end_time)  AS end_ts
                      FROM backups
                      GROUP BY database_name, incremental, status),
     counters AS (SELECT database_name,
                         incremental,
                         status,
                         count(*) AS count
                  FROM backups
                  GROUP BY database_name, incremental, status)
SELECT lb.database_name,
       lb.incremental,
       lower(lb.status)                AS status,
       c.count,
       strftime(
               '%s',
               substr(end_ts, 1, 4) || '-' ||
               substr(end_ts, 5, 2) || '-' ||
               substr(end_ts, 7, 2) || ' ' ||
               substr(end_ts, 9, 2) || ':' ||
               substr(end_ts, 11, 2) || ':' ||
               substr(end_ts, 13, 2)
       )
           -
       strftime(
               '%s',
               substr(start_ts, 1, 4) || '-' ||
               substr(start_ts, 5, 2) || '-' ||
               substr(start_ts, 7, 2) || ' ' ||
               substr(start_ts, 9, 2) || ':' ||
               substr(start_ts, 11, 2) || ':' ||
               substr(start_ts, 13, 2)
       )                               AS duration_seconds,
       (strftime(
                '%s', datetime()) - strftime(
                '%s',
                substr(end_ts, 1, 4) || '-' ||
                substr(end_ts, 5, 2) || '-' ||
                substr(end_ts, 7, 2) || ' ' ||
                substr(end_ts, 9, 2) || ':' ||
                substr(end_ts, 11, 2) || ':' ||
                substr(end_ts, 13, 2)
                                    )) AS seconds_since_completion
FROM last_backups lb
         JOIN counters c
              ON lb.database_name = c.database_name AND lb.incremental = c.incremental AND lb.status = c.status`

type backupKey struct {
	Database    string
	Incremental int
	Status      string
}

type backupStats struct {
	Count                  float64
	DurationSeconds        float64
	SecondsSinceCompletion float64
}

func (k backupKey) backupType() string {
	if k.Incremental == 0 {
		return "full"
	}
	return "incremental"
}

func (k backupKey) backupStatus() string {
	if k.Status == backupStatusSuccess || k.Status == backupStatusFailure {
		return k.Status
	}
	return "in_progress"
}

// gpbackupHistoryCollector reads the gpbackup history SQLite database
// maintained on the coordinator host. The cluster connection handed to
// Collect is unused; history lives in a local file.
type gpbackupHistoryCollector struct {
	entityCollector[backupKey, backupStats]
	history *sql.DB
}

func NewGpBackupHistoryCollector(registry *metrics.Registry, historyPath string) (Collector, error) {
	history, err := sql.Open("sqlite3", "file:"+historyPath+"?mode=ro")
	if err != nil {
		return nil, err
	}
	c := &gpbackupHistoryCollector{
		entityCollector: newEntityBase[backupKey, backupStats]("gpbackup_history", GroupGeneral, registry),
		history:         history,
	}
	c.removeDeleted = true
	c.collectFn = c.collectBackupHistory
	c.registerFn = c.registerBackupMetrics
	return c, nil
}

func (c *gpbackupHistoryCollector) collectBackupHistory(ctx context.Context, _ *sql.DB, _ *db.Version) (map[backupKey]backupStats, error) {
	log.Debug("collecting gpbackup history")

	rows, err := c.history.QueryContext(ctx, gpbackupHistorySQL)
	if err != nil {
		log.WithError(err).Error("error collecting gpbackup history stats")
		return nil, err
	}
	defer rows.Close()

	entities := make(map[backupKey]backupStats)
	for rows.Next() {
		var (
			key      backupKey
			count    float64
			duration sql.NullFloat64
			since    sql.NullFloat64
		)
		if err := rows.Scan(&key.Database, &key.Incremental, &key.Status,
			&count, &duration, &since); err != nil {
			return nil, err
		}
		entities[key] = backupStats{
			Count:                  count,
			DurationSeconds:        duration.Float64,
			SecondsSinceCompletion: since.Float64,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entities, nil
}

func (c *gpbackupHistoryCollector) registerBackupMetrics(key backupKey, lookup func() (backupStats, bool)) ([]metrics.MeterID, error) {
	var ids []metrics.MeterID

	id, err := c.registry.Gauge(
		metrics.BuildName(metrics.SubsystemGpBackup, "backup_count"),
		"Total number of backups for the database and incremental/status. Status can be success/failure/in_progress. Backup type can be full/incremental",
		prometheus.Labels{
			"database": key.Database,
			"type":     key.backupType(),
			"status":   key.backupStatus(),
		},
		entityValue(lookup, func(s backupStats) float64 { return s.Count }))
	if err != nil {
		return nil, err
	}
	ids = append(ids, id)

	if key.Status == backupStatusSuccess || key.Status == backupStatusFailure {
		id, err := c.registry.Gauge(
			metrics.BuildName(metrics.SubsystemGpBackup, "last_backup_duration_seconds"),
			"Duration of the last backup in seconds. Status can be success/failure. Backup type can be full/incremental",
			prometheus.Labels{
				"database":    key.Database,
				"incremental": strconv.Itoa(key.Incremental),
				"status":      key.Status,
			},
			entityValue(lookup, func(s backupStats) float64 { return s.DurationSeconds }))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if key.Status == backupStatusSuccess {
		id, err := c.registry.Gauge(
			metrics.BuildName(metrics.SubsystemGpBackup, "seconds_since_last_backup_completion"),
			"Seconds since the last backup completion",
			prometheus.Labels{
				"database":    key.Database,
				"incremental": key.backupType(),
			},
			entityValue(lookup, func(s backupStats) float64 { return s.SecondsSinceCompletion }))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, nil
}

func (c *gpbackupHistoryCollector) Close() error {
	return c.history.Close()
}
