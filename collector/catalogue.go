package collector

import (
	log "github.com/sirupsen/logrus"

	"greengage-exporter/config"
	"greengage-exporter/metrics"
)

// BuildCollectors constructs every enabled collector and registers its
// metrics with the registry.
func BuildCollectors(cfg *config.Config, registry *metrics.Registry) ([]Collector, error) {
	type entry struct {
		enabled bool
		build   func() (Collector, error)
	}
	entries := []entry{
		{cfg.Collectors.ClusterStateEnabled, func() (Collector, error) { return NewClusterStateCollector(registry) }},
		{cfg.Collectors.SegmentEnabled, func() (Collector, error) { return NewSegmentCollector(registry) }},
		{cfg.Collectors.ConnectionsEnabled, func() (Collector, error) { return NewConnectionsCollector(registry) }},
		{cfg.Collectors.LocksEnabled, func() (Collector, error) { return NewLockedSessionsCollector(registry) }},
		{cfg.Collectors.ExtendedLocksEnabled, func() (Collector, error) { return NewExtendedLocksCollector(registry) }},
		{cfg.Collectors.DatabaseSizeEnabled, func() (Collector, error) { return NewDatabaseSizeCollector(registry) }},
		{cfg.Collectors.ReplicationMonitorEnabled, func() (Collector, error) { return NewReplicationCollector(registry) }},
		{cfg.Collectors.TableHealthEnabled, func() (Collector, error) { return NewTableHealthCollector(registry) }},
		{cfg.Collectors.SpillPerHostEnabled, func() (Collector, error) { return NewSpillCollector(registry) }},
		{cfg.Collectors.DiskPerHostEnabled, func() (Collector, error) { return NewDiskCollector(registry) }},
		{cfg.Collectors.RsgPerHostEnabled, func() (Collector, error) { return NewRsgCollector(registry) }},
		{cfg.Collectors.ActiveQueryDurationEnabled, func() (Collector, error) { return NewActiveQueryCollector(registry) }},
		{cfg.Collectors.TableVacuumStatisticsEnabled, func() (Collector, error) {
			return NewTableVacuumCollector(registry, cfg.Collectors.TableVacuumStatisticsTupleThreshold)
		}},
		{cfg.Collectors.DbVacuumStatisticsEnabled, func() (Collector, error) {
			return NewDbVacuumCollector(registry, cfg.Collectors.TableVacuumStatisticsTupleThreshold)
		}},
		{cfg.Collectors.VacuumRunningEnabled, func() (Collector, error) { return NewVacuumRunningCollector(registry) }},
		{cfg.Collectors.GpBackupHistoryEnabled, func() (Collector, error) {
			return NewGpBackupHistoryCollector(registry, cfg.GpBackupHistory.Path)
		}},
	}

	var collectors []Collector
	for _, e := range entries {
		if !e.enabled {
			continue
		}
		c, err := e.build()
		if err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{
			"collector": c.Name(),
			"group":     c.Group().String(),
		}).Debug("registered collector")
		collectors = append(collectors, c)
	}
	return collectors, nil
}
