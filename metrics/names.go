// Package metrics wraps a prometheus registry with lazily registered
// supplier gauges that can also be removed, which the stock registry
// does not track by metric identity.
package metrics

const (
	Namespace = "greengage"

	SubsystemServer   = "server"
	SubsystemDatabase = "database"
	SubsystemExporter = "exporter"
	SubsystemCluster  = "cluster"
	SubsystemHost     = "host"
	SubsystemQuery    = "query"
	SubsystemGpBackup = "gpbackup"
)

// BuildName assembles namespace_subsystem_name. An empty subsystem
// yields namespace_name.
func BuildName(subsystem, name string) string {
	if subsystem == "" {
		return Namespace + "_" + name
	}
	return Namespace + "_" + subsystem + "_" + name
}
