// Package collector contains the metric collectors and the scrape
// orchestration around them.
package collector

import (
	"context"
	"database/sql"

	"greengage-exporter/db"
)

// Group decides which connection a collector runs on.
type Group int

const (
	// GroupGeneral collectors run once per scrape on the coordinator
	// connection.
	GroupGeneral Group = iota
	// GroupPerDB collectors run once per monitored database on a
	// per-database connection.
	GroupPerDB
)

func (g Group) String() string {
	switch g {
	case GroupGeneral:
		return "general"
	case GroupPerDB:
		return "per_db"
	default:
		return "unknown"
	}
}

// Collector scrapes one family of metrics from the cluster.
// Implementations embed aggregateCollector or entityCollector and must
// be safe for concurrent use.
type Collector interface {
	Name() string
	Group() Group
	Collect(ctx context.Context, conn *sql.DB, ver *db.Version) error
}
