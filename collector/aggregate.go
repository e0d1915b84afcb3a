package collector

import (
	"context"
	"database/sql"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"greengage-exporter/db"
)

// aggregateCollector is the base for collectors that publish a fixed
// set of gauges over a single state snapshot. Gauges are registered
// once at construction and read the snapshot through suppliers, so a
// failed collection leaves the previously published values in place.
type aggregateCollector[T any] struct {
	name        string
	group       Group
	failOnError bool

	collectFn func(ctx context.Context, conn *sql.DB, ver *db.Version) (*T, error)

	state atomic.Pointer[T]
}

func (c *aggregateCollector[T]) Name() string { return c.name }

func (c *aggregateCollector[T]) Group() Group { return c.group }

// Collect runs collectFn and atomically replaces the snapshot. A nil
// snapshot keeps the previous state; zeros are never published for a
// missed collection.
func (c *aggregateCollector[T]) Collect(ctx context.Context, conn *sql.DB, ver *db.Version) error {
	data, err := c.collectFn(ctx, conn, ver)
	if err != nil {
		log.WithError(err).WithField("collector", c.name).Error("error collecting data")
		if c.failOnError {
			return err
		}
		log.WithField("collector", c.name).Debug("collector failed but continuing due to error handling policy")
		return nil
	}
	if data == nil {
		log.WithField("collector", c.name).Warn("collector returned no data, state not updated")
		return nil
	}
	c.state.Store(data)
	return nil
}

// snapshot returns the current state, or nil before the first
// successful collection.
func (c *aggregateCollector[T]) snapshot() *T {
	return c.state.Load()
}

// gaugeValue reads a field from the snapshot, returning 0 when no
// snapshot exists yet.
func gaugeValue[T any](c *aggregateCollector[T], extract func(*T) float64) func() float64 {
	return func() float64 {
		s := c.snapshot()
		if s == nil {
			return 0
		}
		return extract(s)
	}
}
