package collector

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"greengage-exporter/db"
	"greengage-exporter/metrics"
)

// entityCollector is the base for collectors that track a dynamic set
// of entities (databases, segments, locks). Per-entity gauges are
// registered lazily the first time a key appears and read the current
// snapshot through a lookup closure. With removeDeleted set, gauges of
// disappeared keys are unregistered, which keeps cardinality bounded
// for high-churn entities.
type entityCollector[K comparable, V any] struct {
	name          string
	group         Group
	registry      *metrics.Registry
	failOnError   bool
	removeDeleted bool

	collectFn  func(ctx context.Context, conn *sql.DB, ver *db.Version) (map[K]V, error)
	registerFn func(key K, lookup func() (V, bool)) ([]metrics.MeterID, error)

	entities atomic.Pointer[map[K]V]

	mu             sync.Mutex
	registeredKeys map[K]struct{}
	meterIDsByKey  map[K][]metrics.MeterID
}

func (c *entityCollector[K, V]) Name() string { return c.name }

func (c *entityCollector[K, V]) Group() Group { return c.group }

// Collect refreshes the entity snapshot. The sequence is fixed:
// collect, validate, drop deleted keys, swap the snapshot, register
// gauges for keys seen for the first time.
func (c *entityCollector[K, V]) Collect(ctx context.Context, conn *sql.DB, ver *db.Version) error {
	newEntities, err := c.collectFn(ctx, conn, ver)
	if err != nil {
		log.WithError(err).WithField("collector", c.name).Error("error collecting entities")
		if c.failOnError {
			return err
		}
		log.WithField("collector", c.name).Debug("collector failed but continuing due to error handling policy")
		return nil
	}
	if newEntities == nil {
		return fmt.Errorf("collector %s returned nil entity map", c.name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.removeDeleted {
		c.removeDeletedLocked(newEntities)
	}

	c.entities.Store(&newEntities)

	for key := range newEntities {
		if _, seen := c.registeredKeys[key]; seen {
			continue
		}
		key := key
		ids, err := c.registerFn(key, func() (V, bool) { return c.lookup(key) })
		if err != nil {
			return fmt.Errorf("collector %s: register metrics for %v: %w", c.name, key, err)
		}
		c.registeredKeys[key] = struct{}{}
		if c.removeDeleted && len(ids) > 0 {
			c.meterIDsByKey[key] = ids
		}
		log.WithFields(log.Fields{"collector": c.name, "entity": key}).Debug("registered metrics for new entity")
	}
	return nil
}

func (c *entityCollector[K, V]) removeDeletedLocked(current map[K]V) {
	old := c.entities.Load()
	if old == nil {
		return
	}
	for key := range *old {
		if _, still := current[key]; still {
			continue
		}
		for _, id := range c.meterIDsByKey[key] {
			if !c.registry.Remove(id) {
				log.WithFields(log.Fields{"collector": c.name, "meter": id}).Warn("failed to remove meter for deleted entity")
			}
		}
		delete(c.meterIDsByKey, key)
		delete(c.registeredKeys, key)
	}
}

// lookup returns the current value for key, if the key is still part
// of the latest snapshot.
func (c *entityCollector[K, V]) lookup(key K) (V, bool) {
	snap := c.entities.Load()
	if snap == nil {
		var zero V
		return zero, false
	}
	v, ok := (*snap)[key]
	return v, ok
}

// snapshot returns the current entity map, never nil.
func (c *entityCollector[K, V]) snapshot() map[K]V {
	snap := c.entities.Load()
	if snap == nil {
		return nil
	}
	return *snap
}

// entityValue builds a gauge supplier over a single entity, yielding 0
// when the entity is gone.
func entityValue[V any](lookup func() (V, bool), extract func(V) float64) func() float64 {
	return func() float64 {
		v, ok := lookup()
		if !ok {
			return 0
		}
		return extract(v)
	}
}

func newEntityBase[K comparable, V any](name string, group Group, registry *metrics.Registry) entityCollector[K, V] {
	return entityCollector[K, V]{
		name:           name,
		group:          group,
		registry:       registry,
		failOnError:    true,
		registeredKeys: make(map[K]struct{}),
		meterIDsByKey:  make(map[K][]metrics.MeterID),
	}
}
