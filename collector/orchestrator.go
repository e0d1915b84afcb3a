package collector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"greengage-exporter/config"
	"greengage-exporter/db"
)

// errCircuitTripped stops the remaining collectors of a scrape once
// the failure threshold is reached.
var errCircuitTripped = errors.New("too many collector failures, possible database issue")

// DatabaseService is the coordinator-side surface the orchestrator
// needs from db.Service.
type DatabaseService interface {
	TestConnection(ctx context.Context) bool
	DetectVersion(ctx context.Context) (*db.Version, error)
	DB() *sql.DB
}

// DatasourceProvider hands out per-database pools for PER_DB
// collectors and reclaims throwaway ones afterwards.
type DatasourceProvider interface {
	Datasources(ctx context.Context, base *sql.DB) []db.NamedDB
	Cleanup()
}

// Orchestrator drives one scrape over all enabled collectors. Scrapes
// are serialized; a scrape arriving while another runs falls back to
// the cached result instead of blocking.
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	service  DatabaseService
	provider DatasourceProvider
	metrics  *ExporterMetrics

	general []Collector
	perDB   []Collector

	scrapeMu    sync.Mutex
	lastSuccess atomic.Pointer[ScrapeResult]

	// sleep is the verify-phase backoff, replaceable in tests.
	sleep func(time.Duration)
}

// NewOrchestrator groups the collectors. With per-DB mode NONE the
// PER_DB collectors run on the coordinator connection instead.
func NewOrchestrator(cfg config.OrchestratorConfig, service DatabaseService, provider DatasourceProvider,
	em *ExporterMetrics, collectors []Collector, mode config.PerDBMode) *Orchestrator {

	o := &Orchestrator{
		cfg:      cfg,
		service:  service,
		provider: provider,
		metrics:  em,
		sleep:    func(d time.Duration) { time.Sleep(d) },
	}
	for _, c := range collectors {
		group := c.Group()
		if group == GroupPerDB && mode == config.PerDBModeNone {
			group = GroupGeneral
		}
		switch group {
		case GroupPerDB:
			o.perDB = append(o.perDB, c)
		default:
			o.general = append(o.general, c)
		}
		log.WithFields(log.Fields{"collector": c.Name(), "group": group}).Info("enabled collector")
	}
	log.WithFields(log.Fields{
		"general": len(o.general),
		"per_db":  len(o.perDB),
	}).Info("collector groups initialized")
	return o
}

// LastResult returns the most recent successful scrape, or nil.
func (o *Orchestrator) LastResult() *ScrapeResult {
	return o.lastSuccess.Load()
}

// Scrape performs a full collection pass. If a pass is already in
// flight the call returns immediately, relying on the cached result
// when it is fresh enough.
func (o *Orchestrator) Scrape(ctx context.Context) {
	if !o.scrapeMu.TryLock() {
		log.Debug("scrape already in progress")
		cached := o.lastSuccess.Load()
		if cached != nil && !cached.IsStale(o.cfg.ScrapeCacheMaxAge) {
			log.WithField("age", cached.Age()).Debug("using cached scrape")
			return
		}
		log.Warn("no valid cached scrape available, waiting for current scrape to complete")
		return
	}
	defer o.scrapeMu.Unlock()

	result := o.performScrape(ctx)
	if result.Successful {
		o.lastSuccess.Store(&result)
		log.Debug("scrape successful, cached for future use")
	}
}

func (o *Orchestrator) performScrape(ctx context.Context) ScrapeResult {
	start := time.Now()
	o.metrics.IncTotalScraped()
	log.Debug("starting scrape")
	defer func() {
		d := time.Since(start)
		o.metrics.ObserveScrapeDuration(d)
		log.WithField("duration", d).Debug("scrape completed")
	}()

	ver := o.verifyDatabaseAndVersion(ctx)
	if ver == nil {
		return failedResult(start, errors.New("database unavailable"))
	}

	if err := o.collectFromAll(ctx, ver); err != nil {
		log.WithError(err).Error("error during scrape")
		o.metrics.SetUp(false)
		o.metrics.IncTotalError()
		return failedResult(start, err)
	}
	return successfulResult(start)
}

// verifyDatabaseAndVersion checks connectivity with bounded retries and
// resolves the cluster version. Returns nil when the database stays
// unreachable; the scrape is then reported as down.
func (o *Orchestrator) verifyDatabaseAndVersion(ctx context.Context) *db.Version {
	maxAttempts := o.cfg.ConnectionRetryAttempts
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if !o.service.TestConnection(ctx) {
			if attempt < maxAttempts {
				delay := o.cfg.ConnectionRetryDelay * time.Duration(attempt)
				log.WithFields(log.Fields{
					"attempt": attempt,
					"max":     maxAttempts,
					"delay":   delay,
				}).Warn("database connection test failed, retrying")
				o.sleep(delay)
				continue
			}
			log.WithField("attempts", maxAttempts).Error("database connection test failed")
			o.metrics.SetUp(false)
			o.metrics.IncTotalError()
			return nil
		}

		ver, err := o.service.DetectVersion(ctx)
		if err != nil || ver == nil {
			log.WithError(err).Error("failed to detect database version")
			o.metrics.SetUp(false)
			o.metrics.IncTotalError()
			return nil
		}

		o.metrics.SetUp(true)
		if attempt > 1 {
			log.WithField("attempt", attempt).Info("database connection restored")
		}
		return ver
	}
	return nil
}

type executionContext struct {
	failureThreshold      int
	circuitBreakerEnabled bool
	failures              int
}

func (o *Orchestrator) collectFromAll(ctx context.Context, ver *db.Version) error {
	ec := &executionContext{
		failureThreshold:      o.cfg.CollectorFailureThreshold,
		circuitBreakerEnabled: o.cfg.CircuitBreakerEnabled,
	}

	conn := o.service.DB()
	for _, c := range o.general {
		if err := o.executeCollector(ctx, c, conn, ver, ec, ""); err != nil {
			return err
		}
	}

	if err := o.executePerDB(ctx, ver, ec); err != nil {
		return err
	}

	if ec.failures > 0 {
		log.WithField("failures", ec.failures).Warn("scrape completed with collector failures")
	}
	return nil
}

func (o *Orchestrator) executePerDB(ctx context.Context, ver *db.Version, ec *executionContext) error {
	if len(o.perDB) == 0 {
		return nil
	}

	datasources := o.provider.Datasources(ctx, o.service.DB())
	defer o.provider.Cleanup()

	for _, named := range datasources {
		for _, c := range o.perDB {
			suffix := fmt.Sprintf(" (per-database: %s)", named.Name)
			if err := o.executeCollector(ctx, c, named.DB, ver, ec, suffix); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Orchestrator) executeCollector(ctx context.Context, c Collector, conn *sql.DB,
	ver *db.Version, ec *executionContext, logSuffix string) error {

	start := time.Now()
	log.WithField("collector", c.Name()).Debugf("collecting metrics%s", logSuffix)
	err := c.Collect(ctx, conn, ver)
	log.WithFields(log.Fields{
		"collector": c.Name(),
		"duration":  time.Since(start),
	}).Debugf("collector completed%s", logSuffix)

	if err == nil {
		return nil
	}
	return o.handleCollectorFailure(c, ec, err, logSuffix)
}

func (o *Orchestrator) handleCollectorFailure(c Collector, ec *executionContext, err error, logSuffix string) error {
	ec.failures++
	log.WithError(err).WithFields(log.Fields{
		"collector": c.Name(),
		"failures":  ec.failures,
		"threshold": ec.failureThreshold,
	}).Errorf("error collecting metrics%s", logSuffix)
	o.metrics.IncTotalError()
	o.metrics.IncCollectorError(c.Name())

	if ec.circuitBreakerEnabled && ec.failures >= ec.failureThreshold {
		log.WithField("failures", ec.failures).Error("circuit breaker triggered, stopping remaining collectors")
		return fmt.Errorf("%w: %v", errCircuitTripped, err)
	}
	return nil
}
