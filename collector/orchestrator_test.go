package collector

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greengage-exporter/config"
	"greengage-exporter/db"
	"greengage-exporter/metrics"
)

type fakeService struct {
	connected    bool
	failuresLeft int
	version      *db.Version
	versionErr   error
	testCalls    int
}

func (f *fakeService) TestConnection(context.Context) bool {
	f.testCalls++
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return false
	}
	return f.connected
}

func (f *fakeService) DetectVersion(context.Context) (*db.Version, error) {
	return f.version, f.versionErr
}

func (f *fakeService) DB() *sql.DB { return nil }

type fakeProvider struct {
	datasources []db.NamedDB
	cleanups    int
}

func (f *fakeProvider) Datasources(context.Context, *sql.DB) []db.NamedDB { return f.datasources }
func (f *fakeProvider) Cleanup()                                          { f.cleanups++ }

type fakeCollector struct {
	name  string
	group Group
	err   error
	calls int
}

func (f *fakeCollector) Name() string { return f.name }
func (f *fakeCollector) Group() Group { return f.group }
func (f *fakeCollector) Collect(context.Context, *sql.DB, *db.Version) error {
	f.calls++
	return f.err
}

func testOrchestratorConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		ScrapeCacheMaxAge:         30 * time.Second,
		ConnectionRetryAttempts:   3,
		ConnectionRetryDelay:      time.Second,
		CollectorFailureThreshold: 2,
		CircuitBreakerEnabled:     true,
	}
}

func newTestOrchestrator(t *testing.T, service *fakeService, provider *fakeProvider,
	collectors []Collector, mode config.PerDBMode) *Orchestrator {

	t.Helper()
	registry := metrics.NewRegistry()
	em, err := NewExporterMetrics(registry)
	require.NoError(t, err)

	o := NewOrchestrator(testOrchestratorConfig(), service, provider, em, collectors, mode)
	o.sleep = func(time.Duration) {}
	return o
}

func TestScrapeRunsAllCollectors(t *testing.T) {
	service := &fakeService{connected: true, version: &db.Version{Major: 6, Minor: 26, Patch: 35}}
	c1 := &fakeCollector{name: "one", group: GroupGeneral}
	c2 := &fakeCollector{name: "two", group: GroupGeneral}

	o := newTestOrchestrator(t, service, &fakeProvider{}, []Collector{c1, c2}, config.PerDBModeAll)
	o.Scrape(context.Background())

	assert.Equal(t, 1, c1.calls)
	assert.Equal(t, 1, c2.calls)
	last := o.LastResult()
	require.NotNil(t, last)
	assert.True(t, last.Successful)
}

func TestScrapeRetriesConnectionWithBackoff(t *testing.T) {
	service := &fakeService{
		connected:    true,
		failuresLeft: 2,
		version:      &db.Version{Major: 6, Minor: 26, Patch: 35},
	}
	c := &fakeCollector{name: "one", group: GroupGeneral}

	registry := metrics.NewRegistry()
	em, err := NewExporterMetrics(registry)
	require.NoError(t, err)
	o := NewOrchestrator(testOrchestratorConfig(), service, &fakeProvider{}, em, []Collector{c}, config.PerDBModeAll)

	var slept []time.Duration
	o.sleep = func(d time.Duration) { slept = append(slept, d) }
	o.Scrape(context.Background())

	assert.Equal(t, 3, service.testCalls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept)
	assert.Equal(t, 1, c.calls)
	assert.Equal(t, 1.0, gatherValue(t, registry, "up", nil))
}

func TestScrapeFailsWhenDatabaseStaysDown(t *testing.T) {
	service := &fakeService{connected: false}
	c := &fakeCollector{name: "one", group: GroupGeneral}

	registry := metrics.NewRegistry()
	em, err := NewExporterMetrics(registry)
	require.NoError(t, err)
	o := NewOrchestrator(testOrchestratorConfig(), service, &fakeProvider{}, em, []Collector{c}, config.PerDBModeAll)
	o.sleep = func(time.Duration) {}

	o.Scrape(context.Background())

	assert.Zero(t, c.calls)
	assert.Nil(t, o.LastResult())
	assert.Equal(t, 0.0, gatherValue(t, registry, "up", nil))
	assert.Equal(t, 1.0, gatherValue(t, registry, "greengage_exporter_total_scraped", nil))
}

func TestScrapeFailsOnVersionDetectionError(t *testing.T) {
	service := &fakeService{connected: true, versionErr: errors.New("probe failed")}
	c := &fakeCollector{name: "one", group: GroupGeneral}

	o := newTestOrchestrator(t, service, &fakeProvider{}, []Collector{c}, config.PerDBModeAll)
	o.Scrape(context.Background())

	assert.Zero(t, c.calls)
	assert.Nil(t, o.LastResult())
}

func TestCollectorFailuresTripCircuitBreaker(t *testing.T) {
	service := &fakeService{connected: true, version: &db.Version{Major: 6}}
	boom := errors.New("boom")
	c1 := &fakeCollector{name: "one", group: GroupGeneral, err: boom}
	c2 := &fakeCollector{name: "two", group: GroupGeneral, err: boom}
	c3 := &fakeCollector{name: "three", group: GroupGeneral}

	// Threshold is 2, so the third collector never runs.
	o := newTestOrchestrator(t, service, &fakeProvider{}, []Collector{c1, c2, c3}, config.PerDBModeAll)
	o.Scrape(context.Background())

	assert.Equal(t, 1, c1.calls)
	assert.Equal(t, 1, c2.calls)
	assert.Zero(t, c3.calls)
	assert.Nil(t, o.LastResult())
}

func TestCollectorFailuresBelowThresholdSucceed(t *testing.T) {
	service := &fakeService{connected: true, version: &db.Version{Major: 6}}
	c1 := &fakeCollector{name: "one", group: GroupGeneral, err: errors.New("boom")}
	c2 := &fakeCollector{name: "two", group: GroupGeneral}

	o := newTestOrchestrator(t, service, &fakeProvider{}, []Collector{c1, c2}, config.PerDBModeAll)
	o.Scrape(context.Background())

	assert.Equal(t, 1, c2.calls)
	last := o.LastResult()
	require.NotNil(t, last)
	assert.True(t, last.Successful)
}

type blockingCollector struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingCollector) Name() string { return "blocking" }
func (b *blockingCollector) Group() Group { return GroupGeneral }
func (b *blockingCollector) Collect(context.Context, *sql.DB, *db.Version) error {
	close(b.entered)
	<-b.release
	return nil
}

func TestConcurrentScrapesCoalesce(t *testing.T) {
	service := &fakeService{connected: true, version: &db.Version{Major: 6}}
	bc := &blockingCollector{entered: make(chan struct{}), release: make(chan struct{})}

	registry := metrics.NewRegistry()
	em, err := NewExporterMetrics(registry)
	require.NoError(t, err)
	o := NewOrchestrator(testOrchestratorConfig(), service, &fakeProvider{}, em, []Collector{bc}, config.PerDBModeAll)
	o.sleep = func(time.Duration) {}

	done := make(chan struct{})
	go func() {
		o.Scrape(context.Background())
		close(done)
	}()
	<-bc.entered

	// A second caller returns promptly instead of queueing a second pass.
	o.Scrape(context.Background())

	close(bc.release)
	<-done

	assert.Equal(t, 1.0, gatherValue(t, registry, "greengage_exporter_total_scraped", nil))
	last := o.LastResult()
	require.NotNil(t, last)
	assert.True(t, last.Successful)
}

func TestBreakerDisabledRunsAllCollectors(t *testing.T) {
	service := &fakeService{connected: true, version: &db.Version{Major: 6}}
	boom := errors.New("boom")
	c1 := &fakeCollector{name: "one", group: GroupGeneral, err: boom}
	c2 := &fakeCollector{name: "two", group: GroupGeneral, err: boom}
	c3 := &fakeCollector{name: "three", group: GroupGeneral, err: boom}
	c4 := &fakeCollector{name: "four", group: GroupGeneral}

	cfg := testOrchestratorConfig()
	cfg.CircuitBreakerEnabled = false

	registry := metrics.NewRegistry()
	em, err := NewExporterMetrics(registry)
	require.NoError(t, err)
	o := NewOrchestrator(cfg, service, &fakeProvider{}, em, []Collector{c1, c2, c3, c4}, config.PerDBModeAll)
	o.sleep = func(time.Duration) {}

	o.Scrape(context.Background())

	// Failures past the threshold no longer stop the pass.
	assert.Equal(t, 1, c3.calls)
	assert.Equal(t, 1, c4.calls)
	last := o.LastResult()
	require.NotNil(t, last)
	assert.True(t, last.Successful)
}

func TestPerDBCollectorsRunPerDatabase(t *testing.T) {
	service := &fakeService{connected: true, version: &db.Version{Major: 6}}
	provider := &fakeProvider{datasources: []db.NamedDB{
		{Name: "postgres"},
		{Name: "sales"},
	}}
	general := &fakeCollector{name: "general", group: GroupGeneral}
	perDB := &fakeCollector{name: "per_db", group: GroupPerDB}

	o := newTestOrchestrator(t, service, provider, []Collector{general, perDB}, config.PerDBModeAll)
	o.Scrape(context.Background())

	assert.Equal(t, 1, general.calls)
	assert.Equal(t, 2, perDB.calls)
	assert.Equal(t, 1, provider.cleanups)
}

func TestPerDBCollectorsRunAsGeneralWhenModeNone(t *testing.T) {
	service := &fakeService{connected: true, version: &db.Version{Major: 6}}
	provider := &fakeProvider{}
	perDB := &fakeCollector{name: "per_db", group: GroupPerDB}

	o := newTestOrchestrator(t, service, provider, []Collector{perDB}, config.PerDBModeNone)
	o.Scrape(context.Background())

	// Runs once on the coordinator connection; the provider is never asked.
	assert.Equal(t, 1, perDB.calls)
	assert.Zero(t, provider.cleanups)
}
