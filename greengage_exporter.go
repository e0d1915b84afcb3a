package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"

	"greengage-exporter/collector"
	"greengage-exporter/config"
	"greengage-exporter/db"
	"greengage-exporter/logutil"
	"greengage-exporter/metrics"
)

var (
	metricPath = kingpin.Flag(
		"web.telemetry-path",
		"Path under which to expose metrics.",
	).Default("/metrics").String()

	listenAddress = kingpin.Flag(
		"web.listen-address",
		"Address to listen on for web interface and telemetry. Overrides http.port from the config file.",
	).Default("").String()

	configFile = kingpin.Flag("config", "exporter config file").Default("greengage_exporter.yaml").String()
	loglevel   = kingpin.Flag("level", "exporter log level").Default("").String()
	logfile    = kingpin.Flag("log-file", "log file path, empty logs to stderr").Default("").String()
)

func main() {
	// Generate ON/OFF flags for all collectors. A flag given on the
	// command line wins over the config file.
	overrides := map[string]*bool{}
	defaults := config.Default().Collectors
	for _, cf := range collectorFlags(defaults) {
		cf := cf
		defaultOn := "false"
		if cf.enabled {
			defaultOn = "true"
		}
		fc := kingpin.Flag("collect."+cf.name, cf.help).Default(defaultOn)
		var v *bool
		fc.Action(func(*kingpin.ParseContext) error {
			overrides[cf.name] = v
			return nil
		})
		v = fc.Bool()
	}

	kingpin.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	for _, cf := range collectorFlags(cfg.Collectors) {
		if v, ok := overrides[cf.name]; ok {
			cf.apply(&cfg.Collectors, *v)
		}
	}
	if *loglevel != "" {
		cfg.Log.Level = *loglevel
	}
	if *logfile != "" {
		cfg.Log.File = *logfile
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	if cfg.Log.File != "" {
		logutil.InitLog(cfg.Log.File, cfg.Log.Level)
	} else {
		logutil.InitConsole(cfg.Log.Level)
	}
	log.WithFields(log.Fields{
		"config":   *configFile,
		"url":      config.MaskedURL(cfg.Datasource.URL),
		"interval": cfg.Scrape.Interval,
	}).Info("starting greengage exporter")

	service, err := db.NewService(cfg.Datasource)
	if err != nil {
		log.WithError(err).Error("error opening coordinator connection")
		os.Exit(1)
	}
	defer service.Close()

	// Unsupported clusters are rejected up front. A probe failure only
	// warns; version detection retries on the first scrape.
	startupCtx := context.Background()
	if ver, err := service.DetectVersion(startupCtx); err != nil {
		log.WithError(err).Warn("could not detect database version at startup")
	} else if !ver.IsSupported() {
		log.WithField("version", ver.FullVersion()).Error("unsupported database version")
		os.Exit(1)
	} else {
		log.WithField("version", ver.FullVersion()).Info("detected database version")
	}

	registry := metrics.NewRegistry()
	em, err := collector.NewExporterMetrics(registry)
	if err != nil {
		log.WithError(err).Error("error registering exporter metrics")
		os.Exit(1)
	}
	collectors, err := collector.BuildCollectors(cfg, registry)
	if err != nil {
		log.WithError(err).Error("error building collectors")
		os.Exit(1)
	}

	provider := db.NewConnectionProvider(cfg.PerDB, db.NewDatasourceFactory(cfg.Datasource))
	defer provider.Close()

	orch := collector.NewOrchestrator(cfg.Orchestrator, service, provider, em, collectors, cfg.Mode())
	scheduler := collector.NewScheduler(cfg.Scrape.Interval, orch.Scrape)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go scheduler.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle(*metricPath, promhttp.HandlerFor(
		prometheus.Gatherers{prometheus.DefaultGatherer, registry.Prometheus()},
		promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/health/live", livenessHandler(service))
	mux.HandleFunc("/health/ready", readinessHandler(orch, cfg.Orchestrator))
	mux.HandleFunc("/", landingHandler(*metricPath))

	addr := *listenAddress
	if addr == "" {
		addr = fmt.Sprintf(":%d", cfg.HTTP.Port)
	}
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		srv.Shutdown(context.Background())
	}()

	log.WithField("address", addr).Info("listening on address")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("error starting HTTP server")
		os.Exit(1)
	}
}

type collectorFlag struct {
	name    string
	help    string
	enabled bool
	apply   func(*config.CollectorsConfig, bool)
}

func collectorFlags(c config.CollectorsConfig) []collectorFlag {
	return []collectorFlag{
		{"cluster_state", "Collect cluster state and accessibility metrics.", c.ClusterStateEnabled,
			func(c *config.CollectorsConfig, v bool) { c.ClusterStateEnabled = v }},
		{"segment", "Collect per-segment status metrics.", c.SegmentEnabled,
			func(c *config.CollectorsConfig, v bool) { c.SegmentEnabled = v }},
		{"connections", "Collect connection counts by state.", c.ConnectionsEnabled,
			func(c *config.CollectorsConfig, v bool) { c.ConnectionsEnabled = v }},
		{"locks", "Collect locked session counts by lock type.", c.LocksEnabled,
			func(c *config.CollectorsConfig, v bool) { c.LocksEnabled = v }},
		{"extended_locks", "Collect lock wait queues and wait times.", c.ExtendedLocksEnabled,
			func(c *config.CollectorsConfig, v bool) { c.ExtendedLocksEnabled = v }},
		{"database_size", "Collect per-database size metrics.", c.DatabaseSizeEnabled,
			func(c *config.CollectorsConfig, v bool) { c.DatabaseSizeEnabled = v }},
		{"replication_monitor", "Collect standby replication lag metrics.", c.ReplicationMonitorEnabled,
			func(c *config.CollectorsConfig, v bool) { c.ReplicationMonitorEnabled = v }},
		{"table_health", "Collect table bloat and data skew metrics.", c.TableHealthEnabled,
			func(c *config.CollectorsConfig, v bool) { c.TableHealthEnabled = v }},
		{"spill_per_host", "Collect spill file usage per host.", c.SpillPerHostEnabled,
			func(c *config.CollectorsConfig, v bool) { c.SpillPerHostEnabled = v }},
		{"disk_per_host", "Collect disk usage per host.", c.DiskPerHostEnabled,
			func(c *config.CollectorsConfig, v bool) { c.DiskPerHostEnabled = v }},
		{"rsg_per_host", "Collect resource group usage per host.", c.RsgPerHostEnabled,
			func(c *config.CollectorsConfig, v bool) { c.RsgPerHostEnabled = v }},
		{"active_query_duration", "Collect active query duration buckets.", c.ActiveQueryDurationEnabled,
			func(c *config.CollectorsConfig, v bool) { c.ActiveQueryDurationEnabled = v }},
		{"table_vacuum_statistics", "Collect per-table vacuum statistics.", c.TableVacuumStatisticsEnabled,
			func(c *config.CollectorsConfig, v bool) { c.TableVacuumStatisticsEnabled = v }},
		{"db_vacuum_statistics", "Collect database-wide vacuum statistics.", c.DbVacuumStatisticsEnabled,
			func(c *config.CollectorsConfig, v bool) { c.DbVacuumStatisticsEnabled = v }},
		{"vacuum_running", "Collect currently running vacuum processes.", c.VacuumRunningEnabled,
			func(c *config.CollectorsConfig, v bool) { c.VacuumRunningEnabled = v }},
		{"gpbackup_history", "Collect gpbackup history from the sqlite database.", c.GpBackupHistoryEnabled,
			func(c *config.CollectorsConfig, v bool) { c.GpBackupHistoryEnabled = v }},
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func livenessHandler(service *db.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !service.TestConnection(r.Context()) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("database unreachable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}

func readinessHandler(orch *collector.Orchestrator, cfg config.OrchestratorConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		last := orch.LastResult()
		if last == nil || last.IsStale(cfg.ScrapeCacheMaxAge) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("no recent successful scrape"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}

func landingHandler(metricPath string) http.HandlerFunc {
	landingPage := []byte(`<html>
<head><title>Greengage Database exporter</title></head>
<body>
<h1>Greengage Database exporter</h1>
<p><a href='` + metricPath + `'>Metrics</a></p>
</body>
</html>
`)
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Write(landingPage)
	}
}
