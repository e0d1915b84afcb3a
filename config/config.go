package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// PerDBMode controls which databases receive per-database collectors.
type PerDBMode string

const (
	PerDBModeAll     PerDBMode = "all"
	PerDBModeInclude PerDBMode = "include"
	PerDBModeExclude PerDBMode = "exclude"
	PerDBModeNone    PerDBMode = "none"
)

// ParsePerDBMode normalizes a configured mode string. The historical
// spelling "from_db" is accepted as a synonym for "all".
func ParsePerDBMode(s string) (PerDBMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all", "from_db":
		return PerDBModeAll, nil
	case "include":
		return PerDBModeInclude, nil
	case "exclude":
		return PerDBModeExclude, nil
	case "none":
		return PerDBModeNone, nil
	default:
		return "", fmt.Errorf("unknown per_db.mode %q (expected all, include, exclude or none)", s)
	}
}

type ScrapeConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type OrchestratorConfig struct {
	ScrapeCacheMaxAge         time.Duration `yaml:"scrape-cache-max-age"`
	ConnectionRetryAttempts   int           `yaml:"connection-retry-attempts"`
	ConnectionRetryDelay      time.Duration `yaml:"connection-retry-delay"`
	CollectorFailureThreshold int           `yaml:"collector-failure-threshold"`
	CircuitBreakerEnabled     bool          `yaml:"circuit-breaker-enabled"`
}

type PoolConfig struct {
	Max  int `yaml:"max"`
	Min  int `yaml:"min"`
	Init int `yaml:"init"`
}

type DatasourceConfig struct {
	URL                string        `yaml:"url"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	Pool               PoolConfig    `yaml:"pool"`
	AcquisitionTimeout time.Duration `yaml:"acquisition-timeout"`
	MaxLifetime        time.Duration `yaml:"max-lifetime"`
}

type PerDBConfig struct {
	Mode                   string `yaml:"mode"`
	DBList                 string `yaml:"db-list"`
	ConnectionCacheEnabled bool   `yaml:"connection-cache-enabled"`
}

// Databases returns the configured db-list as a set of names.
func (c PerDBConfig) Databases() map[string]struct{} {
	out := make(map[string]struct{})
	for _, name := range strings.Split(c.DBList, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			out[name] = struct{}{}
		}
	}
	return out
}

type CollectorsConfig struct {
	ClusterStateEnabled          bool `yaml:"cluster-state-enabled"`
	SegmentEnabled               bool `yaml:"segment-enabled"`
	ConnectionsEnabled           bool `yaml:"connections-enabled"`
	LocksEnabled                 bool `yaml:"locks-enabled"`
	ExtendedLocksEnabled         bool `yaml:"extended-locks-enabled"`
	DatabaseSizeEnabled          bool `yaml:"database-size-enabled"`
	ReplicationMonitorEnabled    bool `yaml:"replication-monitor-enabled"`
	TableHealthEnabled           bool `yaml:"table-health-enabled"`
	SpillPerHostEnabled          bool `yaml:"spill-per-host-enabled"`
	DiskPerHostEnabled           bool `yaml:"disk-per-host-enabled"`
	RsgPerHostEnabled            bool `yaml:"rsg-per-host-enabled"`
	ActiveQueryDurationEnabled   bool `yaml:"active-query-duration-enabled"`
	TableVacuumStatisticsEnabled bool `yaml:"table-vacuum-statistics-enabled"`
	DbVacuumStatisticsEnabled    bool `yaml:"db-vacuum-statistics-enabled"`
	VacuumRunningEnabled         bool `yaml:"vacuum-running-enabled"`
	GpBackupHistoryEnabled       bool `yaml:"gp-backup-history-enabled"`

	TableVacuumStatisticsTupleThreshold int `yaml:"table-vacuum-statistics-tuple-threshold"`
}

type GpBackupHistoryConfig struct {
	// Path of the gpbackup_history sqlite database.
	Path string `yaml:"path"`
}

type HTTPConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Config is the full exporter configuration bag.
type Config struct {
	Scrape          ScrapeConfig          `yaml:"scrape"`
	Orchestrator    OrchestratorConfig    `yaml:"orchestrator"`
	Datasource      DatasourceConfig      `yaml:"datasource"`
	PerDB           PerDBConfig           `yaml:"per_db"`
	Collectors      CollectorsConfig      `yaml:"collectors"`
	GpBackupHistory GpBackupHistoryConfig `yaml:"gpbackup_history"`
	HTTP            HTTPConfig            `yaml:"http"`
	Log             LogConfig             `yaml:"log"`
}

// Default returns the configuration with every option at its documented default.
func Default() *Config {
	return &Config{
		Scrape: ScrapeConfig{Interval: 15 * time.Second},
		Orchestrator: OrchestratorConfig{
			ScrapeCacheMaxAge:         30 * time.Second,
			ConnectionRetryAttempts:   3,
			ConnectionRetryDelay:      time.Second,
			CollectorFailureThreshold: 3,
			CircuitBreakerEnabled:     true,
		},
		Datasource: DatasourceConfig{
			URL:                "postgres://localhost:5432/postgres?sslmode=disable",
			Username:           "gpadmin",
			Password:           "",
			Pool:               PoolConfig{Max: 5, Min: 1, Init: 1},
			AcquisitionTimeout: 5 * time.Second,
			MaxLifetime:        30 * time.Minute,
		},
		PerDB: PerDBConfig{
			Mode:                   string(PerDBModeAll),
			DBList:                 "postgres",
			ConnectionCacheEnabled: true,
		},
		Collectors: CollectorsConfig{
			ClusterStateEnabled:          true,
			SegmentEnabled:               true,
			ConnectionsEnabled:           true,
			LocksEnabled:                 true,
			ExtendedLocksEnabled:         true,
			DatabaseSizeEnabled:          true,
			ReplicationMonitorEnabled:    true,
			TableHealthEnabled:           true,
			SpillPerHostEnabled:          true,
			DiskPerHostEnabled:           true,
			RsgPerHostEnabled:            true,
			ActiveQueryDurationEnabled:   true,
			TableVacuumStatisticsEnabled: true,
			DbVacuumStatisticsEnabled:    true,
			VacuumRunningEnabled:         true,
			GpBackupHistoryEnabled:       false,

			TableVacuumStatisticsTupleThreshold: 1000,
		},
		HTTP: HTTPConfig{Port: 8080},
		Log:  LogConfig{Level: "info"},
	}
}

// Load reads the YAML config file at path over the defaults. A missing
// file is not an error; the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints and normalizes enum values.
func (c *Config) Validate() error {
	mode, err := ParsePerDBMode(c.PerDB.Mode)
	if err != nil {
		return err
	}
	c.PerDB.Mode = string(mode)

	if c.Scrape.Interval <= 0 {
		return fmt.Errorf("scrape.interval must be positive, got %s", c.Scrape.Interval)
	}
	if c.Orchestrator.ConnectionRetryAttempts < 1 {
		return fmt.Errorf("orchestrator.connection-retry-attempts must be >= 1, got %d",
			c.Orchestrator.ConnectionRetryAttempts)
	}
	if c.Orchestrator.CollectorFailureThreshold < 1 {
		return fmt.Errorf("orchestrator.collector-failure-threshold must be >= 1, got %d",
			c.Orchestrator.CollectorFailureThreshold)
	}
	if c.Datasource.Pool.Max < 1 {
		return fmt.Errorf("datasource.pool.max must be >= 1, got %d", c.Datasource.Pool.Max)
	}
	if c.Collectors.GpBackupHistoryEnabled && c.GpBackupHistory.Path == "" {
		return fmt.Errorf("gpbackup_history.path is required when the gp-backup-history collector is enabled")
	}
	return nil
}

// Mode returns the normalized per-DB mode. Validate must have run first.
func (c *Config) Mode() PerDBMode {
	mode, err := ParsePerDBMode(c.PerDB.Mode)
	if err != nil {
		return PerDBModeAll
	}
	return mode
}

// MaskedURL hides credentials in the datasource URL for logging.
func MaskedURL(url string) string {
	if url == "" {
		return "not configured"
	}
	masked := url
	if i := strings.Index(masked, "password="); i >= 0 {
		j := i + len("password=")
		k := strings.IndexAny(masked[j:], "& ")
		if k < 0 {
			masked = masked[:j] + "***"
		} else {
			masked = masked[:j] + "***" + masked[j+k:]
		}
	}
	if at := strings.Index(masked, "@"); at > 0 {
		if scheme := strings.Index(masked, "://"); scheme >= 0 && scheme+3 < at {
			userinfo := masked[scheme+3 : at]
			if colon := strings.Index(userinfo, ":"); colon >= 0 {
				masked = masked[:scheme+3] + userinfo[:colon] + ":***" + masked[at:]
			}
		}
	}
	return masked
}
