// Package db owns the coordinator connection pool, the per-database
// datasource factory and the cluster version probe.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"greengage-exporter/config"
	"greengage-exporter/resilience"
)

const defaultAcquisitionTimeout = 5 * time.Second

// Service wraps the coordinator pool with connectivity checks and a
// cached version probe.
type Service struct {
	db  *sql.DB
	cfg config.DatasourceConfig

	versionMu     sync.Mutex
	cachedVersion atomic.Pointer[Version]

	// acquireTimeout bounds the connection test and the version probe,
	// from datasource.acquisition-timeout.
	acquireTimeout time.Duration

	retryAttempts int
	retryDelay    time.Duration
	breaker       *resilience.CircuitBreaker
}

// NewService opens the coordinator pool. The connection is not
// established eagerly; lib/pq dials on first use.
func NewService(cfg config.DatasourceConfig) (*Service, error) {
	dsn, err := BuildDSN(cfg.URL, cfg.Username, cfg.Password)
	if err != nil {
		return nil, err
	}
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open coordinator pool: %w", err)
	}
	pool.SetMaxOpenConns(cfg.Pool.Max)
	pool.SetMaxIdleConns(cfg.Pool.Min)
	pool.SetConnMaxLifetime(cfg.MaxLifetime)

	log.WithFields(log.Fields{
		"url":      config.MaskedURL(cfg.URL),
		"username": cfg.Username,
		"pool_max": cfg.Pool.Max,
	}).Info("coordinator datasource configured")

	acquireTimeout := cfg.AcquisitionTimeout
	if acquireTimeout <= 0 {
		acquireTimeout = defaultAcquisitionTimeout
	}

	return &Service{
		db:             pool,
		cfg:            cfg,
		acquireTimeout: acquireTimeout,
		retryAttempts:  3,
		retryDelay:     time.Second,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "version-detection",
			FailureThreshold: 10,
			RecoveryTimeout:  30 * time.Second,
			Timeout:          acquireTimeout,
		}),
	}, nil
}

// DB exposes the coordinator pool for collectors.
func (s *Service) DB() *sql.DB {
	return s.db
}

// Close releases the coordinator pool.
func (s *Service) Close() error {
	return s.db.Close()
}

// TestConnection runs a trivial query against the coordinator.
func (s *Service) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	defer cancel()

	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		log.WithError(err).Debug("connection test failed")
		return false
	}
	return one == 1
}

// DetectVersion returns the cached cluster version, probing the
// database on first call. The probe runs under retry and a dedicated
// circuit breaker so an outage cannot hold callers indefinitely.
func (s *Service) DetectVersion(ctx context.Context) (*Version, error) {
	if v := s.cachedVersion.Load(); v != nil {
		return v, nil
	}

	s.versionMu.Lock()
	defer s.versionMu.Unlock()
	if v := s.cachedVersion.Load(); v != nil {
		return v, nil
	}

	var detected *Version
	err := resilience.Retry(ctx, s.retryAttempts, s.retryDelay, nil, func(ctx context.Context) error {
		return s.breaker.Execute(ctx, func(ctx context.Context) error {
			v, err := s.probeVersion(ctx)
			if err != nil {
				log.WithError(err).Warn("version detection attempt failed")
				return err
			}
			detected = v
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.cachedVersion.Store(detected)
	return detected, nil
}

func (s *Service) probeVersion(ctx context.Context) (*Version, error) {
	var banner string
	if err := s.db.QueryRowContext(ctx, "SELECT version()").Scan(&banner); err != nil {
		return nil, fmt.Errorf("query version(): %w", err)
	}
	log.WithField("version", banner).Info("detected database version")
	v := ParseVersion(banner)
	if v == nil {
		return nil, errors.New("unable to parse database version from " + banner)
	}
	return v, nil
}
