package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greengage-exporter/config"
	"greengage-exporter/resilience"
)

const testBanner = "PostgreSQL 9.4.26 (Greengage Database 6.26.35_arenadata53 build 2625) on x86_64-unknown-linux-gnu"

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	svc := &Service{
		db:             mockDB,
		acquireTimeout: time.Second,
		retryAttempts:  2,
		retryDelay:     time.Millisecond,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "version-detection-test",
			FailureThreshold: 10,
			RecoveryTimeout:  time.Second,
			Timeout:          time.Second,
		}),
	}
	return svc, mock
}

func TestNewServiceAppliesAcquisitionTimeout(t *testing.T) {
	cfg := config.DatasourceConfig{
		URL:                "postgres://localhost:5432/postgres?sslmode=disable",
		Pool:               config.PoolConfig{Max: 2, Min: 1},
		AcquisitionTimeout: 3 * time.Second,
		MaxLifetime:        time.Minute,
	}

	svc, err := NewService(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	assert.Equal(t, 3*time.Second, svc.acquireTimeout)

	cfg.AcquisitionTimeout = 0
	fallback, err := NewService(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { fallback.Close() })
	assert.Equal(t, defaultAcquisitionTimeout, fallback.acquireTimeout)
}

func TestTestConnection(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("SELECT 1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	assert.True(t, svc.TestConnection(context.Background()))

	mock.ExpectQuery("SELECT 1").
		WillReturnError(errors.New("connection refused"))
	assert.False(t, svc.TestConnection(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDetectVersionCachesResult(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("SELECT version()").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(testBanner))

	v, err := svc.DetectVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, v.Major)
	assert.Equal(t, 26, v.Minor)
	assert.Equal(t, 35, v.Patch)

	// Second call hits the cache; no second query expected.
	again, err := svc.DetectVersion(context.Background())
	require.NoError(t, err)
	assert.Same(t, v, again)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDetectVersionRetriesThenSucceeds(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectQuery("SELECT version()").
		WillReturnError(errors.New("network hiccup"))
	mock.ExpectQuery("SELECT version()").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(testBanner))

	v, err := svc.DetectVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "6.26.35", v.FullVersion())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDetectVersionFailsOnUnparseableBanner(t *testing.T) {
	svc, mock := newTestService(t)

	for i := 0; i < svc.retryAttempts; i++ {
		mock.ExpectQuery("SELECT version()").
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("PostgreSQL 15.2 on x86_64"))
	}

	_, err := svc.DetectVersion(context.Background())
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
