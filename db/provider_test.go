package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greengage-exporter/config"
)

func databaseListRows(names ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"datname"})
	for _, n := range names {
		rows.AddRow(n)
	}
	return rows
}

func newProvider(t *testing.T, perDB config.PerDBConfig) (*ConnectionProvider, *sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	base, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { base.Close() })

	factory := NewDatasourceFactory(config.DatasourceConfig{
		URL: "postgres://localhost:5432/postgres?sslmode=disable",
	})
	provider := NewConnectionProvider(perDB, factory)
	t.Cleanup(provider.Close)
	return provider, base, mock
}

func TestDatasourcesModeAll(t *testing.T) {
	provider, base, mock := newProvider(t, config.PerDBConfig{
		Mode:                   "all",
		ConnectionCacheEnabled: true,
	})

	mock.ExpectQuery("SELECT datname").WillReturnRows(databaseListRows("postgres", "sales"))

	named := provider.Datasources(context.Background(), base)
	require.Len(t, named, 2)
	assert.Equal(t, "postgres", named[0].Name)
	assert.Equal(t, "sales", named[1].Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDatasourcesModeInclude(t *testing.T) {
	provider, base, mock := newProvider(t, config.PerDBConfig{
		Mode:                   "include",
		DBList:                 "sales",
		ConnectionCacheEnabled: true,
	})

	mock.ExpectQuery("SELECT datname").WillReturnRows(databaseListRows("postgres", "sales", "hr"))

	named := provider.Datasources(context.Background(), base)
	require.Len(t, named, 1)
	assert.Equal(t, "sales", named[0].Name)
}

func TestDatasourcesModeExclude(t *testing.T) {
	provider, base, mock := newProvider(t, config.PerDBConfig{
		Mode:                   "exclude",
		DBList:                 "postgres",
		ConnectionCacheEnabled: true,
	})

	mock.ExpectQuery("SELECT datname").WillReturnRows(databaseListRows("postgres", "sales", "hr"))

	named := provider.Datasources(context.Background(), base)
	require.Len(t, named, 2)
	assert.Equal(t, "hr", named[0].Name)
	assert.Equal(t, "sales", named[1].Name)
}

func TestDatasourcesModeNone(t *testing.T) {
	provider, base, mock := newProvider(t, config.PerDBConfig{Mode: "none"})

	mock.ExpectQuery("SELECT datname").WillReturnRows(databaseListRows("postgres"))

	assert.Empty(t, provider.Datasources(context.Background(), base))
}

func TestDatasourcesEnumerationFailure(t *testing.T) {
	provider, base, mock := newProvider(t, config.PerDBConfig{Mode: "all"})

	mock.ExpectQuery("SELECT datname").WillReturnError(errors.New("permission denied"))

	assert.Empty(t, provider.Datasources(context.Background(), base))
}

func TestDatasourcesSkipsInvalidNames(t *testing.T) {
	provider, base, mock := newProvider(t, config.PerDBConfig{
		Mode:                   "all",
		ConnectionCacheEnabled: true,
	})

	mock.ExpectQuery("SELECT datname").WillReturnRows(databaseListRows("sales", "bad name"))

	named := provider.Datasources(context.Background(), base)
	require.Len(t, named, 1)
	assert.Equal(t, "sales", named[0].Name)
}

func TestCachedPoolsAreReused(t *testing.T) {
	provider, base, mock := newProvider(t, config.PerDBConfig{
		Mode:                   "all",
		ConnectionCacheEnabled: true,
	})

	mock.ExpectQuery("SELECT datname").WillReturnRows(databaseListRows("sales"))
	mock.ExpectQuery("SELECT datname").WillReturnRows(databaseListRows("sales"))

	first := provider.Datasources(context.Background(), base)
	provider.Cleanup()
	second := provider.Datasources(context.Background(), base)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Same(t, first[0].DB, second[0].DB)
}

func TestCleanupClosesTemporaryPools(t *testing.T) {
	provider, base, mock := newProvider(t, config.PerDBConfig{
		Mode:                   "all",
		ConnectionCacheEnabled: false,
	})

	mock.ExpectQuery("SELECT datname").WillReturnRows(databaseListRows("sales"))

	named := provider.Datasources(context.Background(), base)
	require.Len(t, named, 1)

	provider.Cleanup()
	assert.Error(t, named[0].DB.Ping())

	// Cleanup is idempotent.
	provider.Cleanup()
}
