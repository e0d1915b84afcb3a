package collector

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greengage-exporter/db"
	"greengage-exporter/metrics"
)

func TestConnectionsCollectorGroupsByState(t *testing.T) {
	registry := metrics.NewRegistry()
	c, err := NewConnectionsCollector(registry)
	require.NoError(t, err)

	conn, mock := newMockConn(t)
	mock.ExpectQuery(`FROM pg_stat_activity a`).WillReturnRows(
		sqlmock.NewRows([]string{"state", "count"}).
			AddRow("active", 3).
			AddRow("idle", 5).
			AddRow(nil, 2))

	ver := &db.Version{Major: 6, Minor: 26, Patch: 35}
	require.NoError(t, c.Collect(context.Background(), conn, ver))
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, 3.0, gatherValue(t, registry,
		"greengage_cluster_connections_total", map[string]string{"state": "active"}))
	assert.Equal(t, 5.0, gatherValue(t, registry,
		"greengage_cluster_connections_total", map[string]string{"state": "idle"}))
	assert.Equal(t, 2.0, gatherValue(t, registry,
		"greengage_cluster_connections_total", map[string]string{"state": "unknown"}))
	assert.Equal(t, 10.0, gatherValue(t, registry,
		"greengage_cluster_connections_all_states_total", nil))
}

func TestConnectionsCollectorUsesBackendTypeOnV7(t *testing.T) {
	registry := metrics.NewRegistry()
	c, err := NewConnectionsCollector(registry)
	require.NoError(t, err)

	conn, mock := newMockConn(t)
	mock.ExpectQuery(`backend_type = 'client backend'`).WillReturnRows(
		sqlmock.NewRows([]string{"state", "count"}).
			AddRow("active", 1))

	ver := &db.Version{Major: 7, Minor: 1, Patch: 0}
	require.NoError(t, c.Collect(context.Background(), conn, ver))
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, 1.0, gatherValue(t, registry,
		"greengage_cluster_connections_total", map[string]string{"state": "active"}))
}

func TestConnectionsCollectorPropagatesQueryError(t *testing.T) {
	registry := metrics.NewRegistry()
	c, err := NewConnectionsCollector(registry)
	require.NoError(t, err)

	conn, mock := newMockConn(t)
	mock.ExpectQuery(`FROM pg_stat_activity a`).WillReturnError(assert.AnError)

	ver := &db.Version{Major: 6}
	assert.ErrorIs(t, c.Collect(context.Background(), conn, ver), assert.AnError)
}
