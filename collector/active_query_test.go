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

func TestActiveQueryCollectorBucketsDurations(t *testing.T) {
	registry := metrics.NewRegistry()
	c, err := NewActiveQueryCollector(registry)
	require.NoError(t, err)

	conn, mock := newMockConn(t)
	mock.ExpectQuery(`total_active_queries`).WillReturnRows(
		sqlmock.NewRows([]string{
			"total_active_queries", "cnt_0_10", "cnt_10_60",
			"cnt_60_180", "cnt_180_600", "cnt_600_plus",
		}).AddRow(10, 4, 3, 1, 1, 1))

	ver := &db.Version{Major: 6}
	require.NoError(t, c.Collect(context.Background(), conn, ver))
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, 4.0, gatherValue(t, registry,
		"greengage_query_active_queries_duration_bucket", map[string]string{"bucket": "0_10"}))
	assert.Equal(t, 1.0, gatherValue(t, registry,
		"greengage_query_active_queries_duration_bucket", map[string]string{"bucket": "600_plus"}))
	assert.Equal(t, 10.0, gatherValue(t, registry,
		"greengage_query_active_queries_total", nil))
	// 180_600 plus 600_plus counts as slow.
	assert.Equal(t, 2.0, gatherValue(t, registry,
		"greengage_query_active_queries_slow", nil))
}

func TestActiveQueryCollectorHandlesNullCounts(t *testing.T) {
	registry := metrics.NewRegistry()
	c, err := NewActiveQueryCollector(registry)
	require.NoError(t, err)

	conn, mock := newMockConn(t)
	// sum() over an empty CTE yields NULLs.
	mock.ExpectQuery(`total_active_queries`).WillReturnRows(
		sqlmock.NewRows([]string{
			"total_active_queries", "cnt_0_10", "cnt_10_60",
			"cnt_60_180", "cnt_180_600", "cnt_600_plus",
		}).AddRow(0, nil, nil, nil, nil, nil))

	ver := &db.Version{Major: 6}
	require.NoError(t, c.Collect(context.Background(), conn, ver))

	assert.Equal(t, 0.0, gatherValue(t, registry,
		"greengage_query_active_queries_duration_bucket", map[string]string{"bucket": "0_10"}))
	assert.Equal(t, 0.0, gatherValue(t, registry,
		"greengage_query_active_queries_total", nil))
}

func TestActiveQueryCollectorToleratesQueryError(t *testing.T) {
	registry := metrics.NewRegistry()
	c, err := NewActiveQueryCollector(registry)
	require.NoError(t, err)

	conn, mock := newMockConn(t)
	mock.ExpectQuery(`total_active_queries`).WillReturnError(assert.AnError)

	ver := &db.Version{Major: 6}
	assert.NoError(t, c.Collect(context.Background(), conn, ver))
}
