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

func TestTableHealthCollectorMergesBloatAndSkew(t *testing.T) {
	registry := metrics.NewRegistry()
	c, err := NewTableHealthCollector(registry)
	require.NoError(t, err)

	conn, mock := newMockConn(t)
	mock.ExpectQuery(`gp_bloat_diag`).WillReturnRows(
		sqlmock.NewRows([]string{"datname", "schemaname", "relname", "bloat_state"}).
			AddRow("sales", "public", "orders", 2).
			AddRow("sales", "public", "items", 0))
	mock.ExpectQuery(`gp_skew_coefficients`).WillReturnRows(
		sqlmock.NewRows([]string{"datname", "schemaname", "tablename", "skccoeff"}).
			AddRow("sales", "public", "orders", 1.7))

	ver := &db.Version{Major: 6}
	require.NoError(t, c.Collect(context.Background(), conn, ver))
	require.NoError(t, mock.ExpectationsWereMet())

	labels := map[string]string{"database": "sales", "schema": "public", "table": "orders"}
	assert.Equal(t, 2.0, gatherValue(t, registry, "greengage_server_table_bloat_state", labels))
	assert.Equal(t, 1.7, gatherValue(t, registry, "greengage_server_table_skew_factor", labels))

	items := map[string]string{"database": "sales", "schema": "public", "table": "items"}
	assert.Equal(t, 0.0, gatherValue(t, registry, "greengage_server_table_skew_factor", items))
}

func TestTableHealthCollectorToleratesBloatQueryError(t *testing.T) {
	registry := metrics.NewRegistry()
	c, err := NewTableHealthCollector(registry)
	require.NoError(t, err)

	conn, mock := newMockConn(t)
	// gp_toolkit views may be missing on stripped-down clusters; the
	// scrape must not fail because of it.
	mock.ExpectQuery(`gp_bloat_diag`).WillReturnError(assert.AnError)

	ver := &db.Version{Major: 6}
	assert.NoError(t, c.Collect(context.Background(), conn, ver))
}

func TestTableHealthCollectorToleratesSkewQueryError(t *testing.T) {
	registry := metrics.NewRegistry()
	c, err := NewTableHealthCollector(registry)
	require.NoError(t, err)

	conn, mock := newMockConn(t)
	mock.ExpectQuery(`gp_bloat_diag`).WillReturnRows(
		sqlmock.NewRows([]string{"datname", "schemaname", "relname", "bloat_state"}).
			AddRow("sales", "public", "orders", 1))
	mock.ExpectQuery(`gp_skew_coefficients`).WillReturnError(assert.AnError)

	ver := &db.Version{Major: 6}
	require.NoError(t, c.Collect(context.Background(), conn, ver))

	// Bloat data alone is still published.
	labels := map[string]string{"database": "sales", "schema": "public", "table": "orders"}
	assert.Equal(t, 1.0, gatherValue(t, registry, "greengage_server_table_bloat_state", labels))
}
