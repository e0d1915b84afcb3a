package collector

import (
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"greengage-exporter/metrics"
)

// gatherValue reads one series from the registry by metric name and
// exact label set. Fails the test when the series is absent.
func gatherValue(t *testing.T, r *metrics.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	v, ok := tryGatherValue(t, r, name, labels)
	require.True(t, ok, "series %s%v not found", name, labels)
	return v
}

func tryGatherValue(t *testing.T, r *metrics.Registry, name string, labels map[string]string) (float64, bool) {
	t.Helper()
	families, err := r.Prometheus().Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			got := map[string]string{}
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			if len(got) != len(labels) {
				continue
			}
			match := true
			for k, v := range labels {
				if got[k] != v {
					match = false
					break
				}
			}
			if match {
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue(), true
				}
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue(), true
				}
			}
		}
	}
	return 0, false
}

func newMockConn(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, mock
}
