package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerRecordsOutcome(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	require.NoError(t, m.Track("stock:alerts").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("stock:alerts").End(boom), boom)

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("stock:alerts", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("stock:alerts", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("stock:alerts")))
}

func TestAddAlertsIgnoresEmptyCounts(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddAlerts("low_stock", 0)
	m.AddAlerts("low_stock", 3)
	require.Equal(t, 3.0, testutil.ToFloat64(m.alerts.WithLabelValues("low_stock")))

	var nilMetrics *Metrics
	nilMetrics.AddAlerts("expiring", 2)
	require.NoError(t, nilMetrics.Track("x").End(nil))
}
