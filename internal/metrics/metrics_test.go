package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := NewMetrics()
	m.IncConn()
	m.IncConn()
	m.DecConn()
	m.Presence("offline")
	m.Presence("offline")
	m.Status("read", 3)
	m.Status("read", 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeConns))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.presence.WithLabelValues("offline")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.statuses.WithLabelValues("read")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncConn()
		m.Presence("online")
		m.StoreError("mark_offline")
		m.MessageCreated()
	})
}

func TestServeHTTP(t *testing.T) {
	m := NewMetrics()
	m.MessageCreated()

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "chatcore_messages_created_total 1")
}
