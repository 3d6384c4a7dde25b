package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionOpened()
		m.SessionClosed()
		m.SetOnline(3)
		m.Envelope("Login")
		m.Delivery(Delivered)
		m.MessageStored()
		m.Call(CallOffered)
		m.RateLimited()
	})
}

func TestCollectorsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.Delivery(Delivered)
	m.Delivery(Offline)
	m.Delivery(Offline)
	m.Envelope("SendMessage")
	m.SetOnline(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.UsersOnline))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues(Delivered)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Deliveries.WithLabelValues(Offline)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EnvelopesIn.WithLabelValues("SendMessage")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["gochat_sessions_active"])
	assert.True(t, names["gochat_deliveries_total"])
}
