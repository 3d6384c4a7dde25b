// Package metrics exposes the hub's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Delivery outcomes.
const (
	Delivered = "delivered"
	Dropped   = "dropped"
	Offline   = "offline"
)

// Call events.
const (
	CallOffered  = "offered"
	CallAnswered = "answered"
	CallEnded    = "ended"
)

type Metrics struct {
	SessionsActive   prometheus.Gauge
	UsersOnline      prometheus.Gauge
	EnvelopesIn      *prometheus.CounterVec
	Deliveries       *prometheus.CounterVec
	MessagesStored   prometheus.Counter
	Calls            *prometheus.CounterVec
	RateLimitedFrame prometheus.Counter
}

// New creates the collectors and registers them with reg. Passing nil
// creates unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gochat",
			Name:      "sessions_active",
			Help:      "Open WebSocket sessions.",
		}),
		UsersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gochat",
			Name:      "users_online",
			Help:      "Users with a live binding.",
		}),
		EnvelopesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gochat",
			Name:      "envelopes_received_total",
			Help:      "Client envelopes decoded, by type.",
		}, []string{"type"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gochat",
			Name:      "deliveries_total",
			Help:      "Routed envelopes, by outcome.",
		}, []string{"result"}),
		MessagesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gochat",
			Name:      "messages_stored_total",
			Help:      "Chat messages appended to the conversation store.",
		}),
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gochat",
			Name:      "calls_total",
			Help:      "Call lifecycle events.",
		}, []string{"event"}),
		RateLimitedFrame: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gochat",
			Name:      "rate_limited_frames_total",
			Help:      "Inbound frames discarded by the per-connection limiter.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SessionsActive,
			m.UsersOnline,
			m.EnvelopesIn,
			m.Deliveries,
			m.MessagesStored,
			m.Calls,
			m.RateLimitedFrame,
		)
	}
	return m
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.SessionsActive.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.SessionsActive.Dec()
	}
}

func (m *Metrics) SetOnline(n int) {
	if m != nil {
		m.UsersOnline.Set(float64(n))
	}
}

func (m *Metrics) Envelope(typ string) {
	if m != nil {
		m.EnvelopesIn.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) Delivery(result string) {
	if m != nil {
		m.Deliveries.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) MessageStored() {
	if m != nil {
		m.MessagesStored.Inc()
	}
}

func (m *Metrics) Call(event string) {
	if m != nil {
		m.Calls.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) RateLimited() {
	if m != nil {
		m.RateLimitedFrame.Inc()
	}
}
