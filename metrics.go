package jcore

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects connection activity. A nil *Metrics records nothing.
type Metrics struct {
	calls       *prometheus.CounterVec
	callLatency *prometheus.HistogramVec
	inflight    prometheus.Gauge
	auths       *prometheus.CounterVec
	anomalies   *prometheus.CounterVec
	open        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Completed calls by method and outcome",
		}, []string{"method", "outcome"}),
		callLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Time from sending a call to its resolution",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "calls_in_flight",
			Help:      "Calls waiting for their result",
		}),
		auths: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authentications_total",
			Help:      "Authentication attempts by outcome",
		}, []string{"outcome"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_anomalies_total",
			Help:      "Messages dropped by the receive loop, by kind",
		}, []string{"kind"}),
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Connections not yet closed",
		}),
	}

	for _, c := range []prometheus.Collector{m.calls, m.callLatency, m.inflight, m.auths, m.anomalies, m.open} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register jcore metrics")
		}
	}

	return m, nil
}

// outcome is the label value describing how an operation ended.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrServer):
		return "server_error"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionClosed):
		return "closed"
	case errors.Is(err, ErrAuth):
		return "auth_error"
	case errors.Is(err, ErrInvalidMessage):
		return "invalid_message"
	default:
		return "error"
	}
}

func (m *Metrics) callStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *Metrics) callDone(method string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.inflight.Dec()
	m.calls.WithLabelValues(method, outcome(err)).Inc()
	m.callLatency.WithLabelValues(method).Observe(time.Since(started).Seconds())
}

func (m *Metrics) authDone(err error) {
	if m == nil {
		return
	}
	m.auths.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) anomaly(err error) {
	if m == nil {
		return
	}
	kind := "other"
	switch {
	case errors.Is(err, ErrInvalidMessage):
		kind = "invalid"
	case errors.Is(err, ErrUnexpected):
		kind = "unexpected"
	case errors.Is(err, ErrAuth):
		kind = "auth"
	}
	m.anomalies.WithLabelValues(kind).Inc()
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.open.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.open.Dec()
}
