package client

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts client activity. A nil *Metrics records nothing.
type Metrics struct {
	Requests   prometheus.Counter
	Responses  prometheus.Counter
	Orphans    prometheus.Counter
	SendErrors prometheus.Counter
	Pending    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "busrpc", Subsystem: "client", Name: "requests_total",
			Help: "Requests created by client sessions.",
		}),
		Responses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "busrpc", Subsystem: "client", Name: "responses_total",
			Help: "Results pushed onto pending requests.",
		}),
		Orphans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "busrpc", Subsystem: "client", Name: "orphan_responses_total",
			Help: "Responses whose request id was unknown to the session.",
		}),
		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "busrpc", Subsystem: "client", Name: "send_errors_total",
			Help: "Requests the bus refused.",
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "busrpc", Subsystem: "client", Name: "pending_requests",
			Help: "Requests registered and not yet cleaned up.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Requests, m.Responses, m.Orphans, m.SendErrors, m.Pending)
	}
	return m
}

func (m *Metrics) request() {
	if m != nil {
		m.Requests.Inc()
		m.Pending.Inc()
	}
}

func (m *Metrics) released(n int) {
	if m != nil {
		m.Pending.Sub(float64(n))
	}
}

func (m *Metrics) response() {
	if m != nil {
		m.Responses.Inc()
	}
}

func (m *Metrics) orphan() {
	if m != nil {
		m.Orphans.Inc()
	}
}

func (m *Metrics) sendError() {
	if m != nil {
		m.SendErrors.Inc()
	}
}
