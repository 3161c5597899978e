package connection

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts connection and message outcomes. A nil *Metrics records
// nothing.
type Metrics struct {
	// Connections counts sessions by outcome: established or failed.
	Connections *prometheus.CounterVec
	// Messages counts completed messages by result: sent, rejected or failed.
	Messages *prometheus.CounterVec
	// ProxyFailures counts SOCKS5 negotiations that did not reach the target.
	ProxyFailures prometheus.Counter
	// Active tracks open connections.
	Active prometheus.Gauge
}

// NewMetrics registers the metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Connections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "remailer",
				Subsystem: "smtp",
				Name:      "connections_total",
				Help:      "SMTP sessions by outcome",
			},
			[]string{"outcome"},
		),
		Messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "remailer",
				Subsystem: "smtp",
				Name:      "messages_total",
				Help:      "Completed messages by result",
			},
			[]string{"result"},
		),
		ProxyFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "remailer",
				Subsystem: "socks5",
				Name:      "failures_total",
				Help:      "Proxy negotiations that failed",
			},
		),
		Active: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "remailer",
				Subsystem: "smtp",
				Name:      "connections_active",
				Help:      "Open connections",
			},
		),
	}
}

func (m *Metrics) connection(ok bool) {
	if m == nil {
		return
	}
	outcome := "established"
	if !ok {
		outcome = "failed"
	}
	m.Connections.WithLabelValues(outcome).Inc()
}

func (m *Metrics) message(ok bool, err error) {
	if m == nil {
		return
	}
	result := "sent"
	switch {
	case ok:
	case isReply(err):
		result = "rejected"
	default:
		result = "failed"
	}
	m.Messages.WithLabelValues(result).Inc()
}

func (m *Metrics) proxyFailure() {
	if m != nil {
		m.ProxyFailures.Inc()
	}
}

func (m *Metrics) opened() {
	if m != nil {
		m.Active.Inc()
	}
}

func (m *Metrics) closed() {
	if m != nil {
		m.Active.Dec()
	}
}
