package controller

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the controller's prometheus collectors
type Metrics struct {
	workers    prometheus.Gauge
	tunnels    prometheus.Gauge
	refusals   *prometheus.CounterVec
	auth       *prometheus.CounterVec
	terminated *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. storeLen and ticketLen
// feed the cookie and ticket store gauges; either may be nil.
func NewMetrics(reg prometheus.Registerer, storeLen, ticketLen func() int) *Metrics {
	m := &Metrics{
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tlsvpnd",
			Name:      "workers",
			Help:      "Running worker processes.",
		}),
		tunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tlsvpnd",
			Name:      "tunnels",
			Help:      "Sessions with an established tunnel.",
		}),
		refusals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tlsvpnd",
			Name:      "admission_refusals_total",
			Help:      "Connections and sessions refused by admission policy.",
		}, []string{"reason"}),
		auth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tlsvpnd",
			Name:      "auth_results_total",
			Help:      "Finished authentication exchanges by result.",
		}, []string{"result"}),
		terminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tlsvpnd",
			Name:      "workers_terminated_total",
			Help:      "Workers ended by the controller, by cause.",
		}, []string{"cause"}),
	}
	if reg == nil {
		return m
	}
	reg.MustRegister(m.workers, m.tunnels, m.refusals, m.auth, m.terminated)
	if storeLen != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tlsvpnd",
			Name:      "stored_sessions",
			Help:      "Entries in the session store, expired ones included until swept.",
		}, func() float64 { return float64(storeLen()) }))
	}
	if ticketLen != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tlsvpnd",
			Name:      "stored_tickets",
			Help:      "TLS resumption entries, expired ones included until swept.",
		}, func() float64 { return float64(ticketLen()) }))
	}
	return m
}

func refusalReason(err error) string {
	switch err {
	case ErrTooManyClients:
		return "max_clients"
	case ErrTooManySameClients:
		return "max_same_clients"
	case ErrRateLimited:
		return "rate_limit"
	}
	return "other"
}
