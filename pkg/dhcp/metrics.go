package dhcp

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	transmits *prometheus.CounterVec
	offers    *prometheus.CounterVec
	states    *prometheus.CounterVec
	results   *prometheus.CounterVec
}

func newMetrics() *metrics {
	return &metrics{
		transmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netboot_dhcp_transmits_total",
			Help: "Total DHCP requests transmitted.",
		}, []string{"interface", "state"}),
		offers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netboot_dhcp_offers_total",
			Help: "Total DHCP offers recorded.",
		}, []string{"interface"}),
		states: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netboot_dhcp_state_entries_total",
			Help: "Total DHCP state machine transitions, by entered state.",
		}, []string{"interface", "state"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "netboot_dhcp_sessions_finished_total",
			Help: "Total DHCP sessions finished, by result.",
		}, []string{"interface", "result"}),
	}
}

// Describe implements prometheus.Collector.
func (m *metrics) Describe(ch chan<- *prometheus.Desc) {
	m.transmits.Describe(ch)
	m.offers.Describe(ch)
	m.states.Describe(ch)
	m.results.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *metrics) Collect(ch chan<- prometheus.Metric) {
	m.transmits.Collect(ch)
	m.offers.Collect(ch)
	m.states.Collect(ch)
	m.results.Collect(ch)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimedOut):
		return "timeout"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	default:
		return "error"
	}
}
