package api

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// netbootCollector implements prometheus.Collector, reading protocol state
// through the loop on each scrape.
type netbootCollector struct {
	srv *Server

	interfaceUp  *prometheus.Desc
	routes       *prometheus.Desc
	neighbours   *prometheus.Desc
	dhcpSessions *prometheus.Desc
	dhcpLeases   *prometheus.Desc
}

func newCollector(srv *Server) *netbootCollector {
	return &netbootCollector{
		srv: srv,

		interfaceUp: prometheus.NewDesc(
			"netboot_interface_up",
			"Whether the interface is open and its link is not blocked.",
			[]string{"interface"}, nil,
		),
		routes: prometheus.NewDesc(
			"netboot_ipv6_routes",
			"Number of minirouting table entries.",
			nil, nil,
		),
		neighbours: prometheus.NewDesc(
			"netboot_neighbours",
			"Number of neighbour cache entries.",
			[]string{"origin"}, nil,
		),
		dhcpSessions: prometheus.NewDesc(
			"netboot_dhcp_sessions_active",
			"Running DHCP sessions by state.",
			[]string{"state"}, nil,
		),
		dhcpLeases: prometheus.NewDesc(
			"netboot_dhcp_leases_active",
			"Number of interfaces holding a lease.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *netbootCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.interfaceUp
	ch <- c.routes
	ch <- c.neighbours
	ch <- c.dhcpSessions
	ch <- c.dhcpLeases
}

// Collect implements prometheus.Collector.
func (c *netbootCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.srv
	ctx, cancel := context.WithTimeout(context.Background(), loopTimeout)
	defer cancel()

	if s.loop != nil {
		var metrics []prometheus.Metric
		err := s.loop.Do(ctx, func() {
			if s.devs != nil {
				for _, d := range s.devs.All() {
					up := 0.0
					if d.IsOpen() && !d.LinkBlocked() {
						up = 1
					}
					metrics = append(metrics, prometheus.MustNewConstMetric(
						c.interfaceUp, prometheus.GaugeValue, up, d.Name))
				}
			}
			if s.engine != nil {
				metrics = append(metrics, prometheus.MustNewConstMetric(
					c.routes, prometheus.GaugeValue, float64(len(s.engine.Routes.Routes()))))
			}
			if s.neigh != nil {
				byOrigin := make(map[string]int)
				for _, e := range s.neigh.Entries() {
					byOrigin[e.Source]++
				}
				for origin, n := range byOrigin {
					metrics = append(metrics, prometheus.MustNewConstMetric(
						c.neighbours, prometheus.GaugeValue, float64(n), origin))
				}
			}
		})
		if err == nil {
			for _, m := range metrics {
				ch <- m
			}
		}
	}

	if s.dhcp != nil {
		ch <- prometheus.MustNewConstMetric(c.dhcpLeases, prometheus.GaugeValue, float64(len(s.dhcp.Leases())))
		if sessions, err := s.dhcp.Sessions(ctx); err == nil {
			byState := make(map[string]int)
			for _, si := range sessions {
				byState[si.State]++
			}
			for state, n := range byState {
				ch <- prometheus.MustNewConstMetric(c.dhcpSessions, prometheus.GaugeValue, float64(n), state)
			}
		}
	}
}
