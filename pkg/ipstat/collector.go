package ipstat

import (
	"github.com/prometheus/client_golang/prometheus"
)

type counter struct {
	desc *prometheus.Desc
	get  func(*Snapshot) uint64
}

// Collector implements prometheus.Collector over one or more Stats,
// reading the atomic counters on each scrape.
type Collector struct {
	stats    []*Stats
	counters []counter
}

// NewCollector returns a collector exporting every counter of the given
// families, labelled by family.
func NewCollector(stats ...*Stats) *Collector {
	c := &Collector{stats: stats}
	add := func(name, help string, get func(*Snapshot) uint64) {
		c.counters = append(c.counters, counter{
			desc: prometheus.NewDesc("netboot_ip_"+name+"_total", help, []string{"family"}, nil),
			get:  get,
		})
	}
	add("in_receives", "Total datagrams received.", func(s *Snapshot) uint64 { return s.InReceives })
	add("in_octets", "Total octets received.", func(s *Snapshot) uint64 { return s.InOctets })
	add("in_bcast_pkts", "Total link-layer broadcast datagrams received.", func(s *Snapshot) uint64 { return s.InBcastPkts })
	add("in_mcast_pkts", "Total link-layer multicast datagrams received.", func(s *Snapshot) uint64 { return s.InMcastPkts })
	add("in_hdr_errors", "Total datagrams discarded due to header errors.", func(s *Snapshot) uint64 { return s.InHdrErrors })
	add("in_addr_errors", "Total datagrams discarded for a non-local destination.", func(s *Snapshot) uint64 { return s.InAddrErrors })
	add("in_truncated_pkts", "Total datagrams discarded as truncated.", func(s *Snapshot) uint64 { return s.InTruncatedPkts })
	add("in_delivers", "Total datagrams delivered to a transport protocol.", func(s *Snapshot) uint64 { return s.InDelivers })
	add("in_unknown_protos", "Total datagrams discarded for an unknown protocol.", func(s *Snapshot) uint64 { return s.InUnknownProtos })
	add("out_requests", "Total datagrams supplied for transmission.", func(s *Snapshot) uint64 { return s.OutRequests })
	add("out_no_routes", "Total datagrams discarded for lack of a route.", func(s *Snapshot) uint64 { return s.OutNoRoutes })
	add("out_transmits", "Total datagrams handed to the link layer.", func(s *Snapshot) uint64 { return s.OutTransmits })
	add("out_octets", "Total octets handed to the link layer.", func(s *Snapshot) uint64 { return s.OutOctets })
	add("out_mcast_pkts", "Total multicast datagrams transmitted.", func(s *Snapshot) uint64 { return s.OutMcastPkts })
	add("reasm_reqds", "Total fragments received needing reassembly.", func(s *Snapshot) uint64 { return s.ReasmReqds })
	add("reasm_oks", "Total datagrams successfully reassembled.", func(s *Snapshot) uint64 { return s.ReasmOKs })
	add("reasm_fails", "Total reassembly failures.", func(s *Snapshot) uint64 { return s.ReasmFails })
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, ctr := range c.counters {
		ch <- ctr.desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.stats {
		snap := s.Snapshot()
		for _, ctr := range c.counters {
			ch <- prometheus.MustNewConstMetric(ctr.desc, prometheus.CounterValue,
				float64(ctr.get(&snap)), snap.Family)
		}
	}
}
