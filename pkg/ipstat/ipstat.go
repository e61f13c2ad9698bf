// Package ipstat holds per-family IP statistics counters.
//
// Counters are updated from the protocol loop and read concurrently by the
// metrics collector and the status API, so every field is atomic.
package ipstat

import (
	"sync/atomic"
)

// Stats is the set of counters kept for one IP family.
type Stats struct {
	Family string

	InReceives      atomic.Uint64
	InOctets        atomic.Uint64
	InBcastPkts     atomic.Uint64
	InMcastPkts     atomic.Uint64
	InHdrErrors     atomic.Uint64
	InAddrErrors    atomic.Uint64
	InTruncatedPkts atomic.Uint64
	InDelivers      atomic.Uint64
	InUnknownProtos atomic.Uint64

	OutRequests  atomic.Uint64
	OutNoRoutes  atomic.Uint64
	OutTransmits atomic.Uint64
	OutOctets    atomic.Uint64
	OutMcastPkts atomic.Uint64

	ReasmReqds atomic.Uint64
	ReasmOKs   atomic.Uint64
	ReasmFails atomic.Uint64
}

// New returns zeroed statistics for the named family ("ipv4", "ipv6").
func New(family string) *Stats {
	return &Stats{Family: family}
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Family          string `json:"family"`
	InReceives      uint64 `json:"in_receives"`
	InOctets        uint64 `json:"in_octets"`
	InBcastPkts     uint64 `json:"in_bcast_pkts"`
	InMcastPkts     uint64 `json:"in_mcast_pkts"`
	InHdrErrors     uint64 `json:"in_hdr_errors"`
	InAddrErrors    uint64 `json:"in_addr_errors"`
	InTruncatedPkts uint64 `json:"in_truncated_pkts"`
	InDelivers      uint64 `json:"in_delivers"`
	InUnknownProtos uint64 `json:"in_unknown_protos"`
	OutRequests     uint64 `json:"out_requests"`
	OutNoRoutes     uint64 `json:"out_no_routes"`
	OutTransmits    uint64 `json:"out_transmits"`
	OutOctets       uint64 `json:"out_octets"`
	OutMcastPkts    uint64 `json:"out_mcast_pkts"`
	ReasmReqds      uint64 `json:"reasm_reqds"`
	ReasmOKs        uint64 `json:"reasm_oks"`
	ReasmFails      uint64 `json:"reasm_fails"`
}

// Snapshot copies the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Family:          s.Family,
		InReceives:      s.InReceives.Load(),
		InOctets:        s.InOctets.Load(),
		InBcastPkts:     s.InBcastPkts.Load(),
		InMcastPkts:     s.InMcastPkts.Load(),
		InHdrErrors:     s.InHdrErrors.Load(),
		InAddrErrors:    s.InAddrErrors.Load(),
		InTruncatedPkts: s.InTruncatedPkts.Load(),
		InDelivers:      s.InDelivers.Load(),
		InUnknownProtos: s.InUnknownProtos.Load(),
		OutRequests:     s.OutRequests.Load(),
		OutNoRoutes:     s.OutNoRoutes.Load(),
		OutTransmits:    s.OutTransmits.Load(),
		OutOctets:       s.OutOctets.Load(),
		OutMcastPkts:    s.OutMcastPkts.Load(),
		ReasmReqds:      s.ReasmReqds.Load(),
		ReasmOKs:        s.ReasmOKs.Load(),
		ReasmFails:      s.ReasmFails.Load(),
	}
}
