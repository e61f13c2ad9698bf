package ipstat

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector(t *testing.T) {
	v6 := New("ipv6")
	v6.InReceives.Add(3)
	v6.InTruncatedPkts.Add(1)
	v6.ReasmOKs.Add(2)

	c := NewCollector(v6)
	if n := testutil.CollectAndCount(c); n != 17 {
		t.Fatalf("got %d metrics, want 17", n)
	}

	expected := `
# HELP netboot_ip_in_receives_total Total datagrams received.
# TYPE netboot_ip_in_receives_total counter
netboot_ip_in_receives_total{family="ipv6"} 3
# HELP netboot_ip_in_truncated_pkts_total Total datagrams discarded as truncated.
# TYPE netboot_ip_in_truncated_pkts_total counter
netboot_ip_in_truncated_pkts_total{family="ipv6"} 1
# HELP netboot_ip_reasm_oks_total Total datagrams successfully reassembled.
# TYPE netboot_ip_reasm_oks_total counter
netboot_ip_reasm_oks_total{family="ipv6"} 2
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"netboot_ip_in_receives_total",
		"netboot_ip_in_truncated_pkts_total",
		"netboot_ip_reasm_oks_total"); err != nil {
		t.Fatal(err)
	}
}

func TestSnapshot(t *testing.T) {
	s := New("ipv4")
	s.OutRequests.Add(5)
	s.OutNoRoutes.Add(1)

	snap := s.Snapshot()
	if snap.Family != "ipv4" {
		t.Errorf("family = %q, want ipv4", snap.Family)
	}
	if snap.OutRequests != 5 || snap.OutNoRoutes != 1 {
		t.Errorf("got requests=%d noroutes=%d, want 5/1", snap.OutRequests, snap.OutNoRoutes)
	}
}
