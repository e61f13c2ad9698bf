package udp

import (
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/psaab/netboot/pkg/ipv6"
	"github.com/psaab/netboot/pkg/ndp"
	"github.com/psaab/netboot/pkg/netdev"
	"github.com/psaab/netboot/pkg/settings"
)

type captureLink struct {
	frames [][]byte
}

func (c *captureLink) Transmit(frame []byte) error {
	c.frames = append(c.frames, frame)
	return nil
}

var (
	peerAddr = netip.MustParseAddr("fe80::1")
	peerMAC  = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
)

type env struct {
	udp  *Protocol
	dev  *netdev.Device
	link *captureLink
	ll   netip.Addr
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := settings.NewStore()
	devs := netdev.NewRegistry(store)
	neigh := ndp.New()
	eng := ipv6.New(ipv6.Options{Devices: devs, Settings: store, Neighbours: neigh})

	link := &captureLink{}
	dev := netdev.New("net0", 2, net.HardwareAddr{0x52, 0x54, 0x00, 0xab, 0xcd, 0xef}, link)
	dev.SetOpen(true)
	if err := devs.Add(dev); err != nil {
		t.Fatal(err)
	}
	if err := eng.AddDevice(dev); err != nil {
		t.Fatal(err)
	}
	neigh.Add(dev, peerAddr, peerMAC, ndp.Static)
	ll, _ := ipv6.LinkLocalAddr(dev.HWAddr)
	return &env{udp: New(eng), dev: dev, link: link, ll: ll}
}

// buildDatagram serializes an IPv6/UDP datagram with gopacket.
func buildDatagram(t *testing.T, src, dst netip.Addr, sport, dport uint16, data []byte) []byte {
	t.Helper()
	ip := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolUDP,
		HopLimit:   64,
		SrcIP:      net.IP(src.AsSlice()),
		DstIP:      net.IP(dst.AsSlice()),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatal(err)
	}
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		ip, udp, gopacket.Payload(data))
	if err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestRxBinding(t *testing.T) {
	e := newEnv(t)
	eng := e.udp.eng

	var got []byte
	var from ipv6.SockAddr
	if err := e.udp.Bind(9000, func(data []byte, dev *netdev.Device, src, dst ipv6.SockAddr) error {
		got = append([]byte(nil), data...)
		from = src
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.udp.Bind(9000, nil); !errors.Is(err, ErrPortInUse) {
		t.Fatalf("double bind: got %v, want ErrPortInUse", err)
	}

	pkt := buildDatagram(t, peerAddr, e.ll, 4444, 9000, []byte("payload"))
	if err := eng.Rx(pkt, e.dev, 0); err != nil {
		t.Fatalf("Rx: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("data = %q, want %q", got, "payload")
	}
	if from.Port != 4444 || from.Addr != peerAddr {
		t.Errorf("src = %+v", from)
	}

	pkt = buildDatagram(t, peerAddr, e.ll, 4444, 9001, []byte("payload"))
	if err := eng.Rx(pkt, e.dev, 0); !errors.Is(err, ErrNoPort) {
		t.Errorf("unbound port: got %v, want ErrNoPort", err)
	}
}

func TestRxBadChecksum(t *testing.T) {
	e := newEnv(t)
	if err := e.udp.Bind(9000, func([]byte, *netdev.Device, ipv6.SockAddr, ipv6.SockAddr) error { return nil }); err != nil {
		t.Fatal(err)
	}

	pkt := buildDatagram(t, peerAddr, e.ll, 1, 9000, []byte("x"))
	pkt[ipv6.HeaderLen+HeaderLen] ^= 0xff
	if err := e.udp.eng.Rx(pkt, e.dev, 0); !errors.Is(err, ErrBadChecksum) {
		t.Errorf("corrupt payload: got %v, want ErrBadChecksum", err)
	}

	pkt = buildDatagram(t, peerAddr, e.ll, 1, 9000, []byte("x"))
	pkt[ipv6.HeaderLen+udpChecksum], pkt[ipv6.HeaderLen+udpChecksum+1] = 0, 0
	if err := e.udp.eng.Rx(pkt, e.dev, 0); !errors.Is(err, ErrBadChecksum) {
		t.Errorf("zero checksum: got %v, want ErrBadChecksum", err)
	}
}

func TestEcho(t *testing.T) {
	e := newEnv(t)
	if err := e.udp.BindEcho(DefaultEchoPort); err != nil {
		t.Fatal(err)
	}

	pkt := buildDatagram(t, peerAddr, e.ll, 33000, DefaultEchoPort, []byte("hello"))
	if err := e.udp.eng.Rx(pkt, e.dev, 0); err != nil {
		t.Fatalf("Rx: %v", err)
	}
	if len(e.link.frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(e.link.frames))
	}

	p := gopacket.NewPacket(e.link.frames[0], layers.LayerTypeEthernet, gopacket.Default)
	eth := p.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if eth.DstMAC.String() != peerMAC.String() {
		t.Errorf("dst mac = %s, want %s", eth.DstMAC, peerMAC)
	}
	ip := p.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	if !ip.SrcIP.Equal(net.IP(e.ll.AsSlice())) || !ip.DstIP.Equal(net.IP(peerAddr.AsSlice())) {
		t.Errorf("addresses = %s -> %s", ip.SrcIP, ip.DstIP)
	}
	udp := p.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if udp.SrcPort != DefaultEchoPort || udp.DstPort != 33000 {
		t.Errorf("ports = %d -> %d", udp.SrcPort, udp.DstPort)
	}
	if string(udp.Payload) != "hello" {
		t.Errorf("payload = %q", udp.Payload)
	}

	// The reply must verify through our own receive path.
	ipPayload := e.link.frames[0][14:]
	sum := ipv6.Checksum(ipPayload[ipv6.HeaderLen:], ipv6.PseudoHeaderChecksum(e.ll, peerAddr, len(ipPayload)-ipv6.HeaderLen, ipv6.ProtoUDP))
	if sum != 0xffff {
		t.Errorf("reply checksum folds to %#04x, want 0xffff", sum)
	}
}
