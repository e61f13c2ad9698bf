package ipv6

import (
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psaab/netboot/pkg/netdev"
	"github.com/psaab/netboot/pkg/settings"
)

type captureLink struct {
	frames [][]byte
}

func (c *captureLink) Transmit(frame []byte) error {
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

type neighbourTx struct {
	pkts    [][]byte
	nextHop netip.Addr
	src     netip.Addr
}

func (n *neighbourTx) Tx(pkt []byte, dev *netdev.Device, nextHop, src netip.Addr, llSrc net.HardwareAddr) error {
	n.pkts = append(n.pkts, pkt)
	n.nextHop = nextHop
	n.src = src
	return nil
}

type delivered struct {
	payload  []byte
	src, dst SockAddr
	csum     uint16
}

type recordProto struct {
	got []delivered
}

func (r *recordProto) Rx(payload []byte, dev *netdev.Device, src, dst SockAddr, csum uint16) error {
	r.got = append(r.got, delivered{append([]byte(nil), payload...), src, dst, csum})
	return nil
}

type harness struct {
	store *settings.Store
	eng   *Engine
	dev   *netdev.Device
	link  *captureLink
	neigh *neighbourTx
	proto *recordProto
	ll    netip.Addr
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: settings.NewStore(),
		link:  &captureLink{},
		neigh: &neighbourTx{},
		proto: &recordProto{},
	}
	devs := netdev.NewRegistry(h.store)
	h.eng = New(Options{Devices: devs, Settings: h.store, Neighbours: h.neigh})
	h.eng.Register(ProtoUDP, h.proto)

	h.dev = testDevice()
	h.dev.SetLink(h.link)
	require.NoError(t, devs.Add(h.dev))
	require.NoError(t, h.eng.AddDevice(h.dev))

	var ok bool
	h.ll, ok = LinkLocalAddr(h.dev.HWAddr)
	require.True(t, ok)
	return h
}

var peer = netip.MustParseAddr("fe80::1")

func datagram(src, dst netip.Addr, next uint8, payload []byte) []byte {
	pkt := make([]byte, HeaderLen+len(payload))
	Header(pkt).Encode(&HeaderFields{
		PayloadLength: uint16(len(payload)),
		NextHeader:    next,
		HopLimit:      64,
		Src:           src,
		Dst:           dst,
	})
	copy(pkt[HeaderLen:], payload)
	return pkt
}

func fragmentPkt(src, dst netip.Addr, id uint32, offset int, more bool, data []byte) []byte {
	body := make([]byte, FragmentHeaderLen+len(data))
	FragmentHeader(body).Encode(&FragmentFields{NextHeader: ProtoUDP, Offset: offset, More: more, ID: id})
	copy(body[FragmentHeaderLen:], data)
	return datagram(src, dst, ProtoFragment, body)
}

func TestLinkLocalRouteInstalled(t *testing.T) {
	h := newHarness(t)
	routes := h.eng.Routes.Routes()
	require.Len(t, routes, 1)
	assert.Equal(t, h.ll, routes[0].Address)
	assert.Equal(t, 64, routes[0].PrefixLen)
	assert.Equal(t, HasAddress, routes[0].Flags)
	assert.Equal(t, ScopeLinkLocal, routes[0].Scope)
}

func TestRebuildRoutesFromSettings(t *testing.T) {
	h := newHarness(t)

	static := settings.NewMemory(settings.IPv6Scope)
	addr := netip.MustParseAddr("2001:db8::100")
	gw := netip.MustParseAddr("fe80::1")
	a, g := addr.As16(), gw.As16()
	static.Store(settings.IP6, a[:])
	static.Store(settings.Len6, []byte{64})
	static.Store(settings.Gateway6, g[:])
	block := settings.NewBlock(static, 0)
	require.NoError(t, h.store.Register(block, h.dev.Settings(), "static"))

	require.Len(t, h.eng.Routes.Routes(), 2)
	mr, hop, ok := h.eng.Routes.Route(0, netip.MustParseAddr("2001:db8:1::5"))
	require.True(t, ok)
	assert.Equal(t, addr, mr.Address)
	assert.Equal(t, gw, hop)

	// Link-local has higher precedence so it is rebuilt last, at the head.
	assert.Equal(t, h.ll, h.eng.Routes.Routes()[0].Address)

	h.store.Unregister(block)
	require.Len(t, h.eng.Routes.Routes(), 1)
	_, _, ok = h.eng.Routes.Route(0, netip.MustParseAddr("2001:db8:1::5"))
	assert.False(t, ok)
}

func TestRxDelivers(t *testing.T) {
	h := newHarness(t)
	payload := []byte{0x12, 0x34, 0x56, 0x78, 0x00, 0x0c, 0x00, 0x00, 'p', 'i', 'n', 'g'}

	// Trailing link-layer padding is trimmed to the payload length.
	pkt := append(datagram(peer, h.ll, ProtoUDP, payload), 0, 0, 0, 0)
	require.NoError(t, h.eng.Rx(pkt, h.dev, 0))

	require.Len(t, h.proto.got, 1)
	got := h.proto.got[0]
	assert.Equal(t, payload, got.payload)
	assert.Equal(t, SockAddr{Addr: peer, ScopeID: h.dev.ScopeID()}, got.src)
	assert.Equal(t, SockAddr{Addr: h.ll, ScopeID: h.dev.ScopeID()}, got.dst)
	assert.Equal(t, PseudoHeaderChecksum(peer, h.ll, len(payload), ProtoUDP), got.csum)

	snap := h.eng.Stats.Snapshot()
	assert.EqualValues(t, 1, snap.InReceives)
	assert.EqualValues(t, 1, snap.InDelivers)
	assert.EqualValues(t, len(pkt), snap.InOctets)
}

func TestRxMulticast(t *testing.T) {
	h := newHarness(t)
	allNodes := netip.MustParseAddr("ff02::1")
	require.NoError(t, h.eng.Rx(datagram(peer, allNodes, ProtoUDP, make([]byte, 8)), h.dev, netdev.LLMulticast))
	require.Len(t, h.proto.got, 1)
	assert.EqualValues(t, 1, h.eng.Stats.InMcastPkts.Load())
}

func TestRxDrops(t *testing.T) {
	tests := []struct {
		name  string
		pkt   func(h *harness) []byte
		err   error
		count func(h *harness) uint64
	}{
		{
			name:  "short",
			pkt:   func(h *harness) []byte { return make([]byte, 20) },
			err:   ErrInvalidLength,
			count: func(h *harness) uint64 { return h.eng.Stats.InHdrErrors.Load() },
		},
		{
			name: "version",
			pkt: func(h *harness) []byte {
				pkt := datagram(peer, h.ll, ProtoUDP, make([]byte, 8))
				pkt[0] = 0x45
				return pkt
			},
			err:   ErrUnsupportedVersion,
			count: func(h *harness) uint64 { return h.eng.Stats.InHdrErrors.Load() },
		},
		{
			name: "truncated",
			pkt: func(h *harness) []byte {
				pkt := datagram(peer, h.ll, ProtoUDP, make([]byte, 8))
				Header(pkt).SetPayloadLength(100)
				return pkt
			},
			err:   ErrInvalidLength,
			count: func(h *harness) uint64 { return h.eng.Stats.InTruncatedPkts.Load() },
		},
		{
			name: "non-local unicast",
			pkt: func(h *harness) []byte {
				return datagram(peer, netip.MustParseAddr("fe80::99"), ProtoUDP, make([]byte, 8))
			},
			err:   ErrNotLocal,
			count: func(h *harness) uint64 { return h.eng.Stats.InAddrErrors.Load() },
		},
		{
			name: "unsupported option",
			pkt: func(h *harness) []byte {
				hbh := []byte{ProtoUDP, 0, 0x80, 2, 0, 0, 0, 0}
				return datagram(peer, h.ll, ProtoHopByHop, append(hbh, make([]byte, 8)...))
			},
			err:   ErrUnsupportedOption,
			count: func(h *harness) uint64 { return h.eng.Stats.InHdrErrors.Load() },
		},
		{
			name: "extension header overrun",
			pkt: func(h *harness) []byte {
				return datagram(peer, h.ll, ProtoDestOpts, []byte{ProtoUDP, 3, 1, 4, 0, 0, 0, 0})
			},
			err:   ErrInvalidLength,
			count: func(h *harness) uint64 { return h.eng.Stats.InHdrErrors.Load() },
		},
		{
			name: "short extension header",
			pkt: func(h *harness) []byte {
				return datagram(peer, h.ll, ProtoDestOpts, []byte{ProtoUDP, 0})
			},
			err:   ErrInvalidLength,
			count: func(h *harness) uint64 { return h.eng.Stats.InHdrErrors.Load() },
		},
		{
			name: "short upper-layer header",
			pkt: func(h *harness) []byte {
				return datagram(peer, h.ll, ProtoUDP, []byte{0x12, 0x34, 0x56, 0x78})
			},
			err:   ErrInvalidLength,
			count: func(h *harness) uint64 { return h.eng.Stats.InHdrErrors.Load() },
		},
		{
			name: "unknown protocol",
			pkt: func(h *harness) []byte {
				return datagram(peer, h.ll, ProtoTCP, make([]byte, 20))
			},
			err:   ErrUnknownProtocol,
			count: func(h *harness) uint64 { return h.eng.Stats.InUnknownProtos.Load() },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			err := h.eng.Rx(tt.pkt(h), h.dev, 0)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.err), "got %v, want %v", err, tt.err)
			assert.EqualValues(t, 1, tt.count(h))
			assert.Empty(t, h.proto.got)
		})
	}
}

func TestRxSkipsOptions(t *testing.T) {
	h := newHarness(t)
	// Pad1, PadN(2) and an unknown skippable option.
	hbh := []byte{ProtoUDP, 0, 0, 1, 0, 0x1e, 0, 0}
	require.NoError(t, h.eng.Rx(datagram(peer, h.ll, ProtoHopByHop, append(hbh, make([]byte, 8)...)), h.dev, 0))
	require.Len(t, h.proto.got, 1)
	assert.Len(t, h.proto.got[0].payload, 8)
}

func TestRxReassembles(t *testing.T) {
	h := newHarness(t)
	data := make([]byte, 24)
	for i := range data {
		data[i] = byte(i)
	}

	require.NoError(t, h.eng.Rx(fragmentPkt(peer, h.ll, 7, 16, false, data[16:]), h.dev, 0))
	assert.EqualValues(t, 1, h.eng.Stats.ReasmFails.Load(), "set must be opened by first fragment")

	require.NoError(t, h.eng.Rx(fragmentPkt(peer, h.ll, 9, 0, true, data[:16]), h.dev, 0))
	assert.Empty(t, h.proto.got)
	require.NoError(t, h.eng.Rx(fragmentPkt(peer, h.ll, 9, 16, false, data[16:]), h.dev, 0))

	require.Len(t, h.proto.got, 1)
	assert.Equal(t, data, h.proto.got[0].payload)
	assert.Equal(t, PseudoHeaderChecksum(peer, h.ll, len(data), ProtoUDP), h.proto.got[0].csum)
	assert.EqualValues(t, 1, h.eng.Stats.ReasmOKs.Load())
}

func udpPayload(src, dst uint16, data []byte) []byte {
	b := make([]byte, 8+len(data))
	binary.BigEndian.PutUint16(b[0:], src)
	binary.BigEndian.PutUint16(b[2:], dst)
	binary.BigEndian.PutUint16(b[4:], uint16(len(b)))
	copy(b[8:], data)
	return b
}

func TestTxUnicastChecksum(t *testing.T) {
	h := newHarness(t)
	data := []byte("hello, world")
	err := h.eng.Tx(udpPayload(1234, 5678, data), ProtoUDP,
		SockAddr{}, SockAddr{Addr: peer, ScopeID: h.dev.ScopeID()}, nil,
		&TxChecksum{Offset: 6, Zero: 0xffff})
	require.NoError(t, err)

	require.Len(t, h.neigh.pkts, 1)
	pkt := h.neigh.pkts[0]
	assert.Equal(t, peer, h.neigh.nextHop)
	assert.Equal(t, h.ll, h.neigh.src)

	hdr := Header(pkt)
	assert.Equal(t, h.ll, hdr.Src())
	assert.EqualValues(t, DefaultHopLimit, hdr.HopLimit())
	body := pkt[HeaderLen:]
	assert.Equal(t, uint16(0xffff), Checksum(body, PseudoHeaderChecksum(hdr.Src(), hdr.Dst(), len(body), ProtoUDP)))

	// The same datagram serialized by gopacket must be byte-identical.
	ip := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolUDP,
		HopLimit:   DefaultHopLimit,
		SrcIP:      net.IP(h.ll.AsSlice()),
		DstIP:      net.IP(peer.AsSlice()),
	}
	udp := &layers.UDP{SrcPort: 1234, DstPort: 5678}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		ip, udp, gopacket.Payload(data)))
	assert.Equal(t, buf.Bytes(), pkt)

	snap := h.eng.Stats.Snapshot()
	assert.EqualValues(t, 1, snap.OutRequests)
	assert.EqualValues(t, 1, snap.OutTransmits)
	assert.EqualValues(t, len(pkt), snap.OutOctets)
}

func TestTxMulticast(t *testing.T) {
	h := newHarness(t)
	allRouters := netip.MustParseAddr("ff02::2")
	require.NoError(t, h.eng.Tx(udpPayload(546, 547, []byte("solicit")), ProtoUDP,
		SockAddr{}, SockAddr{Addr: allRouters, ScopeID: h.dev.ScopeID()}, nil, nil))

	assert.Empty(t, h.neigh.pkts)
	require.Len(t, h.link.frames, 1)
	f, err := netdev.Decode(h.link.frames[0])
	require.NoError(t, err)
	assert.Equal(t, net.HardwareAddr{0x33, 0x33, 0, 0, 0, 2}, f.Dst)
	assert.Equal(t, layers.EthernetTypeIPv6, f.EtherType)
	assert.Equal(t, allRouters, Header(f.Payload).Dst())
	assert.Equal(t, h.ll, Header(f.Payload).Src())
	assert.EqualValues(t, 1, h.eng.Stats.OutMcastPkts.Load())
}

func TestTxNoRoute(t *testing.T) {
	h := newHarness(t)
	err := h.eng.Tx(make([]byte, 8), ProtoUDP, SockAddr{},
		SockAddr{Addr: netip.MustParseAddr("2001:db8::1")}, nil, nil)
	require.ErrorIs(t, err, ErrNetUnreachable)
	assert.EqualValues(t, 1, h.eng.Stats.OutNoRoutes.Load())
	assert.Nil(t, h.eng.Netdev(SockAddr{Addr: netip.MustParseAddr("2001:db8::1")}))
	assert.Equal(t, h.dev, h.eng.Netdev(SockAddr{Addr: peer}))
}

func TestTxExplicitSource(t *testing.T) {
	h := newHarness(t)
	src := netip.MustParseAddr("fe80::abcd")
	require.NoError(t, h.eng.Tx(make([]byte, 8), ProtoUDP, SockAddr{Addr: src},
		SockAddr{Addr: peer, ScopeID: h.dev.ScopeID()}, nil, nil))
	require.Len(t, h.neigh.pkts, 1)
	assert.Equal(t, src, Header(h.neigh.pkts[0]).Src())
}

func TestSockAddr(t *testing.T) {
	store := settings.NewStore()
	devs := netdev.NewRegistry(store)
	dev := testDevice()
	require.NoError(t, devs.Add(dev))

	for _, bad := range []string{"", "fe80::1::2", "192.168.0.1", "::ffff:10.0.0.1", "2001:db8::g", "[fe80::1%nope]"} {
		_, err := ParseSockAddr(devs, bad)
		assert.Error(t, err, bad)
	}

	sa, err := ParseSockAddr(devs, "[fe80::1]")
	require.NoError(t, err)
	assert.Equal(t, dev.ScopeID(), sa.ScopeID)
	assert.Equal(t, "fe80::1%net0", FormatSockAddr(devs, sa))

	sa, err = ParseSockAddr(devs, "fe80::1%net0")
	require.NoError(t, err)
	assert.Equal(t, dev.ScopeID(), sa.ScopeID)

	sa, err = ParseSockAddr(devs, "2001:db8::1")
	require.NoError(t, err)
	assert.Zero(t, sa.ScopeID)
	assert.Equal(t, "2001:db8::1", FormatSockAddr(devs, sa))

	assert.Equal(t, "ff02::1%UNKNOWN", FormatSockAddr(devs, SockAddr{Addr: netip.MustParseAddr("ff02::1"), ScopeID: 7}))
}
