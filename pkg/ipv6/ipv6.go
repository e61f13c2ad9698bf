// Package ipv6 implements the IPv6 network layer: address classification,
// the minirouting table, datagram reception with extension header
// processing and fragment reassembly, and datagram transmission with
// source selection and transport checksum completion.
package ipv6

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket/layers"

	"github.com/psaab/netboot/pkg/fragment"
	"github.com/psaab/netboot/pkg/ipstat"
	"github.com/psaab/netboot/pkg/netdev"
	"github.com/psaab/netboot/pkg/settings"
)

var (
	ErrInvalidLength      = errors.New("invalid IPv6 length")
	ErrUnsupportedVersion = errors.New("unsupported IP version")
	ErrUnsupportedOption  = errors.New("unsupported IPv6 option")
	ErrNotLocal           = errors.New("not a local IPv6 address")
	ErrNetUnreachable     = errors.New("network unreachable")
	ErrUnknownProtocol    = errors.New("unknown transport protocol")
)

// Protocol is a transport protocol receiving datagrams from the engine.
// csum is the uninverted pseudo-header checksum for the payload.
type Protocol interface {
	Rx(payload []byte, dev *netdev.Device, src, dst SockAddr, csum uint16) error
}

// NeighbourTx transmits a unicast datagram once the link-layer address of
// nextHop is known.
type NeighbourTx interface {
	Tx(pkt []byte, dev *netdev.Device, nextHop, src netip.Addr, llSrc net.HardwareAddr) error
}

// TxChecksum asks Tx to complete a transport checksum.
type TxChecksum struct {
	// Offset of the 16-bit checksum field within the payload.
	Offset int
	// Zero is sent instead of a computed checksum of zero.
	Zero uint16
}

// Options configures an Engine.
type Options struct {
	Devices           *netdev.Registry
	Settings          *settings.Store
	Neighbours        NeighbourTx
	ReassemblyTimeout time.Duration
	Now               func() time.Time
}

// Engine is the IPv6 protocol instance. It is driven from one goroutine.
type Engine struct {
	Routes *Table
	Stats  *ipstat.Stats

	devs   *netdev.Registry
	store  *settings.Store
	neigh  NeighbourTx
	reasm  *fragment.Reassembler
	protos map[uint8]Protocol
	now    func() time.Time
}

// New creates an engine and subscribes it to settings changes so the
// routing table always reflects the configured addresses.
func New(opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	stats := ipstat.New("ipv6")
	e := &Engine{
		Routes: NewTable(),
		Stats:  stats,
		devs:   opts.Devices,
		store:  opts.Settings,
		neigh:  opts.Neighbours,
		reasm:  fragment.New(reassemblyFamily{}, stats, opts.ReassemblyTimeout),
		protos: make(map[uint8]Protocol),
		now:    now,
	}
	e.store.OnChange(e.RebuildRoutes)
	return e
}

// Register attaches a transport protocol.
func (e *Engine) Register(proto uint8, p Protocol) {
	e.protos[proto] = p
}

// Tick expires stale fragment reassembly sets.
func (e *Engine) Tick(now time.Time) {
	e.reasm.Expire(now)
}

// Netdev returns the device a datagram to dst would leave through.
func (e *Engine) Netdev(dst SockAddr) *netdev.Device {
	mr, _, ok := e.Routes.Route(dst.ScopeID, dst.Addr)
	if !ok {
		return nil
	}
	return mr.Dev
}

// Rx processes one received datagram. A nil error means the datagram was
// delivered or retained for reassembly.
func (e *Engine) Rx(pkt []byte, dev *netdev.Device, flags netdev.RxFlags) error {
	e.Stats.InReceives.Add(1)
	e.Stats.InOctets.Add(uint64(len(pkt)))
	switch {
	case flags&netdev.LLBroadcast != 0:
		e.Stats.InBcastPkts.Add(1)
	case flags&netdev.LLMulticast != 0:
		e.Stats.InMcastPkts.Add(1)
	}

	if len(pkt) < HeaderLen {
		return e.headerError(fmt.Errorf("packet too short at %d bytes: %w", len(pkt), ErrInvalidLength))
	}
	h := Header(pkt)
	if h.Version() != 6 {
		return e.headerError(fmt.Errorf("version %d: %w", h.Version(), ErrUnsupportedVersion))
	}

	plen := int(h.PayloadLength())
	if plen > len(pkt)-HeaderLen {
		e.Stats.InTruncatedPkts.Add(1)
		slog.Debug("IPv6: length too long", "len", plen, "packet", len(pkt))
		return fmt.Errorf("payload length %d exceeds packet: %w", plen, ErrInvalidLength)
	}
	pkt = pkt[:HeaderLen+plen]

	if flags&netdev.LLMulticast == 0 && !IsMulticast(h.Dst()) && !e.Routes.HasAddr(dev, h.Dst()) {
		e.Stats.InAddrErrors.Add(1)
		slog.Debug("IPv6: discarding non-local unicast packet", "interface", dev.Name, "dst", h.Dst())
		return fmt.Errorf("%s: %w", h.Dst(), ErrNotLocal)
	}

	hdrLen := HeaderLen
	next := h.NextHeader()
	for {
		this := next
		// Every header after the fixed one, the upper-layer header
		// included, is at least 8 bytes.
		if len(pkt) < hdrLen+minExtLen {
			return e.headerError(fmt.Errorf("too short for extension header %d: %w", this, ErrInvalidLength))
		}
		ext := pkt[hdrLen:]

		var extLen int
		switch this {
		case ProtoHopByHop, ProtoDestOpts, ProtoRouting:
			extLen = 8 + 8*int(ext[1])
		case ProtoFragment:
			extLen = FragmentHeaderLen
		}
		if extLen == 0 {
			break
		}
		if len(pkt) < hdrLen+extLen {
			return e.headerError(fmt.Errorf("too short for extension header %d length %d: %w", this, extLen, ErrInvalidLength))
		}
		hdrLen += extLen
		next = ext[0]

		switch this {
		case ProtoHopByHop, ProtoDestOpts:
			if err := checkOptions(ext[2:extLen]); err != nil {
				return e.headerError(err)
			}
		case ProtoFragment:
			out, outHdrLen, ok := e.reasm.Reassemble(pkt, hdrLen, e.now())
			if !ok {
				return nil
			}
			pkt, hdrLen = out, outHdrLen
			h = Header(pkt)
			total := len(pkt) - HeaderLen
			if total > 0xffff {
				return e.headerError(fmt.Errorf("reassembled length %d: %w", total, ErrInvalidLength))
			}
			h.SetPayloadLength(uint16(total))
		}
	}

	src := SockAddr{Addr: h.Src(), ScopeID: dev.ScopeID()}
	dst := SockAddr{Addr: h.Dst(), ScopeID: dev.ScopeID()}
	payload := pkt[hdrLen:]
	csum := PseudoHeaderChecksum(src.Addr, dst.Addr, len(payload), next)

	p, ok := e.protos[next]
	if !ok {
		e.Stats.InUnknownProtos.Add(1)
		return fmt.Errorf("next header %d: %w", next, ErrUnknownProtocol)
	}
	e.Stats.InDelivers.Add(1)
	return p.Rx(payload, dev, src, dst, csum)
}

// minExtLen is the smallest extension or upper-layer header accepted.
const minExtLen = 8

func (e *Engine) headerError(err error) error {
	e.Stats.InHdrErrors.Add(1)
	slog.Debug("IPv6: header error", "err", err)
	return err
}

// checkOptions verifies every option in a hop-by-hop or destination
// options header may be skipped when unrecognised.
func checkOptions(opts []byte) error {
	for i := 0; i < len(opts); {
		typ := opts[i]
		if typ&0xc0 != 0 {
			return fmt.Errorf("option type %#02x: %w", typ, ErrUnsupportedOption)
		}
		if typ == 0 {
			i++
			continue
		}
		if i+1 >= len(opts) {
			return fmt.Errorf("truncated option %#02x: %w", typ, ErrInvalidLength)
		}
		i += 2 + int(opts[i+1])
	}
	return nil
}

// Tx prepends an IPv6 header to payload and transmits it. The route to
// dst chooses the device and source address; dev is used only when no
// route exists. A specified src overrides the route's address. If csum
// is non-nil the transport checksum is completed over the pseudo-header.
func (e *Engine) Tx(payload []byte, proto uint8, src, dst SockAddr, dev *netdev.Device, csum *TxChecksum) error {
	e.Stats.OutRequests.Add(1)

	if len(payload) > 0xffff {
		return fmt.Errorf("payload of %d bytes: %w", len(payload), ErrInvalidLength)
	}
	pkt := make([]byte, HeaderLen+len(payload))
	copy(pkt[HeaderLen:], payload)
	h := Header(pkt)
	h.Encode(&HeaderFields{
		PayloadLength: uint16(len(payload)),
		NextHeader:    proto,
		HopLimit:      DefaultHopLimit,
		Dst:           dst.Addr,
	})

	nextHop := h.Dst()
	var srcAddr netip.Addr
	if mr, hop, ok := e.Routes.Route(dst.ScopeID, dst.Addr); ok {
		srcAddr = mr.Address
		dev = mr.Dev
		nextHop = hop
	}
	if dev == nil {
		e.Stats.OutNoRoutes.Add(1)
		slog.Debug("IPv6: no route", "dst", dst.Addr)
		return fmt.Errorf("%s: %w", dst.Addr, ErrNetUnreachable)
	}
	if src.Addr.IsValid() && !IsUnspecified(src.Addr) {
		srcAddr = src.Addr
	}
	if srcAddr.IsValid() {
		h.SetSrc(srcAddr)
	}

	if csum != nil {
		body := pkt[HeaderLen:]
		if csum.Offset < 0 || csum.Offset+2 > len(body) {
			return fmt.Errorf("checksum offset %d outside payload: %w", csum.Offset, ErrInvalidLength)
		}
		body[csum.Offset], body[csum.Offset+1] = 0, 0
		sum := ^Checksum(body, PseudoHeaderChecksum(h.Src(), h.Dst(), len(body), proto))
		if sum == 0 {
			sum = csum.Zero
		}
		binary.BigEndian.PutUint16(body[csum.Offset:], sum)
	}

	if IsMulticast(nextHop) {
		e.Stats.OutMcastPkts.Add(1)
		ll, err := netdev.MulticastHash(nextHop)
		if err != nil {
			return fmt.Errorf("hash multicast %s: %w", nextHop, err)
		}
		e.Stats.OutTransmits.Add(1)
		e.Stats.OutOctets.Add(uint64(len(pkt)))
		return dev.Transmit(ll, layers.EthernetTypeIPv6, pkt)
	}

	e.Stats.OutTransmits.Add(1)
	e.Stats.OutOctets.Add(uint64(len(pkt)))
	if e.neigh == nil {
		return fmt.Errorf("%s: no neighbour resolver", nextHop)
	}
	return e.neigh.Tx(pkt, dev, nextHop, h.Src(), dev.HWAddr)
}

// reassemblyFamily locates IPv6 fragment headers: the fragment header is
// the last eight bytes of the unfragmentable part.
type reassemblyFamily struct{}

func (reassemblyFamily) IsFragment(set *fragment.Set, pkt []byte, hdrLen int) bool {
	first := set.Header()
	return Header(first).Src() == Header(pkt).Src() &&
		FragmentHeader(first[len(first)-FragmentHeaderLen:]).ID() ==
			FragmentHeader(pkt[hdrLen-FragmentHeaderLen:]).ID()
}

func (reassemblyFamily) Offset(pkt []byte, hdrLen int) int {
	return FragmentHeader(pkt[hdrLen-FragmentHeaderLen:]).Offset()
}

func (reassemblyFamily) More(pkt []byte, hdrLen int) bool {
	return FragmentHeader(pkt[hdrLen-FragmentHeaderLen:]).More()
}
