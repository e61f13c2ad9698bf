package dhcp

import (
	"encoding/binary"
	"log/slog"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/psaab/netboot/pkg/settings"
)

// state is one phase of a session.
type state interface {
	String() string
	msgType() dhcpv4.MessageType
	limits(t *Timeouts) (min, max time.Duration)
	// tx returns the destination and the state-specific options of the
	// next request.
	tx(s *Session) (netip.AddrPort, []dhcpv4.Modifier)
	rx(s *Session, r *reply)
	expired(s *Session)
}

// Discover

type discoverState struct{}

func (discoverState) String() string              { return "discovery" }
func (discoverState) msgType() dhcpv4.MessageType { return dhcpv4.MessageTypeDiscover }

func (discoverState) limits(t *Timeouts) (time.Duration, time.Duration) {
	return t.DiscoverMin, t.DiscoverMax
}

func (discoverState) tx(s *Session) (netip.AddrPort, []dhcpv4.Modifier) {
	return netip.AddrPortFrom(broadcast, BootpServerPort), nil
}

func (discoverState) rx(s *Session, r *reply) {
	s.recordOffer(r.msg, r.peer, r.msgType, r.pseudoID)

	// Leave discovery once there is an address offer and either it
	// disables ProxyDHCP, a PXE offer exists, or we have waited long
	// enough for one.
	ip := s.nextOffer(OfferIP)
	if ip == nil {
		return
	}
	if !ip.NoPXE && s.nextOffer(OfferPXE) == nil && s.elapsed() <= s.c.opts.Timeouts.ProxyWait {
		return
	}
	s.setState(requestState{})
}

func (discoverState) expired(s *Session) {
	if s.nextOffer(OfferIP) != nil && s.elapsed() > s.c.opts.Timeouts.ProxyWait {
		s.setState(requestState{})
		return
	}
	s.transmit()
	if s.dev.LinkBlocked() {
		s.deferDiscovery()
	}
}

// Request

type requestState struct{}

func (requestState) String() string              { return "request" }
func (requestState) msgType() dhcpv4.MessageType { return dhcpv4.MessageTypeRequest }

func (requestState) limits(t *Timeouts) (time.Duration, time.Duration) {
	return t.RequestMin, t.RequestMax
}

func (requestState) tx(s *Session) (netip.AddrPort, []dhcpv4.Modifier) {
	s.current = s.nextOffer(OfferIP)
	dst := netip.AddrPortFrom(broadcast, BootpServerPort)
	if s.current == nil {
		return dst, nil
	}
	slog.Debug("DHCP: requesting", "interface", s.dev.Name,
		"ip", s.current.IP, "server", s.current.Server)
	return dst, []dhcpv4.Modifier{
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(ip4(s.current.Server))),
		dhcpv4.WithOption(dhcpv4.OptRequestedIPAddress(ip4(s.current.IP))),
	}
}

func (requestState) rx(s *Session, r *reply) {
	if r.msgType == dhcpv4.MessageTypeOffer {
		s.recordOffer(r.msg, r.peer, r.msgType, r.pseudoID)
		if best := s.nextOffer(OfferIP); s.current != nil && best != s.current {
			slog.Info("DHCP: preferring new offer", "interface", s.dev.Name,
				"server", best.Server, "ip", best.IP)
			s.setState(requestState{})
		}
		return
	}

	if r.peer.Port() != BootpServerPort {
		return
	}
	if s.current == nil || r.pseudoID != s.current.Server {
		return
	}
	if r.msgType == dhcpv4.MessageTypeNak {
		s.offers, s.current = nil, nil
		if !s.deferDiscovery() {
			s.setState(discoverState{})
		}
		return
	}
	if r.msgType != dhcpv4.MessageTypeNone && r.msgType != dhcpv4.MessageTypeAck {
		return
	}
	ip, _ := addrFrom4(r.msg.YourIPAddr)
	if ip != s.current.IP {
		return
	}

	s.local = ip
	if _, err := s.c.registerPacket(r.msg, s.dev.Settings(), SettingsName); err != nil {
		s.finish(err)
		return
	}
	s.c.store.Unregister(s.c.store.Find(ProxySettingsName))
	s.c.store.Unregister(s.c.store.Find(PXEBSSettingsName))

	pxe := s.nextOffer(OfferPXE)
	switch {
	case pxe == nil || s.current.NoPXE || (pxe == s.current && pxe.HasPXEOptions()):
		// Nothing more to ask for, or the lease already carried the
		// PXE options.
		s.finish(nil)
	case pxe.Valid&OfferIP != 0 && pxe.HasPXEOptions():
		// The PXE options arrived with a full offer; use them as they are.
		if _, err := s.c.registerPacket(pxe.Packet(), nil, ProxySettingsName); err != nil {
			s.finish(err)
			return
		}
		s.finish(nil)
	default:
		s.pxe = pxe
		s.setState(proxyState{})
	}
}

func (requestState) expired(s *Session) {
	s.transmit()
}

// ProxyDHCP

type proxyState struct{}

func (proxyState) String() string              { return "ProxyDHCP" }
func (proxyState) msgType() dhcpv4.MessageType { return dhcpv4.MessageTypeRequest }

func (proxyState) limits(t *Timeouts) (time.Duration, time.Duration) {
	return t.ProxyMin, t.ProxyMax
}

func (proxyState) tx(s *Session) (netip.AddrPort, []dhcpv4.Modifier) {
	slog.Debug("DHCP: ProxyDHCP request", "interface", s.dev.Name, "server", s.pxe.Server)
	return netip.AddrPortFrom(s.pxe.Server, PXEPort), []dhcpv4.Modifier{
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(ip4(s.pxe.Server))),
	}
}

func (proxyState) rx(s *Session, r *reply) {
	if r.peer.Port() == BootpServerPort && r.msgType == dhcpv4.MessageTypeOffer {
		s.recordOffer(r.msg, r.peer, r.msgType, r.pseudoID)
		return
	}
	if r.peer.Port() != PXEPort {
		return
	}
	if r.msgType != dhcpv4.MessageTypeOffer && r.msgType != dhcpv4.MessageTypeAck {
		return
	}
	if r.pseudoID != s.pxe.Server || !hasPXEOptions(r.msg) {
		return
	}
	if _, err := s.c.registerPacket(r.msg, nil, ProxySettingsName); err != nil {
		s.finish(err)
		return
	}
	s.finish(nil)
}

func (proxyState) expired(s *Session) {
	if s.elapsed() <= s.c.opts.Timeouts.ProxyGiveUp {
		s.transmit()
		return
	}

	slog.Info("DHCP: ProxyDHCP server not responding", "interface", s.dev.Name, "server", s.pxe.Server)
	s.pxe.Valid &^= OfferPXE
	s.pxe.Priority = -1
	if s.nextOffer(OfferPXE) == nil {
		s.finish(nil)
		return
	}
	s.local = netip.Addr{}
	s.setState(requestState{})
}

// PXE boot server discovery

type pxebsState struct{}

func (pxebsState) String() string              { return "PXEBS" }
func (pxebsState) msgType() dhcpv4.MessageType { return dhcpv4.MessageTypeRequest }

func (pxebsState) limits(t *Timeouts) (time.Duration, time.Duration) {
	return t.PXEBSMin, t.PXEBSMax
}

func (pxebsState) tx(s *Session) (netip.AddrPort, []dhcpv4.Modifier) {
	addr := s.attempts[0]
	port := uint16(PXEPort)
	if addr == broadcast {
		port = BootpServerPort
	}
	slog.Debug("DHCP: PXEBS request", "interface", s.dev.Name, "server", addr, "port", port, "type", s.pxeType)
	vendor := append([]byte{optPXEMenuItem, 4}, menuItem(s.pxeType)...)
	vendor = append(vendor, 0xff)
	return netip.AddrPortFrom(addr, port), []dhcpv4.Modifier{
		dhcpv4.WithGeneric(dhcpv4.OptionVendorSpecificInformation, vendor),
	}
}

func (pxebsState) rx(s *Session, r *reply) {
	if p := r.peer.Port(); p != BootpServerPort && p != PXEPort {
		return
	}
	if r.msgType != dhcpv4.MessageTypeAck {
		return
	}
	item := encapsulated(r.msg, optVendorEncap, optPXEMenuItem)
	if len(item) < 2 || binary.BigEndian.Uint16(item) != s.pxeType {
		return
	}
	if !s.accepts(r.pseudoID) {
		slog.Debug("DHCP: rejecting boot server", "interface", s.dev.Name, "server", r.pseudoID)
		return
	}
	if _, err := s.c.registerPacket(r.msg, nil, PXEBSSettingsName); err != nil {
		s.finish(err)
		return
	}
	s.finish(nil)
}

func (pxebsState) expired(s *Session) {
	if s.elapsed() <= s.c.opts.Timeouts.PXEBSWait {
		s.transmit()
		return
	}
	s.attempts = s.attempts[1:]
	if len(s.attempts) == 0 {
		s.finish(ErrTimedOut)
		return
	}
	s.setState(pxebsState{})
}

func (s *Session) accepts(server netip.Addr) bool {
	if !s.filter {
		return true
	}
	for _, a := range s.accept {
		if a == server {
			return true
		}
	}
	return false
}

// registered reports whether a settings block of the given name exists
// under parent (the root if nil).
func registered(store *settings.Store, parent *settings.Block, name string) bool {
	if parent == nil {
		return store.Find(name) != nil
	}
	for _, c := range parent.Children() {
		if c.Name == name {
			return true
		}
	}
	return false
}
