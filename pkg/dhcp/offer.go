package dhcp

import (
	"log/slog"
	"net/netip"
	"strings"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

// Validity records what an offer can be used for.
type Validity uint8

const (
	// OfferIP marks an offer carrying a usable address lease.
	OfferIP Validity = 1 << iota
	// OfferPXE marks an offer from a PXE-aware server.
	OfferPXE
)

func (v Validity) String() string {
	var parts []string
	if v&OfferIP != 0 {
		parts = append(parts, "ip")
	}
	if v&OfferPXE != 0 {
		parts = append(parts, "pxe")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// MarshalText implements encoding.TextMarshaler.
func (v Validity) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// DefaultMaxOffers is the number of offer slots per session.
const DefaultMaxOffers = 6

// Offer is one DHCPOFFER (or BOOTP reply) recorded during discovery.
type Offer struct {
	// Server is the server identifier, or siaddr, or the sender address.
	Server   netip.Addr `json:"server"`
	IP       netip.Addr `json:"ip"`
	Priority int8       `json:"priority"`
	NoPXE    bool       `json:"no_pxe"`
	Valid    Validity   `json:"valid"`

	// packet is retained only when it carries complete PXE options.
	packet *dhcpv4.DHCPv4
}

// Packet returns the retained offer packet, nil unless it carries PXE
// boot options.
func (o *Offer) Packet() *dhcpv4.DHCPv4 { return o.packet }

// HasPXEOptions reports whether the offer itself can be used as the
// ProxyDHCP settings layer.
func (o *Offer) HasPXEOptions() bool { return o.packet != nil }

// recordOffer classifies msg and stores it in a free slot.
func (s *Session) recordOffer(msg *dhcpv4.DHCPv4, peer netip.AddrPort, msgType dhcpv4.MessageType, server netip.Addr) {
	for _, o := range s.offers {
		if o.Server == server {
			slog.Debug("DHCP: duplicate offer", "interface", s.dev.Name, "server", server)
			return
		}
	}
	if len(s.offers) >= s.c.opts.MaxOffers {
		slog.Debug("DHCP: offer slots exhausted", "interface", s.dev.Name, "server", server)
		return
	}

	o := &Offer{Server: server}
	if ip, ok := netip.AddrFromSlice(msg.YourIPAddr.To4()); ok {
		o.IP = ip
	}
	pxeClient := strings.HasPrefix(msg.ClassIdentifier(), pxeClientPrefix)
	if v := encapsulated(msg, optEtherboot, ebPriority); len(v) > 0 {
		o.Priority = int8(v[0])
	}
	if v := encapsulated(msg, optEtherboot, ebNoPXEDHCP); len(v) > 0 && v[0] != 0 {
		o.NoPXE = true
	}
	if hasPXEOptions(msg) {
		o.packet = msg
	}

	if o.IP.IsValid() && !o.IP.IsUnspecified() && peer.Port() == BootpServerPort &&
		(msgType == dhcpv4.MessageTypeOffer || msgType == dhcpv4.MessageTypeNone) {
		o.Valid |= OfferIP
	}
	if pxeClient && msgType == dhcpv4.MessageTypeOffer {
		o.Valid |= OfferPXE
	}

	slog.Debug("DHCP: recorded offer", "interface", s.dev.Name, "server", server,
		"ip", o.IP, "priority", o.Priority, "valid", o.Valid, "no_pxe", o.NoPXE,
		"pxe_options", o.packet != nil)
	if o.Valid == 0 {
		slog.Debug("DHCP: ignoring unusable offer", "interface", s.dev.Name,
			"server", server, "type", msgType, "port", peer.Port())
		return
	}
	s.offers = append(s.offers, o)
	s.c.metrics.offers.WithLabelValues(s.dev.Name).Inc()
}

// nextOffer returns the best offer with the required validity. Priority
// ranks first; among equal priorities an offer only displaces the current
// best if its validity bits are not a subset of the best's.
func (s *Session) nextOffer(required Validity) *Offer {
	var best *Offer
	for _, o := range s.offers {
		if o.Valid&required == 0 {
			continue
		}
		switch {
		case best == nil:
			best = o
		case o.Priority > best.Priority:
			best = o
		case o.Priority == best.Priority && o.Valid&^best.Valid != 0:
			best = o
		}
	}
	return best
}

// Offers returns a copy of the recorded offers.
func (s *Session) Offers() []Offer {
	out := make([]Offer, len(s.offers))
	for i, o := range s.offers {
		out[i] = *o
	}
	return out
}
