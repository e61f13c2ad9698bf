package dhcp

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/uuid"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/iana"

	"github.com/psaab/netboot/pkg/settings"
)

// UDP ports.
const (
	BootpServerPort = 67
	BootpClientPort = 68
	PXEPort         = 4011
)

// MaxMessageSize is the largest DHCP message we accept.
const MaxMessageSize = 1472

const pxeClientPrefix = "PXEClient"

// Option codes not named by the dhcpv4 package.
const (
	optVendorEncap  = settings.OptVendorEncap
	optClientNDI    = 94
	optClientUUID   = 97
	optEtherboot    = settings.OptEtherboot
	optISCSIInitiat = 203
	optPXEMenuItem  = 71 // within option 43
	pxeBootMenu     = 9  // within option 43
	pxeBootServers  = 8  // within option 43
	pxeDiscoveryCtl = 6  // within option 43
	pxeBootMcast    = 7  // within option 43
	ebPriority      = 1
	ebYIAddr        = 3
	ebSIAddr        = 4
	ebNoPXEDHCP     = 0xb0
)

// PXE discovery control bits (option 43.6).
const (
	pxebsNoBroadcast     = 1 << 0
	pxebsNoMulticast     = 1 << 1
	pxebsNoUnknownServer = 1 << 2
)

// requestedOptions is the parameter request list sent in every request.
var requestedOptions = []uint8{
	1, 3, 6, 7, 12, 15, 17, 26, 42, 43, 60, 66, 67, 119,
	128, 129, 130, 131, 132, 133, 134, 135,
	optEtherboot, optISCSIInitiat,
}

// features advertised in the Etherboot encapsulated option: PXE
// extensions version 2 and HTTP support.
var features = []byte{0x10, 1, 2, 0x15, 1, 1}

// subOption finds sub-option code within an encapsulated option value.
func subOption(raw []byte, code uint8) []byte {
	for len(raw) > 0 {
		tag := raw[0]
		if tag == 0 {
			raw = raw[1:]
			continue
		}
		if tag == 0xff || len(raw) < 2 {
			return nil
		}
		n := int(raw[1])
		if len(raw) < 2+n {
			return nil
		}
		if tag == code {
			return raw[2 : 2+n]
		}
		raw = raw[2+n:]
	}
	return nil
}

// encapsulated returns sub-option sub of option code in msg.
func encapsulated(msg *dhcpv4.DHCPv4, code, sub uint8) []byte {
	return subOption(msg.GetOneOption(dhcpv4.GenericOptionCode(code)), sub)
}

// hasPXEOptions reports whether msg carries enough to boot from: either a
// next-server and boot file, or a PXE boot menu.
func hasPXEOptions(msg *dhcpv4.DHCPv4) bool {
	siaddr := msg.ServerIPAddr.To4()
	if siaddr != nil && !siaddr.Equal(net.IPv4zero) && bootFile(msg) != "" {
		return true
	}
	return encapsulated(msg, optVendorEncap, pxeBootMenu) != nil
}

func bootFile(msg *dhcpv4.DHCPv4) string {
	if f := msg.BootFileNameOption(); f != "" {
		return f
	}
	return msg.BootFileName
}

// pseudoID identifies the server behind a reply: the server identifier,
// else the next-server field, else the sender address.
func pseudoID(msg *dhcpv4.DHCPv4, peer netip.AddrPort) netip.Addr {
	if a, ok := addrFrom4(msg.ServerIdentifier()); ok {
		return a
	}
	if a, ok := addrFrom4(msg.ServerIPAddr); ok {
		return a
	}
	return peer.Addr().Unmap()
}

// addrFrom4 converts a non-zero IPv4 address.
func addrFrom4(ip net.IP) (netip.Addr, bool) {
	a, ok := netip.AddrFromSlice(ip.To4())
	if !ok || a.IsUnspecified() {
		return netip.Addr{}, false
	}
	return a, true
}

func ip4(a netip.Addr) net.IP {
	if !a.IsValid() {
		return net.IPv4zero
	}
	b := a.Unmap().As4()
	return net.IP(b[:])
}

// BootServer is one entry of the PXE boot server list (option 43.8).
type BootServer struct {
	Type uint16
	IPs  []netip.Addr
}

// ParseBootServers decodes a PXE boot server list. Parsing stops at the
// first malformed entry.
func ParseBootServers(raw []byte) ([]BootServer, error) {
	var out []BootServer
	for len(raw) > 0 {
		if len(raw) < 3 {
			return out, fmt.Errorf("boot server entry of %d bytes: truncated", len(raw))
		}
		n := int(raw[2])
		size := 3 + 4*n
		if len(raw) < size {
			return out, fmt.Errorf("boot server type %#04x lists %d addresses in %d bytes: truncated",
				binary.BigEndian.Uint16(raw), n, len(raw)-3)
		}
		bs := BootServer{Type: binary.BigEndian.Uint16(raw)}
		for i := 0; i < n; i++ {
			off := 3 + 4*i
			bs.IPs = append(bs.IPs, netip.AddrFrom4([4]byte(raw[off:off+4])))
		}
		out = append(out, bs)
		raw = raw[size:]
	}
	return out, nil
}

// menuItem encodes a PXE boot menu item (option 43.71): type and layer.
func menuItem(pxeType uint16) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b, pxeType)
	return b
}

// efiUUID returns u in the mixed-endian layout used by SMBIOS and EFI.
func efiUUID(u uuid.UUID) []byte {
	b := make([]byte, 16)
	copy(b, u[:])
	b[0], b[1], b[2], b[3] = b[3], b[2], b[1], b[0]
	b[4], b[5] = b[5], b[4]
	b[6], b[7] = b[7], b[6]
	return b
}

// vendorClass returns the PXE vendor class identifier.
func vendorClass(arch iana.Arch, ndi [2]uint8) string {
	return fmt.Sprintf("PXEClient:Arch:%05d:UNDI:%03d%03d", uint16(arch), ndi[0], ndi[1])
}

// buildRequest constructs a DHCP request of msgType for the session.
func (s *Session) buildRequest(msgType dhcpv4.MessageType, extra ...dhcpv4.Modifier) (*dhcpv4.DHCPv4, error) {
	o := &s.c.opts

	var haveIP, havePXE uint16
	if s.nextOffer(OfferIP) != nil {
		haveIP = 1
	}
	if s.nextOffer(OfferPXE) != nil {
		havePXE = 1
	}

	prl := make([]dhcpv4.OptionCode, len(requestedOptions))
	for i, c := range requestedOptions {
		prl[i] = dhcpv4.GenericOptionCode(c)
	}
	clientID := append([]byte{byte(iana.HWTypeEthernet)}, s.dev.HWAddr...)

	mods := []dhcpv4.Modifier{
		dhcpv4.WithTransactionID(s.xid),
		dhcpv4.WithHwAddr(s.dev.HWAddr),
		dhcpv4.WithBroadcast(true),
		dhcpv4.WithClientIP(ip4(s.local)),
		dhcpv4.WithMessageType(msgType),
		dhcpv4.WithOption(dhcpv4.OptMaxMessageSize(MaxMessageSize)),
		dhcpv4.WithOption(dhcpv4.OptClientArch(o.Arch)),
		dhcpv4.WithGeneric(dhcpv4.GenericOptionCode(optClientNDI), []byte{1, o.NDI[0], o.NDI[1]}),
		dhcpv4.WithOption(dhcpv4.OptClassIdentifier(vendorClass(o.Arch, o.NDI))),
		dhcpv4.WithOption(dhcpv4.OptParameterRequestList(prl...)),
		dhcpv4.WithGeneric(dhcpv4.GenericOptionCode(optEtherboot), features),
		dhcpv4.WithOption(dhcpv4.OptClientIdentifier(clientID)),
		dhcpv4.WithGeneric(dhcpv4.GenericOptionCode(optClientUUID), append([]byte{0}, efiUUID(o.UUID)...)),
	}
	if o.UserClass != "" {
		mods = append(mods, dhcpv4.WithGeneric(dhcpv4.OptionUserClassInformation, []byte(o.UserClass)))
	}
	mods = append(mods, extra...)

	msg, err := dhcpv4.New(mods...)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", msgType, err)
	}
	msg.NumSeconds = uint16(s.count)<<2 | haveIP<<1 | havePXE
	return msg, nil
}

// PacketSettings exposes the options of a DHCP packet as a settings
// source. It applies to DHCP option settings only.
type PacketSettings struct {
	msg *dhcpv4.DHCPv4
}

// NewPacketSettings wraps msg.
func NewPacketSettings(msg *dhcpv4.DHCPv4) *PacketSettings {
	return &PacketSettings{msg: msg}
}

// Packet returns the underlying message.
func (p *PacketSettings) Packet() *dhcpv4.DHCPv4 { return p.msg }

// Applies implements settings.Source.
func (p *PacketSettings) Applies(s *settings.Setting) bool { return s.Scope == nil }

// Fetch implements settings.Source.
func (p *PacketSettings) Fetch(s *settings.Setting) ([]byte, bool) {
	switch s.Tag {
	case settings.Encap(optEtherboot, ebYIAddr):
		if a, ok := addrFrom4(p.msg.YourIPAddr); ok {
			b := a.As4()
			return b[:], true
		}
		return nil, false
	case settings.Encap(optEtherboot, ebSIAddr):
		if a, ok := addrFrom4(p.msg.ServerIPAddr); ok {
			b := a.As4()
			return b[:], true
		}
		return nil, false
	}

	if s.Tag > 0xff {
		v := encapsulated(p.msg, uint8(s.Tag>>8), uint8(s.Tag))
		return v, v != nil
	}
	if v := p.msg.GetOneOption(dhcpv4.GenericOptionCode(uint8(s.Tag))); v != nil {
		return v, true
	}
	switch s.Tag {
	case uint32(dhcpv4.OptionBootfileName.Code()):
		if p.msg.BootFileName != "" {
			return []byte(p.msg.BootFileName), true
		}
	case uint32(dhcpv4.OptionTFTPServerName.Code()):
		if p.msg.ServerHostName != "" {
			return []byte(p.msg.ServerHostName), true
		}
	}
	return nil, false
}

// registerPacket registers msg as a settings block named name under parent.
func (c *Client) registerPacket(msg *dhcpv4.DHCPv4, parent *settings.Block, name string) (*settings.Block, error) {
	b := settings.NewBlock(NewPacketSettings(msg), 0)
	if err := c.store.Register(b, parent, name); err != nil {
		return nil, fmt.Errorf("register %s settings: %w", name, err)
	}
	return b, nil
}
