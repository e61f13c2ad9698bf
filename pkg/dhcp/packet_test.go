package dhcp

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/uuid"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/iana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psaab/netboot/pkg/settings"
)

func TestSubOption(t *testing.T) {
	raw := []byte{0, 0, 6, 1, 3, 8, 2, 0xaa, 0xbb, 0xff, 9, 1, 1}
	assert.Equal(t, []byte{3}, subOption(raw, 6))
	assert.Equal(t, []byte{0xaa, 0xbb}, subOption(raw, 8))
	assert.Nil(t, subOption(raw, 9), "stops at end marker")
	assert.Nil(t, subOption([]byte{6, 5, 1}, 6), "truncated")
	assert.Nil(t, subOption(nil, 6))
}

func TestParseBootServers(t *testing.T) {
	raw := []byte{
		0x00, 0x05, 2, 192, 0, 2, 10, 192, 0, 2, 11,
		0x80, 0x01, 0,
		0x00, 0x06, 1, 192, 0, 2, 12,
	}
	got, err := ParseBootServers(raw)
	require.NoError(t, err)
	assert.Equal(t, []BootServer{
		{Type: 5, IPs: []netip.Addr{netip.MustParseAddr("192.0.2.10"), netip.MustParseAddr("192.0.2.11")}},
		{Type: 0x8001},
		{Type: 6, IPs: []netip.Addr{netip.MustParseAddr("192.0.2.12")}},
	}, got)

	got, err = ParseBootServers([]byte{0x00, 0x05, 1, 192, 0, 2, 10, 0x00, 0x06, 2, 192, 0, 2})
	assert.Error(t, err)
	require.Len(t, got, 1, "entries before the malformed one are kept")
	assert.Equal(t, uint16(5), got[0].Type)

	_, err = ParseBootServers([]byte{0x00})
	assert.Error(t, err)
}

func TestMenuItem(t *testing.T) {
	assert.Equal(t, []byte{0x80, 0x10, 0, 0}, menuItem(0x8010))
}

func TestEFIUUID(t *testing.T) {
	u := uuid.MustParse("00112233-4455-6677-8899-aabbccddeeff")
	assert.Equal(t, []byte{
		0x33, 0x22, 0x11, 0x00, 0x55, 0x44, 0x77, 0x66,
		0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff,
	}, efiUUID(u))
}

func TestVendorClass(t *testing.T) {
	assert.Equal(t, "PXEClient:Arch:00000:UNDI:002001", vendorClass(iana.INTEL_X86PC, [2]uint8{2, 1}))
	assert.Equal(t, "PXEClient:Arch:00016:UNDI:003010", vendorClass(iana.EFI_X86_64_HTTP, [2]uint8{3, 10}))
}

func TestPseudoID(t *testing.T) {
	peer := netip.MustParseAddrPort("192.0.2.200:67")
	msg, err := dhcpv4.New()
	require.NoError(t, err)
	assert.Equal(t, peer.Addr(), pseudoID(msg, peer))

	msg.ServerIPAddr = net.IPv4(192, 0, 2, 4)
	assert.Equal(t, netip.MustParseAddr("192.0.2.4"), pseudoID(msg, peer))

	msg.UpdateOption(dhcpv4.OptServerIdentifier(net.IPv4(192, 0, 2, 9)))
	assert.Equal(t, netip.MustParseAddr("192.0.2.9"), pseudoID(msg, peer))
}

func TestHasPXEOptions(t *testing.T) {
	msg, err := dhcpv4.New()
	require.NoError(t, err)
	assert.False(t, hasPXEOptions(msg))

	msg.ServerIPAddr = net.IPv4(192, 0, 2, 4)
	assert.False(t, hasPXEOptions(msg), "next-server without a filename")
	msg.BootFileName = "pxelinux.0"
	assert.True(t, hasPXEOptions(msg))

	menu, err := dhcpv4.New(bootMenu())
	require.NoError(t, err)
	assert.True(t, hasPXEOptions(menu))
}

func TestPacketSettings(t *testing.T) {
	msg, err := dhcpv4.New(
		dhcpv4.WithYourIP(net.IPv4(192, 0, 2, 50)),
		dhcpv4.WithServerIP(net.IPv4(192, 0, 2, 4)),
		dhcpv4.WithNetmask(net.CIDRMask(24, 32)),
		dhcpv4.WithOption(dhcpv4.OptRouter(net.IPv4(192, 0, 2, 254))),
		dhcpv4.WithGeneric(dhcpv4.GenericOptionCode(settings.OptVendorEncap), []byte{6, 1, 3, 0xff}),
	)
	require.NoError(t, err)
	msg.BootFileName = "ipxe.efi"

	store := settings.NewStore()
	require.NoError(t, store.Register(settings.NewBlock(NewPacketSettings(msg), 0), nil, SettingsName))

	ip, _, err := store.FetchIPv4(nil, settings.IP)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("192.0.2.50"), ip)

	ns, _, err := store.FetchIPv4(nil, settings.NextServer)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("192.0.2.4"), ns)

	gw, _, err := store.FetchIPv4(nil, settings.Gateway)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("192.0.2.254"), gw)

	mask, _, err := store.Fetch(nil, settings.Netmask)
	require.NoError(t, err)
	assert.Equal(t, []byte{255, 255, 255, 0}, mask)

	ctl, _, err := store.FetchUint(nil, settings.PXEDiscoveryControl)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), ctl)

	file, _, err := store.FetchString(nil, settings.Filename)
	require.NoError(t, err)
	assert.Equal(t, "ipxe.efi", file)

	_, _, err = store.Fetch(nil, settings.DNS)
	assert.ErrorIs(t, err, settings.ErrNotFound)
	_, _, err = store.Fetch(nil, settings.IP6)
	assert.ErrorIs(t, err, settings.ErrNotFound, "IPv6 settings never come from DHCP")
}
