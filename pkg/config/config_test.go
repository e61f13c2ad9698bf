package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psaab/netboot/pkg/dhcp"
)

const sample = `
log-level: debug
api-addr: "[::1]:9090"
state-dir: /run/netboot
interfaces:
  - name: eth0
    dhcp: true
    pxe-type: 5
    install-address: true
  - name: eth1
    addresses6: ["2001:db8::10/64"]
    gateway6: fe80::1
    neighbours:
      - address: fe80::1
        mac: 02:00:00:00:00:01
dhcp:
  user-class: netboot
  max-offers: 4
  timeouts:
    proxy-wait: 5s
  cached:
    dhcp: /run/netboot/dhcpack.bin
ipv6:
  reassembly-timeout: 2s
udp:
  echo-port: 7
syslog:
  - host: 192.0.2.9
    severity: warning
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "[::1]:9090", cfg.APIAddr)
	assert.Equal(t, "/run/netboot", cfg.StateDir)
	assert.Equal(t, []string{"eth0", "eth1"}, cfg.InterfaceNames())

	eth0 := cfg.Interface("eth0")
	require.NotNil(t, eth0)
	assert.True(t, eth0.DHCP)
	assert.Equal(t, uint16(5), eth0.PXEType)
	assert.True(t, eth0.InstallAddress)

	eth1 := cfg.Interface("eth1")
	require.NotNil(t, eth1)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("2001:db8::10/64")}, eth1.Addresses6)
	assert.Equal(t, netip.MustParseAddr("fe80::1"), eth1.Gateway6)
	require.Len(t, eth1.Neighbours, 1)
	hw, err := eth1.Neighbours[0].HardwareAddr()
	require.NoError(t, err)
	assert.Equal(t, "02:00:00:00:00:01", hw.String())
	assert.Nil(t, cfg.Interface("eth2"))

	assert.Equal(t, "netboot", cfg.DHCP.UserClass)
	assert.Equal(t, 4, cfg.DHCP.MaxOffers)
	assert.Equal(t, 5*time.Second, cfg.DHCP.Timeouts.ProxyWait)
	// Unset timeouts keep their defaults.
	assert.Equal(t, dhcp.DefaultTimeouts().DiscoverMax, cfg.DHCP.Timeouts.DiscoverMax)
	assert.Equal(t, uint16(DefaultArch), cfg.DHCP.Arch)
	assert.Equal(t, map[string]string{"dhcp": "/run/netboot/dhcpack.bin"}, cfg.DHCP.Cached)

	assert.Equal(t, 2*time.Second, cfg.IPv6.ReassemblyTimeout)
	assert.Equal(t, uint16(7), cfg.UDP.EchoPort)
	require.Len(t, cfg.Syslog, 1)
	assert.Equal(t, 514, cfg.Syslog[0].Port)
	assert.Equal(t, "warning", cfg.Syslog[0].Severity)
	assert.Empty(t, cfg.Warnings)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"unknown field", "bogus: 1\n", "field bogus not found"},
		{"log level", "log-level: loud\n", "log-level"},
		{"empty state dir", "state-dir: \"\"\n", "state-dir"},
		{"missing name", "interfaces: [{dhcp: true}]\n", "interfaces[0]: name is required"},
		{"duplicate", "interfaces: [{name: a, dhcp: true}, {name: a, dhcp: true}]\n", "duplicate"},
		{"ipv4 prefix", "interfaces: [{name: a, addresses6: [\"192.0.2.1/24\"]}]\n", "not an IPv6 prefix"},
		{"bad prefix", "interfaces: [{name: a, addresses6: [\"nonsense\"]}]\n", "parse config"},
		{"multicast prefix", "interfaces: [{name: a, addresses6: [\"ff02::1/128\"]}]\n", "multicast"},
		{"ipv4 gateway", "interfaces: [{name: a, gateway6: 192.0.2.1}]\n", "gateway6"},
		{"bad mac", "interfaces: [{name: a, neighbours: [{address: \"fe80::1\", mac: zz}]}]\n", "neighbours[0]: mac"},
		{"neighbour v4", "interfaces: [{name: a, neighbours: [{address: 192.0.2.1, mac: \"02:00:00:00:00:01\"}]}]\n", "must be IPv6"},
		{"min above max", "dhcp: {timeouts: {discover-min: 40s}}\n", "dhcp: timeouts: discover"},
		{"negative offers", "dhcp: {max-offers: -1}\n", "max-offers"},
		{"cached name", "dhcp: {cached: {lease: /tmp/x}}\n", "unknown packet"},
		{"syslog host", "syslog: [{port: 514}]\n", "syslog[0]: host"},
		{"syslog severity", "syslog: [{host: h, severity: loud}]\n", "unknown severity"},
		{"reassembly", "ipv6: {reassembly-timeout: -1s}\n", "reassembly-timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWarnings(t *testing.T) {
	cfg, err := Parse([]byte("interfaces: [{name: a}, {name: b, pxe-type: 3, addresses6: [\"2001:db8::1/64\"]}]\n"))
	require.NoError(t, err)
	assert.Len(t, cfg.Warnings, 2)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "netboot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(path, []byte("log-level: loud\n"), 0o644))
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}
