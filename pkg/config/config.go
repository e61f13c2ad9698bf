// Package config loads and validates the netbootd configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/psaab/netboot/pkg/dhcp"
	"github.com/psaab/netboot/pkg/fragment"
)

// DefaultPath is where netbootd looks for its configuration.
const DefaultPath = "/etc/netboot/netboot.yaml"

// Defaults.
const (
	DefaultAPIAddr  = "127.0.0.1:8080"
	DefaultStateDir = "/var/lib/netboot"
	DefaultLogLevel = "info"
	DefaultArch     = 7 // EFI x86-64
)

// Config is the top-level configuration.
type Config struct {
	LogLevel   string             `yaml:"log-level"`
	APIAddr    string             `yaml:"api-addr"`
	APIToken   string             `yaml:"api-token"`
	StateDir   string             `yaml:"state-dir"`
	Interfaces []*InterfaceConfig `yaml:"interfaces"`
	DHCP       DHCPConfig         `yaml:"dhcp"`
	IPv6       IPv6Config         `yaml:"ipv6"`
	UDP        UDPConfig          `yaml:"udp"`
	Syslog     []*SyslogConfig    `yaml:"syslog"`

	Warnings []string `yaml:"-"` // non-fatal validation warnings
}

// InterfaceConfig configures one network interface.
type InterfaceConfig struct {
	Name string `yaml:"name"`
	// DHCP runs the DHCP client on the interface.
	DHCP bool `yaml:"dhcp"`
	// PXEType, if set, runs PXE boot server discovery for that boot
	// server type after DHCP completes.
	PXEType uint16 `yaml:"pxe-type"`
	// InstallAddress installs the leased IPv4 address in the kernel.
	InstallAddress bool `yaml:"install-address"`

	Addresses6 []netip.Prefix     `yaml:"addresses6"`
	Gateway6   netip.Addr         `yaml:"gateway6"`
	Neighbours []*NeighbourConfig `yaml:"neighbours"`
	// KernelNeighbours seeds the neighbour cache from the kernel.
	KernelNeighbours bool `yaml:"kernel-neighbours"`
}

// NeighbourConfig is a static IPv6 neighbour.
type NeighbourConfig struct {
	Address netip.Addr `yaml:"address"`
	MAC     string     `yaml:"mac"`
}

// DHCPConfig tunes the DHCP client.
type DHCPConfig struct {
	Arch      uint16        `yaml:"arch"`
	NDI       [2]uint8      `yaml:"ndi"`
	UserClass string        `yaml:"user-class"`
	MaxOffers int           `yaml:"max-offers"`
	Timeouts  dhcp.Timeouts `yaml:"timeouts"`
	// Cached names files holding DHCP packets obtained by an earlier boot
	// stage, keyed by "dhcp", "proxydhcp" or "pxebs".
	Cached map[string]string `yaml:"cached"`
}

// IPv6Config tunes the IPv6 engine.
type IPv6Config struct {
	ReassemblyTimeout time.Duration `yaml:"reassembly-timeout"`
}

// UDPConfig configures UDP services.
type UDPConfig struct {
	// EchoPort enables the echo service on that port; 0 disables it.
	EchoPort uint16 `yaml:"echo-port"`
}

// SyslogConfig is a remote syslog destination.
type SyslogConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Severity is the least severe level forwarded: error, warning,
	// info or debug. Empty forwards everything.
	Severity string `yaml:"severity"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a configuration document, applies defaults and validates
// the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: DefaultLogLevel,
		APIAddr:  DefaultAPIAddr,
		StateDir: DefaultStateDir,
		DHCP: DHCPConfig{
			Arch:      DefaultArch,
			NDI:       [2]uint8{2, 1},
			UserClass: "iPXE",
			MaxOffers: dhcp.DefaultMaxOffers,
			Timeouts:  dhcp.DefaultTimeouts(),
		},
		IPv6: IPv6Config{ReassemblyTimeout: fragment.DefaultTimeout},
	}
}

// Validate checks the configuration and records non-fatal problems in
// Warnings.
func (c *Config) Validate() error {
	c.Warnings = nil
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log-level: unknown level %q", c.LogLevel)
	}
	if c.StateDir == "" {
		return errors.New("state-dir: must not be empty")
	}

	seen := make(map[string]bool)
	for i, ifc := range c.Interfaces {
		if ifc == nil || ifc.Name == "" {
			return fmt.Errorf("interfaces[%d]: name is required", i)
		}
		if seen[ifc.Name] {
			return fmt.Errorf("interfaces: %s: duplicate interface", ifc.Name)
		}
		seen[ifc.Name] = true
		if err := ifc.validate(); err != nil {
			return fmt.Errorf("interfaces: %s: %w", ifc.Name, err)
		}
		if !ifc.DHCP && len(ifc.Addresses6) == 0 {
			c.Warnings = append(c.Warnings,
				fmt.Sprintf("interface %s has neither DHCP nor IPv6 addresses", ifc.Name))
		}
		if ifc.PXEType != 0 && !ifc.DHCP {
			c.Warnings = append(c.Warnings,
				fmt.Sprintf("interface %s: pxe-type ignored without dhcp", ifc.Name))
		}
	}

	if err := c.DHCP.validate(); err != nil {
		return fmt.Errorf("dhcp: %w", err)
	}
	for i, sl := range c.Syslog {
		if sl == nil || sl.Host == "" {
			return fmt.Errorf("syslog[%d]: host is required", i)
		}
		if sl.Port == 0 {
			sl.Port = 514
		}
		if sl.Port < 0 || sl.Port > 65535 {
			return fmt.Errorf("syslog[%d]: port %d out of range", i, sl.Port)
		}
		switch sl.Severity {
		case "", "error", "warning", "info", "debug":
		default:
			return fmt.Errorf("syslog[%d]: unknown severity %q", i, sl.Severity)
		}
	}
	if c.IPv6.ReassemblyTimeout < 0 {
		return errors.New("ipv6: reassembly-timeout: must not be negative")
	}
	return nil
}

func (ifc *InterfaceConfig) validate() error {
	for _, p := range ifc.Addresses6 {
		if !p.Addr().Is6() || p.Addr().Is4In6() {
			return fmt.Errorf("addresses6: %s is not an IPv6 prefix", p)
		}
		if p.Addr().IsMulticast() {
			return fmt.Errorf("addresses6: %s is a multicast address", p)
		}
	}
	if ifc.Gateway6.IsValid() && (!ifc.Gateway6.Is6() || ifc.Gateway6.Is4In6()) {
		return fmt.Errorf("gateway6: %s is not an IPv6 address", ifc.Gateway6)
	}
	for i, n := range ifc.Neighbours {
		if n == nil || !n.Address.Is6() {
			return fmt.Errorf("neighbours[%d]: address must be IPv6", i)
		}
		if _, err := n.HardwareAddr(); err != nil {
			return fmt.Errorf("neighbours[%d]: %w", i, err)
		}
	}
	return nil
}

// HardwareAddr parses the neighbour's MAC address.
func (n *NeighbourConfig) HardwareAddr() (net.HardwareAddr, error) {
	hw, err := net.ParseMAC(n.MAC)
	if err != nil {
		return nil, fmt.Errorf("mac: %w", err)
	}
	if len(hw) != 6 {
		return nil, fmt.Errorf("mac: %s is not an Ethernet address", n.MAC)
	}
	return hw, nil
}

func (d *DHCPConfig) validate() error {
	if d.MaxOffers < 0 {
		return fmt.Errorf("max-offers: %d must not be negative", d.MaxOffers)
	}
	t := d.Timeouts
	for _, r := range []struct {
		name     string
		min, max time.Duration
	}{
		{"discover", t.DiscoverMin, t.DiscoverMax},
		{"request", t.RequestMin, t.RequestMax},
		{"proxy", t.ProxyMin, t.ProxyMax},
		{"pxebs", t.PXEBSMin, t.PXEBSMax},
	} {
		if r.min < 0 || r.max < 0 {
			return fmt.Errorf("timeouts: %s: negative timeout", r.name)
		}
		if r.max != 0 && r.min > r.max {
			return fmt.Errorf("timeouts: %s: min %s exceeds max %s", r.name, r.min, r.max)
		}
	}
	if t.MaxDeferrals < 0 {
		return fmt.Errorf("timeouts: max-deferrals: %d must not be negative", t.MaxDeferrals)
	}
	for name, path := range d.Cached {
		switch name {
		case dhcp.SettingsName, dhcp.ProxySettingsName, dhcp.PXEBSSettingsName:
		default:
			return fmt.Errorf("cached: unknown packet %q", name)
		}
		if path == "" {
			return fmt.Errorf("cached: %s: empty path", name)
		}
	}
	return nil
}

// Interface returns the configuration for name, or nil.
func (c *Config) Interface(name string) *InterfaceConfig {
	for _, ifc := range c.Interfaces {
		if ifc.Name == name {
			return ifc
		}
	}
	return nil
}

// InterfaceNames returns the configured interface names in file order.
func (c *Config) InterfaceNames() []string {
	names := make([]string, 0, len(c.Interfaces))
	for _, ifc := range c.Interfaces {
		names = append(names, ifc.Name)
	}
	return names
}
