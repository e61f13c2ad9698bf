package dhcp

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"github.com/psaab/netboot/pkg/netdev"
	"github.com/psaab/netboot/pkg/settings"
)

// ErrAlreadyCached is returned when a packet of the same kind was already
// recorded.
var ErrAlreadyCached = errors.New("DHCP packet already cached")

type cachedPacket struct {
	name string
	msg  *dhcpv4.DHCPv4
	used bool
	dev  *netdev.Device
}

// Cache holds DHCP packets obtained outside this process, such as those
// left behind by a previous boot stage. The DHCPACK is registered on the
// device whose MAC address matches its chaddr; ProxyDHCP and PXEBS
// replies are registered at the root.
type Cache struct {
	store   *settings.Store
	packets map[string]*cachedPacket
}

// NewCache returns an empty cache registering into store.
func NewCache(store *settings.Store) *Cache {
	return &Cache{store: store, packets: make(map[string]*cachedPacket)}
}

// Record stores a packet as the cached packet called name, one of
// SettingsName, ProxySettingsName or PXEBSSettingsName.
func (c *Cache) Record(name string, data []byte) error {
	switch name {
	case SettingsName, ProxySettingsName, PXEBSSettingsName:
	default:
		return fmt.Errorf("cached packet %q: unknown name", name)
	}
	if _, ok := c.packets[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrAlreadyCached)
	}
	msg, err := dhcpv4.FromBytes(data)
	if err != nil {
		return fmt.Errorf("cached %s packet: %w", name, err)
	}
	c.packets[name] = &cachedPacket{name: name, msg: msg}
	slog.Info("CACHEDHCP: recorded packet", "name", name, "chaddr", msg.ClientHWAddr,
		"type", msg.MessageType())
	return nil
}

// RecordFile reads a cached packet from path.
func (c *Cache) RecordFile(name, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read cached %s packet: %w", name, err)
	}
	return c.Record(name, data)
}

// Apply registers the cached packets that belong to dev, or the root
// packets if dev is nil. Each packet is registered at most once.
func (c *Cache) Apply(dev *netdev.Device) error {
	for _, name := range []string{SettingsName, ProxySettingsName, PXEBSSettingsName} {
		p := c.packets[name]
		if p == nil || p.used {
			continue
		}
		var parent *settings.Block
		if name == SettingsName {
			if dev == nil {
				continue
			}
			if !hwEqual(p.msg.ClientHWAddr, dev.HWAddr) {
				slog.Debug("CACHEDHCP: chaddr does not match", "name", name,
					"chaddr", p.msg.ClientHWAddr, "interface", dev.Name)
				continue
			}
			parent = dev.Settings()
		} else if dev != nil {
			continue
		}

		if registered(c.store, parent, name) {
			return fmt.Errorf("cached %s: settings block already registered", name)
		}
		b := settings.NewBlock(NewPacketSettings(p.msg), 0)
		if err := c.store.Register(b, parent, name); err != nil {
			return fmt.Errorf("cached %s: %w", name, err)
		}
		p.used = true
		p.dev = dev
		slog.Info("CACHEDHCP: registered packet", "name", name, "block", b.Path())
	}
	return nil
}

// Satisfied reports whether a cached DHCPACK was registered for dev.
func (c *Cache) Satisfied(dev *netdev.Device) bool {
	p := c.packets[SettingsName]
	return p != nil && p.used && p.dev == dev
}
