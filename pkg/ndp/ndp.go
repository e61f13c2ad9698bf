// Package ndp resolves IPv6 next hops to link-layer addresses for unicast
// transmission. Entries are configured statically, seeded from the kernel
// neighbour table, or learned passively from received traffic. Solicitation
// is not implemented: a datagram to an unknown neighbour fails with
// ErrUnresolved.
package ndp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sort"

	"github.com/google/gopacket/layers"

	"github.com/psaab/netboot/pkg/netdev"
)

// ErrUnresolved is returned when no link-layer address is known.
var ErrUnresolved = errors.New("neighbour unresolved")

// Origin records how an entry was learned.
type Origin int

const (
	Learned Origin = iota
	Kernel
	Static
)

func (o Origin) String() string {
	switch o {
	case Static:
		return "static"
	case Kernel:
		return "kernel"
	}
	return "learned"
}

type key struct {
	scopeID int
	addr    netip.Addr
}

// Entry is one neighbour cache entry.
type Entry struct {
	ScopeID int              `json:"scope_id"`
	Addr    netip.Addr       `json:"addr"`
	HWAddr  net.HardwareAddr `json:"-"`
	MAC     string           `json:"mac"`
	Origin  Origin           `json:"-"`
	Source  string           `json:"origin"`
}

// Cache is a neighbour cache. It is owned by the protocol loop.
type Cache struct {
	entries map[key]*Entry
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[key]*Entry)}
}

// Add installs or replaces an entry. An entry never downgrades to a
// less authoritative origin.
func (c *Cache) Add(dev *netdev.Device, addr netip.Addr, hw net.HardwareAddr, origin Origin) {
	k := key{dev.ScopeID(), addr.WithZone("")}
	if old, ok := c.entries[k]; ok && old.Origin > origin {
		return
	}
	c.entries[k] = &Entry{
		ScopeID: k.scopeID,
		Addr:    k.addr,
		HWAddr:  append(net.HardwareAddr(nil), hw...),
		MAC:     hw.String(),
		Origin:  origin,
		Source:  origin.String(),
	}
}

// Learn records the link-layer source of a received datagram. Only
// unicast link-local sources are learned.
func (c *Cache) Learn(dev *netdev.Device, src netip.Addr, hw net.HardwareAddr) {
	if !src.Is6() || !src.IsLinkLocalUnicast() || len(hw) != 6 || hw[0]&0x01 != 0 {
		return
	}
	k := key{dev.ScopeID(), src.WithZone("")}
	if old, ok := c.entries[k]; ok && old.HWAddr.String() == hw.String() {
		return
	}
	slog.Debug("NDP: learned neighbour", "interface", dev.Name, "addr", src, "mac", hw)
	c.Add(dev, src, hw, Learned)
}

// Lookup returns the link-layer address of addr on dev.
func (c *Cache) Lookup(dev *netdev.Device, addr netip.Addr) (net.HardwareAddr, bool) {
	e, ok := c.entries[key{dev.ScopeID(), addr.WithZone("")}]
	if !ok {
		return nil, false
	}
	return e.HWAddr, true
}

// Flush removes every entry learned on dev.
func (c *Cache) Flush(dev *netdev.Device) {
	for k := range c.entries {
		if k.scopeID == dev.ScopeID() {
			delete(c.entries, k)
		}
	}
}

// Entries returns a sorted copy of the cache.
func (c *Cache) Entries() []Entry {
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScopeID != out[j].ScopeID {
			return out[i].ScopeID < out[j].ScopeID
		}
		return out[i].Addr.Less(out[j].Addr)
	})
	return out
}

// Tx transmits pkt to nextHop if its link-layer address is known.
func (c *Cache) Tx(pkt []byte, dev *netdev.Device, nextHop, src netip.Addr, llSrc net.HardwareAddr) error {
	hw, ok := c.Lookup(dev, nextHop)
	if !ok {
		slog.Debug("NDP: no neighbour entry", "interface", dev.Name, "next_hop", nextHop, "src", src)
		return fmt.Errorf("%s on %s: %w", nextHop, dev.Name, ErrUnresolved)
	}
	return dev.Transmit(hw, layers.EthernetTypeIPv6, pkt)
}
