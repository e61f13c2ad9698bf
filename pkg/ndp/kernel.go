package ndp

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/vishvananda/netlink"

	"github.com/psaab/netboot/pkg/netdev"
)

// LoadKernel seeds the cache with the kernel's usable IPv6 neighbours on
// dev. It returns the number of entries added.
func (c *Cache) LoadKernel(dev *netdev.Device) (int, error) {
	neighs, err := netlink.NeighList(dev.Index, netlink.FAMILY_V6)
	if err != nil {
		return 0, fmt.Errorf("list neighbours on %s: %w", dev.Name, err)
	}
	n := 0
	for _, nb := range neighs {
		// Accept REACHABLE, STALE, or PERMANENT entries.
		if nb.State&(netlink.NUD_REACHABLE|netlink.NUD_STALE|netlink.NUD_PERMANENT) == 0 {
			continue
		}
		if len(nb.HardwareAddr) != 6 {
			continue
		}
		addr, ok := netip.AddrFromSlice(nb.IP)
		if !ok || !addr.Is6() {
			continue
		}
		c.Add(dev, addr, nb.HardwareAddr, Kernel)
		n++
	}
	slog.Debug("NDP: loaded kernel neighbours", "interface", dev.Name, "count", n)
	return n, nil
}
