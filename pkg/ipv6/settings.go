package ipv6

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/psaab/netboot/pkg/netdev"
	"github.com/psaab/netboot/pkg/settings"
)

// LinkLocalName is the name of the per-device block holding the
// link-local address derived from the MAC.
const LinkLocalName = "link"

// LinkLocalOrder sorts the link-local block ahead of learned settings.
const LinkLocalOrder = -3

// linkLocal supplies the EUI-64 link-local address of a device.
type linkLocal struct {
	addr netip.Addr
}

func (l *linkLocal) Applies(s *settings.Setting) bool {
	return s.Scope == settings.IPv6Scope
}

func (l *linkLocal) Fetch(s *settings.Setting) ([]byte, bool) {
	switch s {
	case settings.IP6:
		b := l.addr.As16()
		return b[:], true
	case settings.Len6:
		return []byte{64}, true
	}
	return nil, false
}

// AddDevice registers the link-local settings block for dev, which in
// turn installs the fe80::/64 route.
func (e *Engine) AddDevice(dev *netdev.Device) error {
	addr, ok := LinkLocalAddr(dev.HWAddr)
	if !ok {
		return fmt.Errorf("%s: cannot derive link-local address from %s", dev.Name, dev.HWAddr)
	}
	b := settings.NewBlock(&linkLocal{addr: addr}, LinkLocalOrder)
	if err := e.store.Register(b, dev.Settings(), LinkLocalName); err != nil {
		return fmt.Errorf("%s: %w", dev.Name, err)
	}
	return nil
}

// RebuildRoutes recreates the routing table from the settings tree. For
// each device the blocks are visited children first, in reverse
// precedence order, so the highest precedence entries end up at the head
// of the table. A block contributes only the values it holds itself.
func (e *Engine) RebuildRoutes() {
	e.Routes.Flush()
	for _, dev := range e.devs.All() {
		e.createRoutes(dev, dev.Settings())
	}
}

func (e *Engine) createRoutes(dev *netdev.Device, b *settings.Block) {
	children := b.Children()
	for i := len(children) - 1; i >= 0; i-- {
		e.createRoutes(dev, children[i])
	}

	addr, origin, err := e.store.FetchIPv6(b, settings.IP6)
	if err != nil || origin != b {
		return
	}

	prefixLen := 0
	if v, origin, err := e.store.FetchUint(b, settings.Len6); err == nil && origin == b {
		prefixLen = int(v)
		if prefixLen > 128 {
			prefixLen = 128
		}
	}

	var router netip.Addr
	if gw, origin, err := e.store.FetchIPv6(b, settings.Gateway6); err == nil && origin == b {
		router = gw
	}

	slog.Debug("IPv6: creating route from settings", "block", b.Path(), "address", addr,
		"prefix_len", prefixLen, "router", router)
	e.Routes.Add(dev, addr, prefixLen, router)
}
