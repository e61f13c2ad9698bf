package daemon

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/google/gopacket/layers"

	"github.com/psaab/netboot/pkg/config"
	"github.com/psaab/netboot/pkg/ipv6"
	"github.com/psaab/netboot/pkg/ndp"
	"github.com/psaab/netboot/pkg/netdev"
	"github.com/psaab/netboot/pkg/settings"
	"github.com/psaab/netboot/pkg/udp"
)

// StaticOrder sorts configured addresses after the link-local block and
// ahead of DHCP-learned settings.
const StaticOrder = -2

// stack is the protocol state owned by the event loop.
type stack struct {
	store  *settings.Store
	devs   *netdev.Registry
	neigh  *ndp.Cache
	engine *ipv6.Engine
	udp    *udp.Protocol
}

func newStack(cfg *config.Config) (*stack, error) {
	store := settings.NewStore()
	devs := netdev.NewRegistry(store)
	neigh := ndp.New()
	eng := ipv6.New(ipv6.Options{
		Devices:           devs,
		Settings:          store,
		Neighbours:        neigh,
		ReassemblyTimeout: cfg.IPv6.ReassemblyTimeout,
	})
	s := &stack{
		store:  store,
		devs:   devs,
		neigh:  neigh,
		engine: eng,
		udp:    udp.New(eng),
	}
	if cfg.UDP.EchoPort != 0 {
		if err := s.udp.BindEcho(cfg.UDP.EchoPort); err != nil {
			return nil, fmt.Errorf("udp echo: %w", err)
		}
		slog.Info("UDP: echo service bound", "port", cfg.UDP.EchoPort)
	}
	return s, nil
}

// addInterface registers dev and applies its static configuration.
func (s *stack) addInterface(dev *netdev.Device, ifc *config.InterfaceConfig) error {
	if err := s.devs.Add(dev); err != nil {
		return err
	}
	if err := s.engine.AddDevice(dev); err != nil {
		return err
	}
	if ifc == nil {
		return nil
	}
	if err := s.applyStatic(dev, ifc); err != nil {
		return err
	}
	for _, n := range ifc.Neighbours {
		hw, err := n.HardwareAddr()
		if err != nil {
			return fmt.Errorf("%s: neighbour %s: %w", dev.Name, n.Address, err)
		}
		s.neigh.Add(dev, n.Address, hw, ndp.Static)
	}
	if ifc.KernelNeighbours {
		if _, err := s.neigh.LoadKernel(dev); err != nil {
			slog.Warn("NDP: failed to load kernel neighbours", "interface", dev.Name, "err", err)
		}
	}
	return nil
}

// applyStatic registers one settings block per configured IPv6 address.
// The gateway goes with the first address, or with the link-local
// address if none is configured.
func (s *stack) applyStatic(dev *netdev.Device, ifc *config.InterfaceConfig) error {
	prefixes := ifc.Addresses6
	if len(prefixes) == 0 && ifc.Gateway6.IsValid() {
		ll, ok := ipv6.LinkLocalAddr(dev.HWAddr)
		if !ok {
			return fmt.Errorf("%s: gateway6 needs an address", dev.Name)
		}
		prefixes = []netip.Prefix{netip.PrefixFrom(ll, 64)}
	}
	for i, p := range prefixes {
		mem := settings.NewMemory(settings.IPv6Scope)
		addr := p.Addr().As16()
		mem.Store(settings.IP6, addr[:])
		mem.Store(settings.Len6, []byte{byte(p.Bits())})
		if i == 0 && ifc.Gateway6.IsValid() {
			gw := ifc.Gateway6.As16()
			mem.Store(settings.Gateway6, gw[:])
		}
		name := fmt.Sprintf("static%d", i)
		if err := s.store.Register(settings.NewBlock(mem, StaticOrder), dev.Settings(), name); err != nil {
			return fmt.Errorf("%s: %w", dev.Name, err)
		}
	}
	return nil
}

// rxFrame hands a received Ethernet frame to the IPv6 engine, learning
// the sender's link-layer address on the way. Runs on the loop.
func (s *stack) rxFrame(dev *netdev.Device, data []byte) {
	f, err := netdev.Decode(data)
	if err != nil {
		slog.Debug("netdev: bad frame", "interface", dev.Name, "err", err)
		return
	}
	if f.EtherType != layers.EthernetTypeIPv6 {
		return
	}
	if len(f.Payload) >= ipv6.HeaderLen {
		s.neigh.Learn(dev, ipv6.Header(f.Payload).Src(), f.Src)
	}
	if err := s.engine.Rx(f.Payload, dev, f.Flags); err != nil {
		slog.Debug("IPv6: datagram dropped", "interface", dev.Name, "err", err)
	}
}
