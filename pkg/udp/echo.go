package udp

import (
	"log/slog"
	"net/netip"

	"github.com/psaab/netboot/pkg/ipv6"
	"github.com/psaab/netboot/pkg/netdev"
)

// DefaultEchoPort is the RFC 862 echo port.
const DefaultEchoPort = 7

// BindEcho answers every datagram received on port with a copy of it.
func (p *Protocol) BindEcho(port uint16) error {
	return p.Bind(port, func(data []byte, dev *netdev.Device, src, dst ipv6.SockAddr) error {
		slog.Debug("UDP: echo", "interface", dev.Name, "peer", src.Addr, "port", src.Port, "len", len(data))
		// Reply from the address the request was sent to unless that was
		// a multicast group.
		from := dst
		if ipv6.IsMulticast(from.Addr) {
			from.Addr = netip.Addr{}
		}
		return p.Tx(data, from, src, dev)
	})
}
