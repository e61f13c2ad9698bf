package dhcp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/nclient4"

	"github.com/psaab/netboot/pkg/netdev"
)

// Poster queues a function for execution on the event loop.
type Poster interface {
	Post(fn func()) error
}

// RawDialer returns a DialFunc opening a raw broadcast UDP socket on the
// session's interface. The interface needs no IPv4 configuration.
// Received datagrams are posted to p.
func RawDialer(p Poster) DialFunc {
	return func(dev *netdev.Device, s *Session) (Transport, error) {
		conn, err := nclient4.NewRawUDPConn(dev.Name, BootpClientPort)
		if err != nil {
			return nil, fmt.Errorf("raw UDP socket: %w", err)
		}
		t := &rawTransport{conn: conn, dev: dev.Name}
		go t.readLoop(p, s)
		return t, nil
	}
}

type rawTransport struct {
	conn      net.PacketConn
	dev       string
	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

func (t *rawTransport) Send(msg *dhcpv4.DHCPv4, dst netip.AddrPort) error {
	_, err := t.conn.WriteTo(msg.ToBytes(), &net.UDPAddr{IP: ip4(dst.Addr()), Port: int(dst.Port())})
	return err
}

func (t *rawTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		err = t.conn.Close()
	})
	return err
}

func (t *rawTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *rawTransport) readLoop(p Poster, s *Session) {
	buf := make([]byte, MaxMessageSize)
	for {
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			if !t.isClosed() && !errors.Is(err, net.ErrClosed) {
				slog.Warn("DHCP: receive failed", "interface", t.dev, "err", err)
			}
			return
		}
		ua, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ua.IP.To4())
		if !ok {
			continue
		}
		peer := netip.AddrPortFrom(ip, uint16(ua.Port))
		data := append([]byte(nil), buf[:n]...)
		if err := p.Post(func() {
			if err := s.Deliver(data, peer); err != nil {
				slog.Debug("DHCP: discarded datagram", "interface", t.dev, "peer", peer, "err", err)
			}
		}); err != nil {
			return
		}
	}
}
