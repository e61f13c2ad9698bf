package netdev

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// PacketLink is a Link backed by an AF_PACKET socket bound to one
// interface and one EtherType.
type PacketLink struct {
	fd      int
	ifindex int
	proto   uint16
	name    string
}

// OpenPacketLink opens a raw packet socket on the interface for the given
// EtherType (unix.ETH_P_IPV6 for the IPv6 engine).
func OpenPacketLink(name string, ifindex int, proto uint16) (*PacketLink, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(proto)))
	if err != nil {
		return nil, fmt.Errorf("%s: packet socket: %w", name, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrLinklayer{
		Protocol: htons(proto),
		Ifindex:  ifindex,
	}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%s: bind packet socket: %w", name, err)
	}

	// Bounded receive so Run notices ctx cancellation.
	tv := unix.Timeval{Sec: 2}
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%s: set receive timeout: %w", name, err)
	}
	return &PacketLink{fd: fd, ifindex: ifindex, proto: proto, name: name}, nil
}

// Transmit implements Link.
func (l *PacketLink) Transmit(frame []byte) error {
	if len(frame) < 14 {
		return fmt.Errorf("%s: short frame (%d bytes)", l.name, len(frame))
	}
	addr := &unix.SockaddrLinklayer{
		Protocol: htons(l.proto),
		Ifindex:  l.ifindex,
		Halen:    6,
	}
	copy(addr.Addr[:6], frame[:6])
	if err := unix.Sendto(l.fd, frame, 0, addr); err != nil {
		return fmt.Errorf("%s: send: %w", l.name, err)
	}
	return nil
}

// Run reads frames until ctx is cancelled, passing a private copy of each
// to deliver.
func (l *PacketLink) Run(ctx context.Context, deliver func(frame []byte)) {
	buf := make([]byte, 9216)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, _, err := unix.Recvfrom(l.fd, buf, 0)
		if err != nil {
			// Timeout, loop and check ctx.
			continue
		}
		if n < 14 {
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		deliver(frame)
	}
}

// Close releases the socket.
func (l *PacketLink) Close() error {
	slog.Debug("netdev: closing packet link", "interface", l.name)
	return unix.Close(l.fd)
}

func htons(v uint16) uint16 {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return binary.NativeEndian.Uint16(b)
}
