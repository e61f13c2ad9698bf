// Package udp implements UDP over the IPv6 engine: checksum verification
// on receive, checksum completion on transmit and port bindings.
package udp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/psaab/netboot/pkg/ipv6"
	"github.com/psaab/netboot/pkg/netdev"
)

const (
	udpSrcPort  = 0
	udpDstPort  = 2
	udpLength   = 4
	udpChecksum = 6
)

// HeaderLen is the size of a UDP header.
const HeaderLen = 8

var (
	ErrShort       = errors.New("UDP datagram too short")
	ErrBadChecksum = errors.New("UDP checksum mismatch")
	ErrNoPort      = errors.New("no UDP binding for port")
	ErrPortInUse   = errors.New("UDP port already bound")
)

// Fields describes a UDP header to be encoded.
type Fields struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

// Header is a UDP header stored in a byte slice.
type Header []byte

// SourcePort returns the "source port" field.
func (h Header) SourcePort() uint16 { return binary.BigEndian.Uint16(h[udpSrcPort:]) }

// DestinationPort returns the "destination port" field.
func (h Header) DestinationPort() uint16 { return binary.BigEndian.Uint16(h[udpDstPort:]) }

// Length returns the "length" field.
func (h Header) Length() uint16 { return binary.BigEndian.Uint16(h[udpLength:]) }

// Checksum returns the "checksum" field.
func (h Header) Checksum() uint16 { return binary.BigEndian.Uint16(h[udpChecksum:]) }

// Encode writes all fields.
func (h Header) Encode(f *Fields) {
	binary.BigEndian.PutUint16(h[udpSrcPort:], f.SrcPort)
	binary.BigEndian.PutUint16(h[udpDstPort:], f.DstPort)
	binary.BigEndian.PutUint16(h[udpLength:], f.Length)
	binary.BigEndian.PutUint16(h[udpChecksum:], f.Checksum)
}

// Handler receives datagrams addressed to a bound port.
type Handler func(data []byte, dev *netdev.Device, src, dst ipv6.SockAddr) error

// Protocol is the UDP transport instance attached to an engine.
type Protocol struct {
	eng   *ipv6.Engine
	binds map[uint16]Handler
}

// New creates the protocol and registers it with eng.
func New(eng *ipv6.Engine) *Protocol {
	p := &Protocol{eng: eng, binds: make(map[uint16]Handler)}
	eng.Register(ipv6.ProtoUDP, p)
	return p
}

// Bind attaches h to a local port.
func (p *Protocol) Bind(port uint16, h Handler) error {
	if _, ok := p.binds[port]; ok {
		return fmt.Errorf("port %d: %w", port, ErrPortInUse)
	}
	p.binds[port] = h
	return nil
}

// Unbind releases a local port.
func (p *Protocol) Unbind(port uint16) {
	delete(p.binds, port)
}

// Rx implements ipv6.Protocol.
func (p *Protocol) Rx(payload []byte, dev *netdev.Device, src, dst ipv6.SockAddr, csum uint16) error {
	if len(payload) < HeaderLen {
		return fmt.Errorf("%d bytes: %w", len(payload), ErrShort)
	}
	h := Header(payload)
	ulen := int(h.Length())
	if ulen < HeaderLen || ulen > len(payload) {
		return fmt.Errorf("length field %d of %d bytes: %w", ulen, len(payload), ErrShort)
	}
	payload = payload[:ulen]

	// A zero checksum is not permitted over IPv6.
	if h.Checksum() == 0 || ipv6.Checksum(payload, csum) != 0xffff {
		slog.Debug("UDP: bad checksum", "interface", dev.Name, "src", src.Addr, "checksum", h.Checksum())
		return ErrBadChecksum
	}

	src.Port = h.SourcePort()
	dst.Port = h.DestinationPort()
	handler, ok := p.binds[dst.Port]
	if !ok {
		slog.Debug("UDP: no binding", "port", dst.Port)
		return fmt.Errorf("port %d: %w", dst.Port, ErrNoPort)
	}
	return handler(payload[HeaderLen:], dev, src, dst)
}

// Tx sends data from src to dst. dev is used only when dst has no route.
func (p *Protocol) Tx(data []byte, src, dst ipv6.SockAddr, dev *netdev.Device) error {
	if len(data)+HeaderLen > 0xffff {
		return fmt.Errorf("datagram of %d bytes: %w", len(data), ipv6.ErrInvalidLength)
	}
	pkt := make([]byte, HeaderLen+len(data))
	Header(pkt).Encode(&Fields{
		SrcPort: src.Port,
		DstPort: dst.Port,
		Length:  uint16(len(pkt)),
	})
	copy(pkt[HeaderLen:], data)
	return p.eng.Tx(pkt, ipv6.ProtoUDP, src, dst, dev, &ipv6.TxChecksum{Offset: udpChecksum, Zero: 0xffff})
}
