package ipv6

import (
	"encoding/binary"
	"net/netip"
)

const (
	versTCFL   = 0
	payloadLen = 4
	nextHdr    = 6
	hopLimit   = 7
	srcAddr    = 8
	dstAddr    = 24
)

// HeaderLen is the size of the fixed IPv6 header.
const HeaderLen = 40

// DefaultHopLimit is used for every transmitted datagram.
const DefaultHopLimit = 255

// Next header values handled by the extension header walk.
const (
	ProtoHopByHop = 0
	ProtoTCP      = 6
	ProtoUDP      = 17
	ProtoRouting  = 43
	ProtoFragment = 44
	ProtoICMPv6   = 58
	ProtoNone     = 59
	ProtoDestOpts = 60
)

// HeaderFields describes an IPv6 header to be encoded.
type HeaderFields struct {
	PayloadLength uint16
	NextHeader    uint8
	HopLimit      uint8
	Src           netip.Addr
	Dst           netip.Addr
}

// Header is a view of an IPv6 header stored in a byte slice.
type Header []byte

// Version returns the IP version field.
func (h Header) Version() uint8 { return h[versTCFL] >> 4 }

// PayloadLength returns the payload length field.
func (h Header) PayloadLength() uint16 { return binary.BigEndian.Uint16(h[payloadLen:]) }

// SetPayloadLength sets the payload length field.
func (h Header) SetPayloadLength(n uint16) { binary.BigEndian.PutUint16(h[payloadLen:], n) }

// NextHeader returns the next header field.
func (h Header) NextHeader() uint8 { return h[nextHdr] }

// SetNextHeader sets the next header field.
func (h Header) SetNextHeader(n uint8) { h[nextHdr] = n }

// HopLimit returns the hop limit field.
func (h Header) HopLimit() uint8 { return h[hopLimit] }

// Src returns the source address.
func (h Header) Src() netip.Addr { return netip.AddrFrom16([16]byte(h[srcAddr : srcAddr+16])) }

// SetSrc sets the source address.
func (h Header) SetSrc(a netip.Addr) {
	b := a.As16()
	copy(h[srcAddr:], b[:])
}

// Dst returns the destination address.
func (h Header) Dst() netip.Addr { return netip.AddrFrom16([16]byte(h[dstAddr : dstAddr+16])) }

// SetDst sets the destination address.
func (h Header) SetDst(a netip.Addr) {
	b := a.As16()
	copy(h[dstAddr:], b[:])
}

// Encode writes all fields into the header with a zero traffic class and
// flow label.
func (h Header) Encode(f *HeaderFields) {
	h[versTCFL] = 6 << 4
	h[1], h[2], h[3] = 0, 0, 0
	h.SetPayloadLength(f.PayloadLength)
	h[nextHdr] = f.NextHeader
	h[hopLimit] = f.HopLimit
	h.SetSrc(f.Src)
	h.SetDst(f.Dst)
}

// Fragment extension header layout.
const (
	FragmentHeaderLen = 8

	fragOffset = 2
	fragID     = 4
)

// FragmentHeader is a view of an IPv6 fragment extension header.
type FragmentHeader []byte

// NextHeader returns the header following the fragmented part.
func (f FragmentHeader) NextHeader() uint8 { return f[0] }

// Offset returns the fragment offset in bytes.
func (f FragmentHeader) Offset() int {
	return int(binary.BigEndian.Uint16(f[fragOffset:]) & 0xfff8)
}

// More reports whether more fragments follow.
func (f FragmentHeader) More() bool { return f[fragOffset+1]&1 != 0 }

// ID returns the fragment identification.
func (f FragmentHeader) ID() uint32 { return binary.BigEndian.Uint32(f[fragID:]) }

// FragmentFields describes a fragment header to be encoded.
type FragmentFields struct {
	NextHeader uint8
	Offset     int
	More       bool
	ID         uint32
}

// Encode writes the fragment header fields.
func (f FragmentHeader) Encode(ff *FragmentFields) {
	f[0] = ff.NextHeader
	f[1] = 0
	v := uint16(ff.Offset) & 0xfff8
	if ff.More {
		v |= 1
	}
	binary.BigEndian.PutUint16(f[fragOffset:], v)
	binary.BigEndian.PutUint32(f[fragID:], ff.ID)
}
