package ipv6

import (
	"encoding/binary"
	"net/netip"
)

// Checksum returns the folded ones-complement sum of buf added to initial.
// The result is not inverted, so a buffer that includes a correct checksum
// sums to 0xffff.
func Checksum(buf []byte, initial uint16) uint16 {
	sum := uint32(initial)
	for i := 0; i+1 < len(buf); i += 2 {
		sum += uint32(buf[i])<<8 | uint32(buf[i+1])
	}
	if len(buf)%2 != 0 {
		sum += uint32(buf[len(buf)-1]) << 8
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return uint16(sum)
}

// PseudoHeaderChecksum returns the uninverted sum of the IPv6 pseudo-header
// for an upper-layer payload: source, destination, 32-bit length, three
// zero bytes and the next header value.
func PseudoHeaderChecksum(src, dst netip.Addr, length int, proto uint8) uint16 {
	var ph [40]byte
	s, d := src.As16(), dst.As16()
	copy(ph[0:], s[:])
	copy(ph[16:], d[:])
	binary.BigEndian.PutUint32(ph[32:], uint32(length))
	ph[39] = proto
	return Checksum(ph[:], 0)
}
