package ipv6

import (
	"net/netip"
)

// Scope is the topological reach of an address. Multicast addresses carry
// their scope in the second octet; unicast scopes use the same numbering.
type Scope uint8

const (
	ScopeInterfaceLocal Scope = 0x1
	ScopeLinkLocal      Scope = 0x2
	ScopeAdminLocal     Scope = 0x4
	ScopeSiteLocal      Scope = 0x5
	ScopeOrgLocal       Scope = 0x8
	ScopeGlobal         Scope = 0xe
	ScopeMax            Scope = 0xf
)

func (s Scope) String() string {
	switch s {
	case ScopeInterfaceLocal:
		return "interface-local"
	case ScopeLinkLocal:
		return "link-local"
	case ScopeAdminLocal:
		return "admin-local"
	case ScopeSiteLocal:
		return "site-local"
	case ScopeOrgLocal:
		return "organisation-local"
	case ScopeGlobal:
		return "global"
	}
	return "scope-" + string("0123456789abcdef"[s&0xf])
}

// IsUnspecified reports whether a is ::.
func IsUnspecified(a netip.Addr) bool {
	return a.As16() == [16]byte{}
}

// IsMulticast reports whether a is in ff00::/8.
func IsMulticast(a netip.Addr) bool {
	return a.As16()[0] == 0xff
}

// IsLinkLocal reports whether a is in fe80::/10.
func IsLinkLocal(a netip.Addr) bool {
	b := a.As16()
	return b[0] == 0xfe && b[1]&0xc0 == 0x80
}

// IsSiteLocal reports whether a is in the deprecated fec0::/10.
func IsSiteLocal(a netip.Addr) bool {
	b := a.As16()
	return b[0] == 0xfe && b[1]&0xc0 == 0xc0
}

// IsULA reports whether a is a unique local address (fc00::/7).
func IsULA(a netip.Addr) bool {
	return a.As16()[0]&0xfe == 0xfc
}

// ScopeOf classifies an address. Unique local addresses have no formal
// scope and are placed between site-local and global.
func ScopeOf(a netip.Addr) Scope {
	switch {
	case IsMulticast(a):
		return Scope(a.As16()[1] & 0x0f)
	case IsLinkLocal(a):
		return ScopeLinkLocal
	case IsSiteLocal(a):
		return ScopeSiteLocal
	case IsULA(a):
		return ScopeOrgLocal
	}
	return ScopeGlobal
}

// prefixMask returns a 128-bit mask with the leading n bits set.
func prefixMask(n int) [16]byte {
	var m [16]byte
	for i := 0; i < 16 && n > 0; i++ {
		if n >= 8 {
			m[i] = 0xff
			n -= 8
		} else {
			m[i] = 0xff << (8 - n)
			n = 0
		}
	}
	return m
}

// EUI64 builds the modified EUI-64 interface identifier for a 48-bit MAC.
func EUI64(mac []byte) ([8]byte, bool) {
	var id [8]byte
	if len(mac) != 6 {
		return id, false
	}
	id[0] = mac[0] ^ 0x02
	id[1] = mac[1]
	id[2] = mac[2]
	id[3] = 0xff
	id[4] = 0xfe
	id[5] = mac[3]
	id[6] = mac[4]
	id[7] = mac[5]
	return id, true
}

// LinkLocalAddr returns fe80::/64 combined with the EUI-64 of mac.
func LinkLocalAddr(mac []byte) (netip.Addr, bool) {
	id, ok := EUI64(mac)
	if !ok {
		return netip.Addr{}, false
	}
	var b [16]byte
	b[0], b[1] = 0xfe, 0x80
	copy(b[8:], id[:])
	return netip.AddrFrom16(b), true
}
