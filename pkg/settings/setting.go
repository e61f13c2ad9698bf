// Package settings implements a hierarchical store of configuration values
// learned from DHCP, derived from link-layer addresses, or set statically.
//
// Values live in blocks. Each block is backed by a Source, has an order
// among its siblings, and may have children. A fetch searches a block and
// then its children depth first and reports which block supplied the value.
package settings

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
)

// Type describes how a raw setting value is interpreted.
type Type int

const (
	TypeString Type = iota
	TypeIPv4
	TypeIPv6
	TypeInt8
	TypeUint8
	TypeUint16
	TypeUint32
	TypeHex
)

// Scope restricts the blocks a setting applies to. Settings with a nil
// scope are DHCP options and apply to DHCP packet blocks.
type Scope struct {
	Name string
}

// IPv6Scope holds the IPv6 address configuration settings.
var IPv6Scope = &Scope{Name: "ipv6"}

// Setting names one configuration value.
type Setting struct {
	Name        string
	Description string
	Tag         uint32
	Type        Type
	Scope       *Scope
}

func (s *Setting) String() string { return s.Name }

// Encap returns the tag of sub-option sub within encapsulated option code.
func Encap(code, sub uint8) uint32 {
	return uint32(code)<<8 | uint32(sub)
}

// Well-known DHCP option codes used as encapsulation containers.
const (
	OptVendorEncap = 43
	OptEtherboot   = 175
)

var (
	IP         = &Setting{Name: "ip", Description: "IP address", Tag: Encap(OptEtherboot, 3), Type: TypeIPv4}
	NextServer = &Setting{Name: "next-server", Description: "TFTP server", Tag: Encap(OptEtherboot, 4), Type: TypeIPv4}
	Netmask    = &Setting{Name: "netmask", Description: "Subnet mask", Tag: 1, Type: TypeIPv4}
	Gateway    = &Setting{Name: "gateway", Description: "Default gateway", Tag: 3, Type: TypeIPv4}
	DNS        = &Setting{Name: "dns", Description: "DNS server", Tag: 6, Type: TypeIPv4}
	Hostname   = &Setting{Name: "hostname", Description: "Host name", Tag: 12, Type: TypeString}
	Domain     = &Setting{Name: "domain", Description: "DNS domain", Tag: 15, Type: TypeString}
	RootPath   = &Setting{Name: "root-path", Description: "SAN root path", Tag: 17, Type: TypeString}
	VendorID   = &Setting{Name: "vendor-class", Description: "Vendor class identifier", Tag: 60, Type: TypeString}
	Filename   = &Setting{Name: "filename", Description: "Boot filename", Tag: 67, Type: TypeString}
	UserClass  = &Setting{Name: "user-class", Description: "User class identifier", Tag: 77, Type: TypeString}

	Priority  = &Setting{Name: "priority", Description: "Priority of these settings", Tag: Encap(OptEtherboot, 1), Type: TypeInt8}
	NoPXEDHCP = &Setting{Name: "no-pxedhcp", Description: "Ignore ProxyDHCP offers", Tag: Encap(OptEtherboot, 0xb0), Type: TypeUint8}

	PXEDiscoveryControl = &Setting{Name: "pxe-discovery-control", Description: "PXE boot server discovery control", Tag: Encap(OptVendorEncap, 6), Type: TypeUint8}
	PXEBootMulticast    = &Setting{Name: "pxe-boot-mcast", Description: "PXE boot server discovery multicast address", Tag: Encap(OptVendorEncap, 7), Type: TypeIPv4}
	PXEBootServers      = &Setting{Name: "pxe-boot-servers", Description: "PXE boot servers", Tag: Encap(OptVendorEncap, 8), Type: TypeHex}
	PXEBootMenu         = &Setting{Name: "pxe-boot-menu", Description: "PXE boot menu", Tag: Encap(OptVendorEncap, 9), Type: TypeHex}
	PXEBootMenuItem     = &Setting{Name: "pxe-boot-menu-item", Description: "PXE boot menu item", Tag: Encap(OptVendorEncap, 71), Type: TypeHex}

	IP6      = &Setting{Name: "ip6", Description: "IPv6 address", Tag: 1, Type: TypeIPv6, Scope: IPv6Scope}
	Len6     = &Setting{Name: "len6", Description: "IPv6 prefix length", Tag: 2, Type: TypeUint8, Scope: IPv6Scope}
	Gateway6 = &Setting{Name: "gateway6", Description: "IPv6 gateway", Tag: 3, Type: TypeIPv6, Scope: IPv6Scope}
)

// Known lists the settings shown by the status API.
var Known = []*Setting{
	IP, Netmask, Gateway, DNS, Hostname, Domain, NextServer, Filename, RootPath,
	VendorID, UserClass, Priority, NoPXEDHCP,
	PXEDiscoveryControl, PXEBootMulticast, PXEBootServers, PXEBootMenu, PXEBootMenuItem,
	IP6, Len6, Gateway6,
}

// Format renders a raw value according to the setting's type.
func Format(s *Setting, raw []byte) string {
	switch s.Type {
	case TypeString:
		return string(raw)
	case TypeIPv4:
		if len(raw) == 0 || len(raw)%4 != 0 {
			return hex.EncodeToString(raw)
		}
		var parts []string
		for i := 0; i < len(raw); i += 4 {
			parts = append(parts, netip.AddrFrom4([4]byte(raw[i:i+4])).String())
		}
		return strings.Join(parts, ",")
	case TypeIPv6:
		if len(raw) != 16 {
			return hex.EncodeToString(raw)
		}
		return netip.AddrFrom16([16]byte(raw)).String()
	case TypeInt8:
		if len(raw) < 1 {
			return ""
		}
		return fmt.Sprintf("%d", int8(raw[0]))
	case TypeUint8, TypeUint16, TypeUint32:
		return fmt.Sprintf("%d", uintValue(raw))
	default:
		return hex.EncodeToString(raw)
	}
}

// uintValue interprets up to four big-endian bytes as an unsigned integer.
func uintValue(raw []byte) uint32 {
	switch {
	case len(raw) >= 4:
		return binary.BigEndian.Uint32(raw)
	case len(raw) == 2:
		return uint32(binary.BigEndian.Uint16(raw))
	}
	var v uint32
	for _, b := range raw {
		v = v<<8 | uint32(b)
	}
	return v
}
