package ipv6

import (
	"encoding/binary"
	"log/slog"
	"math/bits"
	"net/netip"

	"github.com/psaab/netboot/pkg/netdev"
)

// RouteFlags describe what a miniroute provides.
type RouteFlags uint8

const (
	// HasAddress marks an entry whose address is usable as a source.
	HasAddress RouteFlags = 1 << iota
	// HasRouter marks an entry with a default router.
	HasRouter
)

// defaultPrefixLen is used when a route is added without a prefix length.
const defaultPrefixLen = 64

// Miniroute is one routing table entry: an on-link prefix on a device,
// optionally with a local address and a router.
type Miniroute struct {
	Dev       *netdev.Device
	Address   netip.Addr
	PrefixLen int
	Router    netip.Addr
	Scope     Scope
	Flags     RouteFlags

	mask [16]byte
}

// MatchLen returns the number of leading bits in which addr agrees with the
// entry's address under its prefix mask. Matching stops at the end of the
// mask, so the result never exceeds PrefixLen and equals it exactly when
// addr is on-link.
func (mr *Miniroute) MatchLen(addr netip.Addr) int {
	a := mr.Address.As16()
	b := addr.As16()
	n := 0
	for i := 0; i < 16; i += 4 {
		same := ^(binary.BigEndian.Uint32(a[i:]) ^ binary.BigEndian.Uint32(b[i:]))
		diff := ^(same & binary.BigEndian.Uint32(mr.mask[i:]))
		n += 32
		if diff != 0 {
			n -= bits.Len32(diff)
			break
		}
	}
	return n
}

// Table is the minirouting table. New and updated entries go to the head,
// so iteration order favours the most recently configured entry.
type Table struct {
	routes []*Miniroute
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{}
}

// Add inserts or updates the entry for address on dev. An existing entry
// on the same device whose prefix covers address is moved to the head and
// updated. A zero prefixLen means the default of 64. A valid router
// marks the entry as offering a default route.
func (t *Table) Add(dev *netdev.Device, address netip.Addr, prefixLen int, router netip.Addr) *Miniroute {
	address = address.WithZone("")
	var mr *Miniroute
	for i, r := range t.routes {
		if r.Dev == dev && r.MatchLen(address) >= r.PrefixLen {
			mr = r
			t.routes = append(t.routes[:i], t.routes[i+1:]...)
			break
		}
	}
	if mr == nil {
		if prefixLen <= 0 {
			prefixLen = defaultPrefixLen
		}
		if prefixLen > 128 {
			prefixLen = 128
		}
		mr = &Miniroute{
			Dev:       dev,
			Address:   address,
			PrefixLen: prefixLen,
			mask:      prefixMask(prefixLen),
		}
	}
	t.routes = append([]*Miniroute{mr}, t.routes...)

	// Host bits present, or a host route, mean this is a local address.
	a := address.As16()
	for i := range a {
		if a[i]&^mr.mask[i] != 0 {
			mr.Address = address
			mr.Flags |= HasAddress
			break
		}
	}
	if mr.PrefixLen == 128 {
		mr.Flags |= HasAddress
	}
	mr.Scope = ScopeOf(mr.Address)

	if router.IsValid() {
		mr.Router = router.WithZone("")
		mr.Flags |= HasRouter
	}

	slog.Debug("IPv6: miniroute added",
		"interface", dev.Name, "address", mr.Address, "prefix_len", mr.PrefixLen,
		"router", mr.Router, "flags", mr.Flags)
	return mr
}

// Delete removes an entry.
func (t *Table) Delete(mr *Miniroute) {
	for i, r := range t.routes {
		if r == mr {
			t.routes = append(t.routes[:i], t.routes[i+1:]...)
			return
		}
	}
}

// Flush removes every entry.
func (t *Table) Flush() {
	t.routes = nil
}

// Route selects the entry used to reach dest and the next hop. A non-zero
// scopeID restricts the search to the device with that scope id. An
// on-link match is returned as soon as it is found; otherwise the best
// off-link candidate by scope and match length is used. ok is false when
// no entry qualifies.
func (t *Table) Route(scopeID int, dest netip.Addr) (mr *Miniroute, nextHop netip.Addr, ok bool) {
	dest = dest.WithZone("")
	destScope := ScopeOf(dest)
	multicast := IsMulticast(dest)

	var best *Miniroute
	bestScore := -1
	for _, r := range t.routes {
		if !r.Dev.IsOpen() {
			continue
		}
		if r.Flags&HasAddress == 0 {
			continue
		}
		if scopeID != 0 && r.Dev.ScopeID() != scopeID {
			continue
		}
		if r.Scope < destScope {
			continue
		}

		match := r.MatchLen(dest)
		if match >= r.PrefixLen {
			return r, dest, true
		}

		if !multicast && r.Flags&HasRouter == 0 {
			continue
		}
		score := (int(ScopeMax)+1-int(r.Scope))<<8 + match
		if score > bestScore {
			best = r
			bestScore = score
		}
	}

	if best == nil {
		return nil, netip.Addr{}, false
	}
	if multicast {
		return best, dest, true
	}
	return best, best.Router, true
}

// HasAddr reports whether addr is a local address on dev.
func (t *Table) HasAddr(dev *netdev.Device, addr netip.Addr) bool {
	addr = addr.WithZone("")
	for _, r := range t.routes {
		if r.Dev == dev && r.Flags&HasAddress != 0 && r.Address == addr {
			return true
		}
	}
	return false
}

// Routes returns copies of the entries in table order.
func (t *Table) Routes() []Miniroute {
	out := make([]Miniroute, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, *r)
	}
	return out
}
