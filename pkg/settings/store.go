package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strings"
)

// ErrNotFound is returned when no block supplies a setting.
var ErrNotFound = errors.New("setting not found")

// Source supplies the values held by one block.
type Source interface {
	// Applies reports whether the source can hold the setting at all.
	Applies(s *Setting) bool
	// Fetch returns the raw value of the setting, if present.
	Fetch(s *Setting) ([]byte, bool)
}

// Block is one node of the settings tree.
type Block struct {
	Name  string
	Order int

	src      Source
	parent   *Block
	children []*Block
}

// NewBlock returns an unregistered block backed by src. Lower order values
// sort earlier among siblings and therefore take precedence in a fetch.
func NewBlock(src Source, order int) *Block {
	return &Block{src: src, Order: order}
}

// Source returns the block's backing source, nil for pure containers.
func (b *Block) Source() Source { return b.src }

// Parent returns the block's parent, nil for the root or an unregistered block.
func (b *Block) Parent() *Block { return b.parent }

// Children returns the block's children in precedence order.
func (b *Block) Children() []*Block {
	return append([]*Block(nil), b.children...)
}

// Path returns the dotted name of the block, e.g. "net0.dhcp".
func (b *Block) Path() string {
	var parts []string
	for p := b; p != nil && p.parent != nil; p = p.parent {
		parts = append(parts, p.Name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, ".")
}

func (b *Block) child(name string) *Block {
	for _, c := range b.children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Store is the settings tree. It is owned by the protocol loop.
type Store struct {
	root      *Block
	observers []func()
}

// NewStore returns an empty tree.
func NewStore() *Store {
	return &Store{root: &Block{}}
}

// Root returns the root block.
func (s *Store) Root() *Block { return s.root }

// OnChange registers fn to be called after every register or unregister.
func (s *Store) OnChange(fn func()) {
	s.observers = append(s.observers, fn)
}

func (s *Store) changed() {
	for _, fn := range s.observers {
		fn()
	}
}

// Register attaches b under parent (the root if nil) as name. An existing
// child with the same name is unregistered first.
func (s *Store) Register(b, parent *Block, name string) error {
	if b == s.root {
		return fmt.Errorf("register %q: cannot register root block", name)
	}
	if b.parent != nil {
		return fmt.Errorf("register %q: block already registered as %q", name, b.Path())
	}
	if parent == nil {
		parent = s.root
	}
	if old := parent.child(name); old != nil {
		s.detach(old)
	}

	b.Name = name
	b.parent = parent
	idx := sort.Search(len(parent.children), func(i int) bool {
		return parent.children[i].Order > b.Order
	})
	parent.children = append(parent.children, nil)
	copy(parent.children[idx+1:], parent.children[idx:])
	parent.children[idx] = b

	slog.Debug("settings: registered", "block", b.Path(), "order", b.Order)
	s.changed()
	return nil
}

// Unregister removes b and all of its descendants from the tree.
func (s *Store) Unregister(b *Block) {
	if b == nil || b.parent == nil {
		return
	}
	path := b.Path()
	s.detach(b)
	slog.Debug("settings: unregistered", "block", path)
	s.changed()
}

func (s *Store) detach(b *Block) {
	for len(b.children) > 0 {
		s.detach(b.children[len(b.children)-1])
	}
	p := b.parent
	for i, c := range p.children {
		if c == b {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
	b.parent = nil
}

// Find resolves a dotted path relative to the root ("proxydhcp",
// "net0.dhcp"). It returns nil if any component is missing.
func (s *Store) Find(path string) *Block {
	b := s.root
	if path == "" {
		return b
	}
	for _, name := range strings.Split(path, ".") {
		if b = b.child(name); b == nil {
			return nil
		}
	}
	return b
}

// Fetch looks up st in scope (the root if nil) and its descendants, depth
// first in precedence order, returning the value and the supplying block.
func (s *Store) Fetch(scope *Block, st *Setting) ([]byte, *Block, error) {
	if scope == nil {
		scope = s.root
	}
	if v, origin := fetch(scope, st); origin != nil {
		return v, origin, nil
	}
	return nil, nil, fmt.Errorf("%s: %w", st.Name, ErrNotFound)
}

func fetch(b *Block, st *Setting) ([]byte, *Block) {
	if b.src != nil && b.src.Applies(st) {
		if v, ok := b.src.Fetch(st); ok {
			return v, b
		}
	}
	for _, c := range b.children {
		if v, origin := fetch(c, st); origin != nil {
			return v, origin
		}
	}
	return nil, nil
}

// FetchIPv4 fetches an IPv4 address setting.
func (s *Store) FetchIPv4(scope *Block, st *Setting) (netip.Addr, *Block, error) {
	v, origin, err := s.Fetch(scope, st)
	if err != nil {
		return netip.Addr{}, nil, err
	}
	if len(v) < 4 {
		return netip.Addr{}, nil, fmt.Errorf("%s: short IPv4 value (%d bytes)", st.Name, len(v))
	}
	return netip.AddrFrom4([4]byte(v[:4])), origin, nil
}

// FetchIPv6 fetches an IPv6 address setting.
func (s *Store) FetchIPv6(scope *Block, st *Setting) (netip.Addr, *Block, error) {
	v, origin, err := s.Fetch(scope, st)
	if err != nil {
		return netip.Addr{}, nil, err
	}
	if len(v) != 16 {
		return netip.Addr{}, nil, fmt.Errorf("%s: bad IPv6 value (%d bytes)", st.Name, len(v))
	}
	return netip.AddrFrom16([16]byte(v)), origin, nil
}

// FetchUint fetches an unsigned integer setting.
func (s *Store) FetchUint(scope *Block, st *Setting) (uint32, *Block, error) {
	v, origin, err := s.Fetch(scope, st)
	if err != nil {
		return 0, nil, err
	}
	return uintValue(v), origin, nil
}

// FetchString fetches a string setting.
func (s *Store) FetchString(scope *Block, st *Setting) (string, *Block, error) {
	v, origin, err := s.Fetch(scope, st)
	if err != nil {
		return "", nil, err
	}
	return string(v), origin, nil
}

// Walk visits every registered block below the root, parents before children.
func (s *Store) Walk(fn func(b *Block, depth int)) {
	var walk func(b *Block, depth int)
	walk = func(b *Block, depth int) {
		for _, c := range b.children {
			fn(c, depth)
			walk(c, depth+1)
		}
	}
	walk(s.root, 0)
}
