package settings

type memKey struct {
	tag   uint32
	scope *Scope
}

// Memory is a Source holding values stored at runtime, such as statically
// configured addresses.
type Memory struct {
	scope  *Scope
	values map[memKey][]byte
}

// NewMemory returns an empty source. If scope is non-nil the source only
// applies to settings of that scope.
func NewMemory(scope *Scope) *Memory {
	return &Memory{scope: scope, values: make(map[memKey][]byte)}
}

// Applies implements Source.
func (m *Memory) Applies(s *Setting) bool {
	return m.scope == nil || s.Scope == m.scope
}

// Fetch implements Source.
func (m *Memory) Fetch(s *Setting) ([]byte, bool) {
	v, ok := m.values[memKey{s.Tag, s.Scope}]
	return v, ok
}

// Store sets a value. A nil value clears it.
func (m *Memory) Store(s *Setting, v []byte) {
	k := memKey{s.Tag, s.Scope}
	if v == nil {
		delete(m.values, k)
		return
	}
	m.values[k] = append([]byte(nil), v...)
}
