package logging

import (
	"strings"
	"sync"
	"time"
)

// Record is a formatted log record kept in a Buffer.
type Record struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Attrs   string    `json:"attrs,omitempty"` // "key=value ..." in record order
}

// Buffer is a thread-safe circular buffer of recent log records.
type Buffer struct {
	mu    sync.RWMutex
	buf   []Record
	size  int
	head  int // next write position
	count int

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// Subscription receives new records from a Buffer.
type Subscription struct {
	C chan Record
	b *Buffer
}

// Close unsubscribes. The channel is not closed.
func (s *Subscription) Close() {
	s.b.subMu.Lock()
	delete(s.b.subs, s)
	s.b.subMu.Unlock()
}

// NewBuffer creates a buffer holding size records.
func NewBuffer(size int) *Buffer {
	if size < 1 {
		size = 1
	}
	return &Buffer{
		buf:  make([]Record, size),
		size: size,
		subs: make(map[*Subscription]struct{}),
	}
}

// Add appends a record, overwriting the oldest if full. Subscribers are
// notified without blocking.
func (b *Buffer) Add(rec Record) {
	b.mu.Lock()
	b.buf[b.head] = rec
	b.head = (b.head + 1) % b.size
	if b.count < b.size {
		b.count++
	}
	b.mu.Unlock()

	b.subMu.RLock()
	for sub := range b.subs {
		select {
		case sub.C <- rec:
		default: // slow subscriber
		}
	}
	b.subMu.RUnlock()
}

// Subscribe returns a Subscription receiving new records.
func (b *Buffer) Subscribe(bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 64
	}
	sub := &Subscription{C: make(chan Record, bufSize), b: b}
	b.subMu.Lock()
	b.subs[sub] = struct{}{}
	b.subMu.Unlock()
	return sub
}

// Filter selects records.
type Filter struct {
	Level string // exact level name; empty matches all
	Match string // case-insensitive substring of message or attributes
}

// Matches reports whether rec passes the filter.
func (f Filter) Matches(rec *Record) bool {
	if f.Level != "" && !strings.EqualFold(rec.Level, f.Level) {
		return false
	}
	if f.Match != "" {
		m := strings.ToLower(f.Match)
		if !strings.Contains(strings.ToLower(rec.Message), m) &&
			!strings.Contains(strings.ToLower(rec.Attrs), m) {
			return false
		}
	}
	return true
}

// Latest returns up to n records matching f, newest first.
func (b *Buffer) Latest(n int, f Filter) []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Record
	for i := 0; i < b.count && len(out) < n; i++ {
		idx := (b.head - 1 - i + b.size) % b.size
		if f.Matches(&b.buf[idx]) {
			out = append(out, b.buf[idx])
		}
	}
	return out
}
