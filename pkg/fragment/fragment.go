// Package fragment implements a generic IP fragment reassembler.
//
// The reassembler knows nothing about header layouts. A Family supplies
// the three protocol-specific questions: does a packet belong to a pending
// set, at what payload offset does it start, and do more fragments follow.
// A set must be opened by its offset-zero fragment; later fragments may
// arrive in any order and overlapping data is coalesced.
package fragment

import (
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/psaab/netboot/pkg/ipstat"
)

// Reasons a set is dropped. They are logged and counted as reassembly
// failures; Reassemble itself only reports completion.
var (
	ErrOutOfSequence = errors.New("fragment out of sequence")
	ErrTimedOut      = errors.New("fragment reassembly timed out")
)

// DefaultTimeout is how long a pending set survives without progress.
const DefaultTimeout = time.Second

// Family describes one protocol's fragment header. hdrLen is the length
// of all headers up to and including the fragment header.
type Family interface {
	IsFragment(set *Set, pkt []byte, hdrLen int) bool
	Offset(pkt []byte, hdrLen int) int
	More(pkt []byte, hdrLen int) bool
}

type span struct{ start, end int }

// Set is a partially reassembled datagram.
type Set struct {
	header   []byte
	payload  []byte
	spans    []span
	total    int // payload length, -1 until the final fragment arrives
	deadline time.Time
}

// Header returns the headers of the fragment that opened the set.
func (s *Set) Header() []byte { return s.header }

// HeaderLen returns the length of Header.
func (s *Set) HeaderLen() int { return len(s.header) }

// insert copies data at offset and merges the covered range.
func (s *Set) insert(offset int, data []byte) {
	end := offset + len(data)
	if end > len(s.payload) {
		grown := make([]byte, end)
		copy(grown, s.payload)
		s.payload = grown
	}
	copy(s.payload[offset:], data)

	s.spans = append(s.spans, span{offset, end})
	sort.Slice(s.spans, func(i, j int) bool { return s.spans[i].start < s.spans[j].start })
	merged := s.spans[:1]
	for _, sp := range s.spans[1:] {
		last := &merged[len(merged)-1]
		if sp.start <= last.end {
			if sp.end > last.end {
				last.end = sp.end
			}
			continue
		}
		merged = append(merged, sp)
	}
	s.spans = merged
}

func (s *Set) complete() bool {
	return s.total >= 0 && len(s.spans) == 1 &&
		s.spans[0].start == 0 && s.spans[0].end == s.total
}

// Reassembler holds the pending sets of one family. It is not safe for
// concurrent use; it is driven from the protocol loop.
type Reassembler struct {
	family  Family
	stats   *ipstat.Stats
	timeout time.Duration
	pending []*Set
}

// New returns a reassembler. A zero timeout selects DefaultTimeout.
func New(family Family, stats *ipstat.Stats, timeout time.Duration) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Reassembler{family: family, stats: stats, timeout: timeout}
}

// Reassemble accepts one fragment. When it completes a set, the whole
// datagram (the opening fragment's headers followed by the full payload)
// is returned together with its header length and ok is true. Otherwise
// the fragment is retained or dropped and ok is false.
func (r *Reassembler) Reassemble(pkt []byte, hdrLen int, now time.Time) (out []byte, outHdrLen int, ok bool) {
	r.stats.ReasmReqds.Add(1)

	offset := r.family.Offset(pkt, hdrLen)
	more := r.family.More(pkt, hdrLen)
	data := pkt[hdrLen:]
	end := offset + len(data)

	set := r.find(pkt, hdrLen)
	if set == nil {
		if offset != 0 {
			slog.Debug("fragment: dropping fragment without opening fragment",
				"offset", offset, "len", len(data), "err", ErrOutOfSequence)
			r.stats.ReasmFails.Add(1)
			return nil, 0, false
		}
		if !more {
			r.stats.ReasmOKs.Add(1)
			return pkt, hdrLen, true
		}
		set = &Set{header: append([]byte(nil), pkt[:hdrLen]...), total: -1}
		r.pending = append(r.pending, set)
	}

	switch {
	case more && len(data)%8 != 0:
		slog.Debug("fragment: non-final fragment not a multiple of 8 bytes", "len", len(data))
		r.discard(set)
		return nil, 0, false
	case !more && set.total >= 0 && set.total != end:
		slog.Debug("fragment: conflicting final fragments", "total", set.total, "end", end)
		r.discard(set)
		return nil, 0, false
	case set.total >= 0 && end > set.total:
		slog.Debug("fragment: fragment beyond end of datagram", "total", set.total, "end", end)
		r.discard(set)
		return nil, 0, false
	}
	if !more {
		set.total = end
		if len(set.payload) > end {
			slog.Debug("fragment: data beyond final fragment", "total", end)
			r.discard(set)
			return nil, 0, false
		}
	}

	set.insert(offset, data)
	if set.complete() {
		r.remove(set)
		r.stats.ReasmOKs.Add(1)
		out = make([]byte, 0, len(set.header)+set.total)
		out = append(out, set.header...)
		out = append(out, set.payload[:set.total]...)
		return out, len(set.header), true
	}

	set.deadline = now.Add(r.timeout)
	return nil, 0, false
}

// Expire discards sets whose deadline has passed and returns how many.
func (r *Reassembler) Expire(now time.Time) int {
	n := 0
	for i := 0; i < len(r.pending); {
		s := r.pending[i]
		if now.Before(s.deadline) {
			i++
			continue
		}
		slog.Debug("fragment: discarding set", "received", len(s.payload), "err", ErrTimedOut)
		r.pending = append(r.pending[:i], r.pending[i+1:]...)
		r.stats.ReasmFails.Add(1)
		n++
	}
	return n
}

// Pending returns the number of incomplete sets.
func (r *Reassembler) Pending() int { return len(r.pending) }

func (r *Reassembler) find(pkt []byte, hdrLen int) *Set {
	for _, s := range r.pending {
		if r.family.IsFragment(s, pkt, hdrLen) {
			return s
		}
	}
	return nil
}

func (r *Reassembler) remove(set *Set) {
	for i, s := range r.pending {
		if s == set {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return
		}
	}
}

func (r *Reassembler) discard(set *Set) {
	r.remove(set)
	r.stats.ReasmFails.Add(1)
}
