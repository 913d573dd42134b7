package replica

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// SeedPeer owns the characters of a seeded document. Seeding is
// deterministic, so every replica seeded with the same text holds the same
// identifiers.
const SeedPeer = "~seed"

// Sequence is a position-based sequence CRDT. Characters live in a slice
// kept sorted by position; deletions are tombstones keyed by CharID, and a
// tombstone may arrive before the character it removes.
type Sequence struct {
	chars   []Char
	known   map[CharID]struct{}
	deleted map[CharID]struct{}
	// clocks is the highest clock seen per peer, live or tombstoned.
	clocks map[string]int
}

// NewSequence returns a sequence whose text is seed.
func NewSequence(seed string) *Sequence {
	s := &Sequence{
		known:   make(map[CharID]struct{}),
		deleted: make(map[CharID]struct{}),
		clocks:  make(map[string]int),
	}
	i := 0
	for _, r := range seed {
		i++
		c := Char{
			ID:       CharID{Clock: i, PeerID: SeedPeer},
			Value:    string(r),
			Position: []Ident{{Digit: uint32(i * seedGap), Site: SeedPeer}},
		}
		s.chars = append(s.chars, c)
		s.known[c.ID] = struct{}{}
	}
	s.clocks[SeedPeer] = i
	return s
}

// ApplyDelta implements Replica. A malformed delta is rejected as a whole.
func (s *Sequence) ApplyDelta(data []byte) error {
	d, err := decodeDelta(data)
	if err != nil {
		return err
	}
	s.merge(d)
	return nil
}

func (s *Sequence) merge(d *Delta) {
	for _, c := range d.Chars {
		s.insert(c)
	}
	for _, id := range d.Deleted {
		s.deleted[id] = struct{}{}
		s.observe(id)
	}
}

func (s *Sequence) observe(id CharID) {
	if id.Clock > s.clocks[id.PeerID] {
		s.clocks[id.PeerID] = id.Clock
	}
}

func (s *Sequence) insert(c Char) {
	if _, ok := s.known[c.ID]; ok {
		return
	}
	i := sort.Search(len(s.chars), func(i int) bool { return less(c, s.chars[i]) })
	s.chars = append(s.chars, Char{})
	copy(s.chars[i+1:], s.chars[i:])
	s.chars[i] = c
	s.known[c.ID] = struct{}{}
	s.observe(c.ID)
}

// FullStateDelta implements Replica.
func (s *Sequence) FullStateDelta() ([]byte, error) {
	d := Delta{Chars: s.chars}
	if len(s.deleted) > 0 {
		d.Deleted = make([]CharID, 0, len(s.deleted))
		for id := range s.deleted {
			d.Deleted = append(d.Deleted, id)
		}
		sort.Slice(d.Deleted, func(i, j int) bool {
			a, b := d.Deleted[i], d.Deleted[j]
			if a.PeerID != b.PeerID {
				return a.PeerID < b.PeerID
			}
			return a.Clock < b.Clock
		})
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return data, nil
}

// Text implements Replica.
func (s *Sequence) Text() string {
	var b strings.Builder
	for _, c := range s.chars {
		if _, gone := s.deleted[c.ID]; !gone {
			b.WriteString(c.Value)
		}
	}
	return b.String()
}

// visible returns the live characters in document order.
func (s *Sequence) visible() []Char {
	out := make([]Char, 0, len(s.chars))
	for _, c := range s.chars {
		if _, gone := s.deleted[c.ID]; !gone {
			out = append(out, c)
		}
	}
	return out
}

// maxClock returns the highest clock recorded for peer.
func (s *Sequence) maxClock(peer string) int {
	return s.clocks[peer]
}
