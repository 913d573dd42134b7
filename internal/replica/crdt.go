package replica

import (
	"encoding/json"
	"fmt"
)

// CharID is a globally unique identifier for a character, combining a logical clock
// and the ID of the peer that created it.
type CharID struct {
	Clock  int    `json:"clock"`
	PeerID string `json:"peerID"`
}

// Ident is one level of a position. Site breaks ties between peers that
// picked the same digit concurrently.
type Ident struct {
	Digit uint32 `json:"digit"`
	Site  string `json:"site,omitempty"`
}

// Char represents a single character in the CRDT sequence. It has a unique ID,
// its value, and a sortable Position that determines its place in the document.
type Char struct {
	ID       CharID  `json:"id"`
	Value    string  `json:"value"`
	Position []Ident `json:"position"`
}

// Delta is the wire form of a batch of sequence operations. Inserted
// characters and deleted identifiers are both grow-only sets, so merging
// deltas is set union.
type Delta struct {
	Chars   []Char   `json:"chars,omitempty"`
	Deleted []CharID `json:"deleted,omitempty"`
}

func decodeDelta(data []byte) (*Delta, error) {
	var d Delta
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDelta, err)
	}
	for _, c := range d.Chars {
		if err := c.validate(); err != nil {
			return nil, err
		}
	}
	for _, id := range d.Deleted {
		if id.PeerID == "" {
			return nil, fmt.Errorf("%w: delete without peer", ErrMalformedDelta)
		}
	}
	return &d, nil
}

func (c Char) validate() error {
	if c.ID.PeerID == "" {
		return fmt.Errorf("%w: char without peer", ErrMalformedDelta)
	}
	if c.Value == "" {
		return fmt.Errorf("%w: empty char value", ErrMalformedDelta)
	}
	if len(c.Position) == 0 {
		return fmt.Errorf("%w: char %d@%s has no position", ErrMalformedDelta, c.ID.Clock, c.ID.PeerID)
	}
	return nil
}

// less orders characters by position, then by identifier.
func less(a, b Char) bool {
	if c := comparePosition(a.Position, b.Position); c != 0 {
		return c < 0
	}
	if a.ID.PeerID != b.ID.PeerID {
		return a.ID.PeerID < b.ID.PeerID
	}
	return a.ID.Clock < b.ID.Clock
}
