package replica

import (
	"encoding/json"
	"fmt"
)

// Editor is the client side of a Sequence: it turns index-based edits into
// deltas, applying each one locally before returning it.
type Editor struct {
	seq   *Sequence
	peer  string
	clock int
}

// NewEditor returns an editor for peer over an empty document.
func NewEditor(peer string) *Editor {
	return &Editor{seq: NewSequence(""), peer: peer}
}

// Apply merges a delta received from elsewhere.
func (e *Editor) Apply(delta []byte) error {
	if err := e.seq.ApplyDelta(delta); err != nil {
		return err
	}
	// A reconnecting peer must not reuse clocks it handed out before.
	if c := e.seq.maxClock(e.peer); c > e.clock {
		e.clock = c
	}
	return nil
}

// Text returns the editor's current view of the document.
func (e *Editor) Text() string {
	return e.seq.Text()
}

// Insert places s before the visible character at index.
func (e *Editor) Insert(index int, s string) ([]byte, error) {
	vis := e.seq.visible()
	if index < 0 || index > len(vis) {
		return nil, fmt.Errorf("insert index %d out of range [0,%d]", index, len(vis))
	}
	var left, right []Ident
	if index > 0 {
		left = vis[index-1].Position
	}
	if index < len(vis) {
		right = vis[index].Position
	}

	var d Delta
	for _, r := range s {
		e.clock++
		c := Char{
			ID:       CharID{Clock: e.clock, PeerID: e.peer},
			Value:    string(r),
			Position: between(left, right, e.peer),
		}
		d.Chars = append(d.Chars, c)
		left = c.Position
	}
	return e.commit(&d)
}

// Delete removes count visible characters starting at index.
func (e *Editor) Delete(index, count int) ([]byte, error) {
	vis := e.seq.visible()
	if index < 0 || count < 0 || index+count > len(vis) {
		return nil, fmt.Errorf("delete range [%d,%d) out of range [0,%d)", index, index+count, len(vis))
	}
	var d Delta
	for _, c := range vis[index : index+count] {
		d.Deleted = append(d.Deleted, c.ID)
	}
	return e.commit(&d)
}

func (e *Editor) commit(d *Delta) ([]byte, error) {
	e.seq.merge(d)
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode delta: %w", err)
	}
	return data, nil
}
