// Package replica holds the mergeable document state behind a document
// session. The session layer only ever calls ApplyDelta, FullStateDelta and
// Text; any implementation whose merge is commutative, associative and
// idempotent can be plugged in through a Factory.
package replica

import (
	"errors"
	"fmt"
)

// ErrMalformedDelta is returned when a delta cannot be decoded or violates
// the replica's structural rules. The replica is left unchanged.
var ErrMalformedDelta = errors.New("malformed delta")

// Replica is one mergeable copy of a document.
type Replica interface {
	// ApplyDelta merges an opaque delta produced by any replica of the same
	// document. Applying a delta more than once has no further effect.
	ApplyDelta(delta []byte) error
	// FullStateDelta encodes the whole state as a single delta.
	FullStateDelta() ([]byte, error)
	// Text renders the current document text.
	Text() string
}

// Factory builds a replica whose initial text is seed.
type Factory func(seed string) (Replica, error)

// SequenceFactory builds Sequence replicas.
func SequenceFactory(seed string) (Replica, error) {
	return NewSequence(seed), nil
}

// Snapshot is the durable form of a replica. State, when present, is a full
// state delta and carries the character identifiers Text alone loses.
type Snapshot struct {
	Text  string
	State []byte
}

// Restore builds a replica from snap, preferring State over Text. A state
// that no longer decodes falls back to Text.
func Restore(factory Factory, snap Snapshot) (Replica, error) {
	if len(snap.State) > 0 {
		r, err := factory("")
		if err != nil {
			return nil, err
		}
		if err := r.ApplyDelta(snap.State); err == nil {
			return r, nil
		}
	}
	r, err := factory(snap.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to seed replica: %w", err)
	}
	return r, nil
}
