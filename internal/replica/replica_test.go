package replica

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestore_PrefersState(t *testing.T) {
	ed := NewEditor("alice")
	_, err := ed.Insert(0, "hello")
	require.NoError(t, err)
	state, err := ed.seq.FullStateDelta()
	require.NoError(t, err)

	r, err := Restore(SequenceFactory, Snapshot{Text: "hello", State: state})
	require.NoError(t, err)
	assert.Equal(t, "hello", r.Text())

	// Identifiers survive, so merging the author's state again adds nothing.
	require.NoError(t, r.ApplyDelta(state))
	assert.Equal(t, "hello", r.Text())
	assert.Equal(t, 5, r.(*Sequence).maxClock("alice"))
}

func TestRestore_FallsBackToText(t *testing.T) {
	r, err := Restore(SequenceFactory, Snapshot{Text: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "abc", r.Text())

	r, err = Restore(SequenceFactory, Snapshot{Text: "abc", State: []byte("not json")})
	require.NoError(t, err)
	assert.Equal(t, "abc", r.Text())
	assert.Equal(t, 3, r.(*Sequence).maxClock(SeedPeer))
}
