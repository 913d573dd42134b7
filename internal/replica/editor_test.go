package replica

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEditor_HelloWorld(t *testing.T) {
	server := NewSequence("")

	a := NewEditor("a")
	hello, err := a.Insert(0, "hello")
	require.NoError(t, err)
	require.NoError(t, server.ApplyDelta(hello))

	full, err := server.FullStateDelta()
	require.NoError(t, err)
	b := NewEditor("b")
	require.NoError(t, b.Apply(full))
	assert.Equal(t, "hello", b.Text())

	world, err := b.Insert(5, " world")
	require.NoError(t, err)
	require.NoError(t, server.ApplyDelta(world))
	require.NoError(t, a.Apply(world))

	assert.Equal(t, "hello world", a.Text())
	assert.Equal(t, "hello world", b.Text())
	assert.Equal(t, "hello world", server.Text())
}

func TestEditor_InsertIntoSeededText(t *testing.T) {
	full, err := NewSequence("abc").FullStateDelta()
	require.NoError(t, err)

	ed := NewEditor("p")
	require.NoError(t, ed.Apply(full))

	_, err = ed.Insert(1, "XY")
	require.NoError(t, err)
	_, err = ed.Insert(0, ">")
	require.NoError(t, err)
	_, err = ed.Insert(6, "<")
	require.NoError(t, err)

	assert.Equal(t, ">aXYbc<", ed.Text())
}

func TestEditor_ConcurrentInsertsAtSameIndex(t *testing.T) {
	a := NewEditor("a")
	b := NewEditor("b")

	da, err := a.Insert(0, "left")
	require.NoError(t, err)
	db, err := b.Insert(0, "right")
	require.NoError(t, err)

	require.NoError(t, a.Apply(db))
	require.NoError(t, b.Apply(da))

	assert.Equal(t, a.Text(), b.Text())
	assert.Len(t, a.Text(), len("left")+len("right"))
}

func TestEditor_ClockResumesAfterReconnect(t *testing.T) {
	first := NewEditor("p")
	_, err := first.Insert(0, "abc")
	require.NoError(t, err)
	state, err := first.seq.FullStateDelta()
	require.NoError(t, err)

	again := NewEditor("p")
	require.NoError(t, again.Apply(state))
	d, err := again.Insert(3, "d")
	require.NoError(t, err)

	check := NewSequence("")
	require.NoError(t, check.ApplyDelta(state))
	require.NoError(t, check.ApplyDelta(d))
	assert.Equal(t, "abcd", check.Text())
}

func TestEditor_RangeErrors(t *testing.T) {
	ed := NewEditor("p")
	_, err := ed.Insert(1, "x")
	assert.Error(t, err)
	_, err = ed.Delete(0, 1)
	assert.Error(t, err)
}
