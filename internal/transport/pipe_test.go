package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calmora/livebridge/internal/core"
)

func TestPipeDeliversInOrder(t *testing.T) {
	a, b := Pipe()
	require.NoError(t, a.Open())
	require.NoError(t, b.Open())

	var got []string
	b.OnFrame(func(f core.Frame) { got = append(got, string(f)) })

	require.NoError(t, a.Send(core.Frame("one")))
	require.NoError(t, a.Send(core.Frame("two")))
	require.NoError(t, a.Send(core.Frame("three")))

	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestPipeCopiesFrames(t *testing.T) {
	a, b := Pipe()
	require.NoError(t, a.Open())

	var got core.Frame
	b.OnFrame(func(f core.Frame) { got = f })

	payload := core.Frame("mutable")
	require.NoError(t, a.Send(payload))
	payload[0] = 'X'

	assert.Equal(t, "mutable", string(got))
}

func TestPipeSendBeforeOpenFails(t *testing.T) {
	a, _ := Pipe()
	assert.Error(t, a.Send(core.Frame("early")))
}

func TestPipeClosePropagatesToPeer(t *testing.T) {
	a, b := Pipe()
	require.NoError(t, a.Open())
	require.NoError(t, b.Open())

	var aClosed, bClosed bool
	a.OnClose(func() { aClosed = true })
	b.OnClose(func() { bClosed = true })

	a.Close()
	assert.True(t, aClosed)
	assert.True(t, bClosed)

	assert.Error(t, b.Send(core.Frame("after close")))
	// Close twice stays quiet.
	a.Close()
}
