package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calmora/livebridge/internal/core"
)

func TestDecodeDataChannelTranscript(t *testing.T) {
	ev, ok := DecodeDataChannelText([]byte(`{"type":"transcript","text":"hello","isFinal":true}`))
	require.True(t, ok)
	assert.Equal(t, core.RoleAI, ev.Role)
	assert.Equal(t, "hello", ev.Text)
	assert.True(t, ev.IsFinal)
}

func TestDecodeDataChannelPartialTranscript(t *testing.T) {
	ev, ok := DecodeDataChannelText([]byte(`{"type":"transcript","text":"hel"}`))
	require.True(t, ok)
	assert.False(t, ev.IsFinal)
}

func TestDecodeDataChannelIgnoresOtherJSON(t *testing.T) {
	_, ok := DecodeDataChannelText([]byte(`{"type":"ping"}`))
	assert.False(t, ok)

	_, ok = DecodeDataChannelText([]byte(`{"foo":1}`))
	assert.False(t, ok)
}

func TestDecodeDataChannelPlainText(t *testing.T) {
	ev, ok := DecodeDataChannelText([]byte("just words"))
	require.True(t, ok)
	assert.Equal(t, "just words", ev.Text)
	assert.True(t, ev.IsFinal)
}

func TestEncodeUserText(t *testing.T) {
	b, err := EncodeUserText("hi there")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"user_text","text":"hi there"}`, string(b))
}
