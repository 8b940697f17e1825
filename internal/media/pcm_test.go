package media

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShapeNoiseGate(t *testing.T) {
	p := DefaultShaperParams()

	assert.Zero(t, p.Shape(0.005))
	assert.Zero(t, p.Shape(-0.009))
	assert.NotZero(t, p.Shape(0.02))
}

func TestShapeCompression(t *testing.T) {
	p := DefaultShaperParams()

	// Below threshold passes through untouched.
	assert.InDelta(t, 0.5, float64(p.Shape(0.5)), 1e-6)

	// Above threshold, the excess is scaled by the ratio.
	got := p.Shape(0.9)
	want := float32(0.7 + (0.9-0.7)*0.8)
	assert.InDelta(t, float64(want), float64(got), 1e-6)

	// Symmetric for negative samples.
	assert.InDelta(t, float64(-want), float64(p.Shape(-0.9)), 1e-6)
}

func TestQuantizeSample(t *testing.T) {
	assert.Equal(t, int16(0x7FFF), QuantizeSample(1.0))
	assert.Equal(t, int16(-0x8000), QuantizeSample(-1.0))
	assert.Equal(t, int16(0), QuantizeSample(0))
	// Out-of-range input clamps instead of wrapping.
	assert.Equal(t, int16(0x7FFF), QuantizeSample(2.0))
	assert.Equal(t, int16(-0x8000), QuantizeSample(-3.0))
}

func TestFloatToPCM16LittleEndian(t *testing.T) {
	// Ungated samples above the noise gate, no compression in play.
	out := FloatToPCM16([]float32{0.5, -0.5}, DefaultShaperParams())
	require.Len(t, out, 4)

	first := int16(binary.LittleEndian.Uint16(out[0:2]))
	second := int16(binary.LittleEndian.Uint16(out[2:4]))
	assert.Equal(t, QuantizeSample(0.5), first)
	assert.Equal(t, QuantizeSample(-0.5), second)
	assert.Equal(t, int16(16383), first)
	assert.Equal(t, int16(-16384), second)
}

func TestAmplitude(t *testing.T) {
	assert.Zero(t, Amplitude(nil))
	assert.InDelta(t, 0.5, Amplitude([]float32{0.5, -0.5, 0.5, -0.5}), 1e-9)
	// Clamped to 1 even for hot input.
	assert.Equal(t, 1.0, Amplitude([]float32{2, -2, 2, -2}))
}
