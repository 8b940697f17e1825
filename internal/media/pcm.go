package media

import (
	"encoding/binary"
	"math"
)

// ShaperParams controls the sample conditioning applied before quantization:
// a noise gate that zeroes near-silent samples and a gentle dynamic-range
// compression above a clipping threshold.
type ShaperParams struct {
	NoiseGate            float32
	CompressionThreshold float32
	CompressionRatio     float32
}

// DefaultShaperParams mirrors the capture pipeline's tuned values.
func DefaultShaperParams() ShaperParams {
	return ShaperParams{
		NoiseGate:            0.01,
		CompressionThreshold: 0.7,
		CompressionRatio:     0.8,
	}
}

// Shape conditions one floating-point sample into the [-1, 1] range.
func (p ShaperParams) Shape(sample float32) float32 {
	if abs32(sample) < p.NoiseGate {
		return 0
	}
	if abs32(sample) > p.CompressionThreshold {
		excess := abs32(sample) - p.CompressionThreshold
		compressed := p.CompressionThreshold + excess*p.CompressionRatio
		if sample > 0 {
			sample = compressed
		} else {
			sample = -compressed
		}
	}
	return clamp32(sample)
}

// QuantizeSample converts one clamped float sample to 16-bit PCM. Negative
// samples scale by 0x8000 and positive by 0x7FFF so both extremes map onto
// the full int16 range.
func QuantizeSample(sample float32) int16 {
	s := clamp32(sample)
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7FFF)
}

// FloatToPCM16 shapes and quantizes a frame of float samples into
// little-endian 16-bit PCM bytes.
func FloatToPCM16(samples []float32, params ShaperParams) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(QuantizeSample(params.Shape(s))))
	}
	return out
}

// Amplitude derives a root-mean-square level in [0, 1] for UI visualization.
func Amplitude(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms > 1 {
		rms = 1
	}
	return rms
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func clamp32(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
