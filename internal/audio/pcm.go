package audio

import (
	"encoding/binary"
	"math"
)

// Resample converts mono samples between rates using linear interpolation.
func Resample(input []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 || len(input) == 0 {
		out := make([]float32, len(input))
		copy(out, input)
		return out
	}

	ratio := float64(toRate) / float64(fromRate)
	n := int(float64(len(input)) * ratio)
	out := make([]float32, n)
	last := len(input) - 1

	for i := 0; i < n; i++ {
		pos := float64(i) / ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		i1, i2 := idx, idx+1
		if i1 > last {
			i1 = last
		}
		if i2 > last {
			i2 = last
		}
		out[i] = input[i1]*(1-frac) + input[i2]*frac
	}

	return out
}

// ToPCM16 encodes float samples as little-endian signed 16-bit PCM.
func ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s*math.MaxInt16)))
	}
	return out
}

// RMS returns the root-mean-square level of the samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// downmixInterleaved averages interleaved channels into a new mono slice.
func downmixInterleaved(input []float32, channels, frames int) []float32 {
	out := make([]float32, frames)
	if channels <= 1 {
		copy(out, input)
		return out
	}

	for f := 0; f < frames; f++ {
		var sum float32
		base := f * channels
		for c := 0; c < channels; c++ {
			sum += input[base+c]
		}
		out[f] = sum / float32(channels)
	}
	return out
}
