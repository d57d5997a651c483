package audio

import (
	"encoding/binary"
	"math"
)

// RMS returns the root-mean-square amplitude of signed 16-bit little-endian
// PCM. A trailing odd byte is ignored. Returns 0 for an empty buffer.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sumSq float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sumSq += s * s
	}
	return math.Sqrt(sumSq / float64(n))
}

// Int16ToPCM converts samples to their little-endian byte form.
func Int16ToPCM(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// PCMToInt16 converts little-endian PCM to samples. Any trailing odd byte is
// dropped.
func PCMToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// PCMToFloat32Mono down-mixes 16-bit PCM to mono float32 samples normalised
// to [-1.0, 1.0] by averaging all channels of each sample frame.
func PCMToFloat32Mono(pcm []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	frames := len(pcm) / (BytesPerSample * channels)
	mono := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			idx := (i*channels + ch) * BytesPerSample
			sum += float32(int16(binary.LittleEndian.Uint16(pcm[idx:]))) / 32768.0
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}
