package audio

import (
	"encoding/binary"
	"math"
)

// RMS computes the root-mean-square level of s16le PCM, normalized to
// [0, 1]. The recorder publishes this (throttled) as the live meter signal.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < samples; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum/float64(samples)) / math.MaxInt16
}
