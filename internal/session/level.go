package session

import (
	"encoding/binary"
	"math"
)

// frameLevel computes a normalized 0..1 loudness for one frame of
// little-endian int16 PCM. A trailing odd byte is ignored.
func frameLevel(data []byte) float64 {
	sampleCount := len(data) / 2
	if sampleCount == 0 {
		return 0
	}

	var sumSquares float64
	for i := 0; i < sampleCount; i++ {
		sample := int16(binary.LittleEndian.Uint16(data[i*2:]))
		normalized := float64(sample) / 32768.0
		sumSquares += normalized * normalized
	}

	rms := math.Sqrt(sumSquares / float64(sampleCount))

	// Speech RMS rarely exceeds 0.25, so gain up and clamp
	level := rms * levelGain
	if level > 1 {
		level = 1
	}
	return level
}
