package audio

import (
	"encoding/binary"
	"math"
)

// Silence zeroes buf. 16-bit signed PCM silence is all-zero bytes.
func Silence(buf []byte) {
	clear(buf)
}

// MixInt16 adds src, scaled by gain, into dst. Both slices hold interleaved
// little-endian int16 samples; the shorter length wins. The sum is clamped to
// the int16 range. MixInt16 does not allocate and is safe on the real-time
// path.
func MixInt16(dst, src []byte, gain float32) {
	if gain <= 0 {
		return
	}
	n := min(len(dst), len(src)) &^ 1
	if gain == 1 {
		for i := 0; i < n; i += 2 {
			d := int32(int16(binary.LittleEndian.Uint16(dst[i:])))
			s := int32(int16(binary.LittleEndian.Uint16(src[i:])))
			binary.LittleEndian.PutUint16(dst[i:], uint16(clamp16(d+s)))
		}
		return
	}
	for i := 0; i < n; i += 2 {
		d := int32(int16(binary.LittleEndian.Uint16(dst[i:])))
		s := float32(int16(binary.LittleEndian.Uint16(src[i:]))) * gain
		binary.LittleEndian.PutUint16(dst[i:], uint16(clamp16(d+int32(s))))
	}
}

// ClampVolume limits v to [0, 1]. NaN maps to 0.
func ClampVolume(v float32) float32 {
	if math.IsNaN(float64(v)) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clamp16(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
