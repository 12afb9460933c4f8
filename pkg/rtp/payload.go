package rtp

import (
	"encoding/binary"
	"math"
)

// float32ToS16 переводит нормализованный сэмпл в int16 с насыщением
func float32ToS16(v float32) int16 {
	if v != v { // NaN
		return 0
	}
	if v >= 1 {
		return math.MaxInt16
	}
	if v <= -1 {
		return -math.MaxInt16
	}
	return int16(v * math.MaxInt16)
}

// decodeF32LE раскладывает кадр F32LE в сэмплы int16, дописывая их в dst
func decodeF32LE(dst []int16, frame []byte) []int16 {
	for i := 0; i+4 <= len(frame); i += 4 {
		bits := binary.LittleEndian.Uint32(frame[i:])
		dst = append(dst, float32ToS16(math.Float32frombits(bits)))
	}
	return dst
}

// encodeL16 пишет сэмплы в сетевом порядке байт (RFC 3551, L16)
func encodeL16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.BigEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
