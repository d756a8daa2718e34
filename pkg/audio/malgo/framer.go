package malgo

import (
	"encoding/binary"
	"math"
)

// framer slices an interleaved float32 byte stream into fixed-size
// de-interleaved frames. It is used from a single device callback goroutine
// and is not safe for concurrent use.
type framer struct {
	size     int
	channels int
	planes   [][]float32
	fill     int
}

func newFramer(size, channels int) *framer {
	planes := make([][]float32, channels)
	for ch := range planes {
		planes[ch] = make([]float32, size)
	}
	return &framer{size: size, channels: channels, planes: planes}
}

// write consumes raw little-endian float32 interleaved samples and calls emit
// for every completed frame. emit receives a fresh copy it may retain.
// Trailing bytes that do not form a whole sample frame are ignored.
func (f *framer) write(raw []byte, emit func(frame [][]float32)) {
	stride := 4 * f.channels
	for off := 0; off+stride <= len(raw); off += stride {
		for ch := range f.channels {
			bits := binary.LittleEndian.Uint32(raw[off+4*ch:])
			f.planes[ch][f.fill] = math.Float32frombits(bits)
		}
		f.fill++
		if f.fill == f.size {
			emit(f.snapshot())
			f.fill = 0
		}
	}
}

func (f *framer) snapshot() [][]float32 {
	out := make([][]float32, f.channels)
	for ch := range out {
		out[ch] = append([]float32(nil), f.planes[ch]...)
	}
	return out
}

// putFloat32s encodes samples into dst as little-endian float32. dst must
// hold at least 4*len(samples) bytes.
func putFloat32s(dst []byte, samples []float32) {
	for i, v := range samples {
		binary.LittleEndian.PutUint32(dst[4*i:], math.Float32bits(v))
	}
}
