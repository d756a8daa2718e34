package audio

// Buffer is a decoded, playable block of audio. Samples are stored in planar
// layout: Data[c][i] is sample i of channel c, normalised to [-1, 1].
type Buffer struct {
	// SampleRate in Hz (e.g. 24000 for synthesised speech).
	SampleRate int

	// Channels: 1 for mono. len(Data) == Channels.
	Channels int

	// Data holds one slice per channel; all slices have the same length.
	Data [][]float32
}

// NewBuffer allocates a silent buffer of the given format and frame count.
func NewBuffer(sampleRate, channels, frames int) *Buffer {
	backing := make([]float32, channels*frames)
	data := make([][]float32, channels)
	for c := range data {
		data[c] = backing[c*frames : (c+1)*frames : (c+1)*frames]
	}
	return &Buffer{SampleRate: sampleRate, Channels: channels, Data: data}
}

// Frames returns the number of sample frames (samples per channel).
func (b *Buffer) Frames() int {
	if b == nil || len(b.Data) == 0 {
		return 0
	}
	return len(b.Data[0])
}

// Duration returns the playback length of the buffer in seconds.
func (b *Buffer) Duration() float64 {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return float64(b.Frames()) / float64(b.SampleRate)
}

// PCM16 re-encodes the buffer as interleaved 16-bit little-endian PCM.
func (b *Buffer) PCM16() []byte {
	frames := b.Frames()
	out := make([]byte, frames*b.Channels*2)
	for i := range frames {
		for c := range b.Channels {
			s := floatToInt16(b.Data[c][i])
			j := (i*b.Channels + c) * 2
			out[j] = byte(s)
			out[j+1] = byte(s >> 8)
		}
	}
	return out
}
