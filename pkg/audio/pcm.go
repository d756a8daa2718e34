package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
)

// MIMEInputPCM is the MIME descriptor attached to every captured chunk sent
// upstream: 16-bit little-endian mono PCM at the capture rate.
const MIMEInputPCM = "audio/pcm;rate=16000"

const (
	// InputSampleRate is the fixed microphone capture rate in Hz.
	InputSampleRate = 16000

	// OutputSampleRate is the fixed playback rate in Hz of synthesised speech.
	OutputSampleRate = 24000
)

// pcmScale converts between normalised float samples and int16 PCM.
const pcmScale = 32768

// ErrMalformedAudio is returned by [DecodePlayableAudio] when the raw PCM
// cannot be interpreted as whole 16-bit frames.
var ErrMalformedAudio = errors.New("audio: malformed pcm")

// EncodedLen returns the length of the text encoding produced by
// [EncodeChunk] for n samples.
func EncodedLen(n int) int {
	return base64.StdEncoding.EncodedLen(n * 2)
}

// EncodeChunk converts float samples in [-1, 1] to 16-bit little-endian PCM
// and returns the base64 (standard alphabet) encoding. Values outside the
// nominal range are clamped. An empty input yields an empty string.
func EncodeChunk(samples []float32) string {
	if len(samples) == 0 {
		return ""
	}
	raw := make([]byte, len(samples)*2)
	EncodeChunkTo(raw, samples)
	return base64.StdEncoding.EncodeToString(raw)
}

// EncodeChunkTo packs samples into dst as 16-bit little-endian PCM without
// allocating. dst must hold at least 2*len(samples) bytes. It returns the
// number of bytes written.
func EncodeChunkTo(dst []byte, samples []float32) int {
	_ = dst[:len(samples)*2]
	for i, f := range samples {
		s := floatToInt16(f)
		dst[i*2] = byte(s)
		dst[i*2+1] = byte(s >> 8)
	}
	return len(samples) * 2
}

// DecodeChunk reverses the text-safe transform applied by [EncodeChunk]. It
// does not interpret the PCM structure of the result.
func DecodeChunk(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("audio: decode chunk: %w", err)
	}
	return raw, nil
}

// DecodePlayableAudio interprets raw as interleaved 16-bit little-endian PCM
// and returns a [Buffer] of len(raw)/2 samples normalised to [-1, 1) at the
// given sample rate and channel layout.
func DecodePlayableAudio(raw []byte, sampleRate, channels int) (*Buffer, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("%w: invalid format %s", ErrMalformedAudio, formatString(sampleRate, channels))
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte count %d", ErrMalformedAudio, len(raw))
	}
	samples := len(raw) / 2
	if samples%channels != 0 {
		return nil, fmt.Errorf("%w: %d samples do not fill %d channels", ErrMalformedAudio, samples, channels)
	}
	frames := samples / channels

	buf := NewBuffer(sampleRate, channels, frames)
	for i := range samples {
		s := int16(raw[i*2]) | int16(raw[i*2+1])<<8
		buf.Data[i%channels][i/channels] = float32(s) / pcmScale
	}
	return buf, nil
}

// floatToInt16 scales f by 32768 and clamps to the int16 range. The
// fractional part is truncated toward zero.
func floatToInt16(f float32) int16 {
	v := float64(f) * pcmScale
	if math.IsNaN(v) {
		return 0
	}
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "24000Hz mono".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 || channels <= 0 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
