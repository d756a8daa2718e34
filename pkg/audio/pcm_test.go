package audio_test

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/MrWong99/aria/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

// mustDecode reverses EncodeChunk or fails the test.
func mustDecode(t *testing.T, encoded string) []byte {
	t.Helper()
	raw, err := audio.DecodeChunk(encoded)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	return raw
}

func TestEncodeChunk(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		samples []float32
		want    []int16
	}{
		{"empty", nil, nil},
		{"silence", []float32{0, 0}, []int16{0, 0}},
		{"half scale", []float32{0.5, -0.5}, []int16{16384, -16384}},
		{"clamps positive full scale", []float32{1.0, 2.5}, []int16{32767, 32767}},
		{"negative full scale", []float32{-1.0, -3}, []int16{-32768, -32768}},
		{"truncates toward zero", []float32{0.0001, -0.0001}, []int16{3, -3}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := audio.EncodeChunk(tc.samples)
			if tc.want == nil {
				if got != "" {
					t.Fatalf("EncodeChunk(empty) = %q; want empty string", got)
				}
				return
			}
			want := base64.StdEncoding.EncodeToString(samplesToBytes(tc.want))
			if got != want {
				t.Errorf("EncodeChunk = %q; want %q", got, want)
			}
		})
	}
}

func TestEncodeChunk_NaNIsSilence(t *testing.T) {
	t.Parallel()
	got := audio.EncodeChunk([]float32{float32(math.NaN())})
	raw, err := audio.DecodeChunk(got)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if s := bytesToSamples(raw); s[0] != 0 {
		t.Errorf("NaN sample = %d; want 0", s[0])
	}
}

func TestEncodeChunkTo_NoAllocation(t *testing.T) {
	samples := make([]float32, 4096)
	dst := make([]byte, len(samples)*2)
	allocs := testing.AllocsPerRun(10, func() {
		audio.EncodeChunkTo(dst, samples)
	})
	if allocs != 0 {
		t.Errorf("EncodeChunkTo allocated %.0f times per run; want 0", allocs)
	}
}

func TestDecodeChunk_InvalidBase64(t *testing.T) {
	t.Parallel()
	if _, err := audio.DecodeChunk("not base64!!"); err == nil {
		t.Fatal("expected error for invalid base64, got nil")
	}
}

func TestDecodePlayableAudio_Mono(t *testing.T) {
	t.Parallel()
	raw := samplesToBytes([]int16{0, 16384, -16384, -32768})
	buf, err := audio.DecodePlayableAudio(raw, 24000, 1)
	if err != nil {
		t.Fatalf("DecodePlayableAudio: %v", err)
	}
	if buf.Frames() != 4 {
		t.Fatalf("Frames = %d; want 4", buf.Frames())
	}
	want := []float32{0, 0.5, -0.5, -1}
	for i, w := range want {
		if buf.Data[0][i] != w {
			t.Errorf("sample %d = %v; want %v", i, buf.Data[0][i], w)
		}
	}
	if buf.SampleRate != 24000 || buf.Channels != 1 {
		t.Errorf("format = %d/%d; want 24000/1", buf.SampleRate, buf.Channels)
	}
}

func TestDecodePlayableAudio_Stereo(t *testing.T) {
	t.Parallel()
	raw := samplesToBytes([]int16{100, 200, -100, -200})
	buf, err := audio.DecodePlayableAudio(raw, 48000, 2)
	if err != nil {
		t.Fatalf("DecodePlayableAudio: %v", err)
	}
	if buf.Frames() != 2 {
		t.Fatalf("Frames = %d; want 2", buf.Frames())
	}
	if buf.Data[0][1] != float32(-100)/32768 || buf.Data[1][1] != float32(-200)/32768 {
		t.Errorf("second frame = (%v, %v); want de-interleaved L/R", buf.Data[0][1], buf.Data[1][1])
	}
}

func TestDecodePlayableAudio_Malformed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      []byte
		rate, ch int
	}{
		{"odd byte count", []byte{1, 2, 3}, 24000, 1},
		{"partial stereo frame", samplesToBytes([]int16{1, 2, 3}), 24000, 2},
		{"zero rate", samplesToBytes([]int16{1}), 0, 1},
		{"zero channels", samplesToBytes([]int16{1}), 24000, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := audio.DecodePlayableAudio(tc.raw, tc.rate, tc.ch)
			if !errors.Is(err, audio.ErrMalformedAudio) {
				t.Errorf("err = %v; want ErrMalformedAudio", err)
			}
		})
	}
}

func TestDecodePlayableAudio_Empty(t *testing.T) {
	t.Parallel()
	buf, err := audio.DecodePlayableAudio(nil, 24000, 1)
	if err != nil {
		t.Fatalf("DecodePlayableAudio(nil): %v", err)
	}
	if buf.Frames() != 0 || buf.Duration() != 0 {
		t.Errorf("empty buffer: frames=%d duration=%v; want 0, 0", buf.Frames(), buf.Duration())
	}
}

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(1, 2))
	for n := range 64 {
		raw := make([]byte, n*2)
		for i := range raw {
			raw[i] = byte(rng.IntN(256))
		}
		buf, err := audio.DecodePlayableAudio(raw, 24000, 1)
		if err != nil {
			t.Fatalf("len %d: DecodePlayableAudio: %v", len(raw), err)
		}
		got := bytesToSamples(mustDecode(t, audio.EncodeChunk(buf.Data[0])))
		want := bytesToSamples(raw)
		for i := range want {
			if d := int(got[i]) - int(want[i]); d < -1 || d > 1 {
				t.Fatalf("len %d sample %d: got %d, want %d (±1)", len(raw), i, got[i], want[i])
			}
		}
		if pcm := buf.PCM16(); string(pcm) != string(raw) {
			t.Fatalf("len %d: PCM16 does not reproduce input bytes", len(raw))
		}
	}
}

func TestBuffer_Duration(t *testing.T) {
	t.Parallel()
	buf := audio.NewBuffer(24000, 1, 12000)
	if got := buf.Duration(); got != 0.5 {
		t.Errorf("Duration = %v; want 0.5", got)
	}
	var nilBuf *audio.Buffer
	if nilBuf.Frames() != 0 || nilBuf.Duration() != 0 {
		t.Error("nil buffer should report zero frames and duration")
	}
}
