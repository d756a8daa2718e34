package conversation

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/aria/pkg/audio"
	"github.com/MrWong99/aria/pkg/audio/device"
)

// DefaultFrameSize is the number of samples per captured frame.
const DefaultFrameSize = 4096

// Capture taps a microphone stream and hands each fixed-size frame, encoded
// for the wire, to a callback. It keeps no state between frames.
type Capture struct {
	stream device.Stream
	tap    device.Tap
	once   sync.Once
}

// StartCapture attaches a tap of frameSize samples to stream. For every frame
// the first channel is encoded like [audio.EncodeChunk] and passed to onFrame
// on the device's goroutine. The PCM scratch is reused across frames, so the
// device must deliver frames one at a time. A non-positive frameSize uses [DefaultFrameSize];
// a non-positive channels uses mono.
func StartCapture(stream device.Stream, frameSize, channels int, onFrame func(encoded string)) (*Capture, error) {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	if channels <= 0 {
		channels = 1
	}
	pcm := make([]byte, frameSize*2)
	tap, err := stream.Tap(frameSize, channels, func(frame [][]float32) {
		if len(frame) == 0 || len(frame[0]) == 0 {
			return
		}
		if need := len(frame[0]) * 2; need > cap(pcm) {
			pcm = make([]byte, need)
		}
		n := audio.EncodeChunkTo(pcm[:cap(pcm)], frame[0])
		onFrame(base64.StdEncoding.EncodeToString(pcm[:n]))
	})
	if err != nil {
		return nil, fmt.Errorf("conversation: attach capture tap: %w", err)
	}
	return &Capture{stream: stream, tap: tap}, nil
}

// Stop disconnects the tap and closes the stream, releasing the microphone.
// Release errors are logged. Stop is idempotent.
func (c *Capture) Stop() {
	c.once.Do(func() {
		c.tap.Disconnect()
		if err := c.stream.Close(); err != nil {
			slog.Warn("conversation: failed to close microphone stream", "err", err)
		}
	})
}
