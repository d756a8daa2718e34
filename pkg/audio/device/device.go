// Package device defines the interfaces between the conversation core and the
// local audio hardware.
//
// The three primary abstractions are:
//
//   - [Backend] opens output contexts and microphone streams at a fixed
//     sample rate.
//   - [OutputContext] is a real-time output clock onto which decoded buffers
//     are scheduled through one-shot [Source] handles.
//   - [Stream] is a live microphone stream that delivers fixed-size frames to a
//     registered [Tap].
//
// Implementations are provided by adapter packages: audio/malgo for real
// hardware, audio/device/mock for tests, and render.NullBackend for headless
// runs with a silent output and no microphone.
//
// This package lives under pkg/ because external code is expected to supply
// its own [Backend] implementations.
package device

import (
	"context"
	"errors"

	"github.com/MrWong99/aria/pkg/audio"
)

// ErrPermissionDenied is returned by [Backend.OpenMicrophone] when the
// microphone cannot be acquired (access denied, no device present).
var ErrPermissionDenied = errors.New("device: microphone permission denied")

// Source is a one-shot playback handle bound to a single [audio.Buffer].
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Start schedules playback to begin at when, a position on the owning
	// context's clock in seconds. A when in the past starts immediately.
	// Start may be called at most once.
	Start(when float64)

	// Stop halts playback immediately. The ended callback still fires once.
	// Stopping an already ended source is a no-op.
	Stop()

	// OnEnded registers fn to be invoked exactly once when playback finishes
	// naturally or is stopped. fn is called on an internal goroutine and must
	// not block.
	OnEnded(fn func())
}

// OutputContext is an audio output device opened at a fixed sample rate with
// a monotonically advancing clock.
//
// Implementations must be safe for concurrent use.
type OutputContext interface {
	// CurrentTime returns the output clock position in seconds.
	CurrentTime() float64

	// SampleRate returns the rate the context was opened at.
	SampleRate() int

	// NewSource creates an unstarted playback handle for buf.
	NewSource(buf *audio.Buffer) Source

	// Close stops every source and releases the device. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// Tap receives fixed-size frames from a [Stream].
type Tap interface {
	// Disconnect detaches the tap. No frames are delivered after Disconnect
	// returns. It must not be called from the frame callback. Idempotent.
	Disconnect()
}

// Stream is a live microphone stream.
//
// Implementations must be safe for concurrent use.
type Stream interface {
	// Tap registers fn to receive frames of exactly frameSize samples for
	// each of channels channels. frame[c] is only valid for the duration of
	// the call. Only one tap may be attached at a time.
	Tap(frameSize, channels int, fn func(frame [][]float32)) (Tap, error)

	// Close stops all tracks of the stream and releases the device. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Backend is the entry point for an audio hardware provider.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// OpenOutput opens a playback context at sampleRate with channels
	// channels.
	OpenOutput(ctx context.Context, sampleRate, channels int) (OutputContext, error)

	// OpenMicrophone acquires the default microphone at sampleRate. Returns
	// an error wrapping [ErrPermissionDenied] when access is refused.
	OpenMicrophone(ctx context.Context, sampleRate, channels int) (Stream, error)
}
