// Package mock provides deterministic in-memory implementations of the
// [device.Backend], [device.OutputContext] and [device.Stream] interfaces for
// use in unit tests.
//
// Output contexts are [render.Context] values whose clock only moves when the
// test calls [Output.Advance]. Microphone streams deliver frames only when the
// test calls [Stream.Emit]. All mocks are safe for concurrent use and record
// the calls made against them.
//
// Typical usage:
//
//	b := &mock.Backend{}
//	// ... run the code under test ...
//	b.LastStream().Emit([][]float32{samples})
//	b.LastOutput().Advance(0.5)
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/aria/pkg/audio/device"
	"github.com/MrWong99/aria/pkg/audio/render"
)

// ─── Backend ──────────────────────────────────────────────────────────────────

// Backend is a mock implementation of [device.Backend].
type Backend struct {
	mu sync.Mutex

	// OutputErr, if non-nil, is returned by OpenOutput.
	OutputErr error

	// MicrophoneErr, if non-nil, is returned by OpenMicrophone.
	MicrophoneErr error

	// MicrophoneGate, if non-nil, blocks OpenMicrophone until it is closed or
	// ctx is done. Use it to simulate a pending permission prompt.
	MicrophoneGate chan struct{}

	outputs []*Output
	streams []*Stream
}

// Compile-time interface assertion.
var _ device.Backend = (*Backend)(nil)

// OpenOutput records the call and returns a new [Output].
func (b *Backend) OpenOutput(_ context.Context, sampleRate, channels int) (device.OutputContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.OutputErr != nil {
		return nil, b.OutputErr
	}
	o := &Output{Context: render.New(sampleRate, channels)}
	b.outputs = append(b.outputs, o)
	return o, nil
}

// OpenMicrophone records the call and returns a new [Stream].
func (b *Backend) OpenMicrophone(ctx context.Context, sampleRate, channels int) (device.Stream, error) {
	b.mu.Lock()
	gate := b.MicrophoneGate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.MicrophoneErr != nil {
		return nil, b.MicrophoneErr
	}
	s := &Stream{SampleRate: sampleRate, Channels: channels}
	b.streams = append(b.streams, s)
	return s, nil
}

// Outputs returns every output context opened so far, in order.
func (b *Backend) Outputs() []*Output {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Output(nil), b.outputs...)
}

// Streams returns every microphone stream opened so far, in order.
func (b *Backend) Streams() []*Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Stream(nil), b.streams...)
}

// LastOutput returns the most recently opened output, or nil.
func (b *Backend) LastOutput() *Output {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.outputs) == 0 {
		return nil
	}
	return b.outputs[len(b.outputs)-1]
}

// LastStream returns the most recently opened stream, or nil.
func (b *Backend) LastStream() *Stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.streams) == 0 {
		return nil
	}
	return b.streams[len(b.streams)-1]
}

// OpenStreams returns the number of microphone streams not yet closed.
func (b *Backend) OpenStreams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.streams {
		if !s.IsClosed() {
			n++
		}
	}
	return n
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a manually clocked [device.OutputContext].
type Output struct {
	*render.Context

	mu          sync.Mutex
	closeCalled int

	// CloseErr, if non-nil, is returned by Close (the context still closes).
	CloseErr error
}

// Advance renders seconds worth of frames, moving the clock forward and
// firing ended callbacks of sources that finish within that span.
func (o *Output) Advance(seconds float64) {
	frames := int(seconds * float64(o.SampleRate()))
	o.Render(make([]float32, frames*o.Channels()))
}

// Close records the call and closes the underlying context.
func (o *Output) Close() error {
	o.mu.Lock()
	o.closeCalled++
	err := o.CloseErr
	o.mu.Unlock()
	_ = o.Context.Close()
	return err
}

// CloseCount returns how many times Close was called.
func (o *Output) CloseCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closeCalled
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// ErrTapAttached is returned by [Stream.Tap] when a tap is already attached.
var ErrTapAttached = errors.New("mock: tap already attached")

// Stream is a mock [device.Stream] driven by [Stream.Emit].
type Stream struct {
	// SampleRate and Channels record the format requested at open time.
	SampleRate int
	Channels   int

	// CloseErr, if non-nil, is returned by Close (the stream still closes).
	CloseErr error

	mu         sync.Mutex
	tap        *tap
	frameSize  int
	closed     bool
	closeCalls int
}

// Compile-time interface assertion.
var _ device.Stream = (*Stream)(nil)

// Tap attaches fn. Only one tap may be attached at a time.
func (s *Stream) Tap(frameSize, _ int, fn func(frame [][]float32)) (device.Tap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tap != nil {
		return nil, ErrTapAttached
	}
	s.tap = &tap{stream: s, fn: fn}
	s.frameSize = frameSize
	return s.tap, nil
}

// FrameSize returns the frame size requested by the attached tap.
func (s *Stream) FrameSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameSize
}

// Emit delivers frame to the attached tap synchronously. It reports whether
// a tap received the frame.
func (s *Stream) Emit(frame [][]float32) bool {
	s.mu.Lock()
	t := s.tap
	closed := s.closed
	s.mu.Unlock()
	if t == nil || closed {
		return false
	}
	t.fn(frame)
	return true
}

// Close stops the stream. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	s.closed = true
	s.tap = nil
	return s.CloseErr
}

// IsClosed reports whether Close has been called.
func (s *Stream) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// HasTap reports whether a tap is currently attached.
func (s *Stream) HasTap() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tap != nil
}

type tap struct {
	stream *Stream
	fn     func(frame [][]float32)
}

func (t *tap) Disconnect() {
	s := t.stream
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tap == t {
		s.tap = nil
	}
}
