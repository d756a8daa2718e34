// Package malgo implements [device.Backend] on top of miniaudio through
// github.com/gen2brain/malgo.
//
// Playback devices pull frames from a [render.Context] in the device's data
// callback, so the context clock follows the hardware clock. Capture devices
// deliver float32 samples which are sliced into fixed-size frames for the
// attached tap.
//
// A [Backend] owns one miniaudio context; call [Backend.Close] after every
// device opened from it has been closed.
package malgo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/aria/pkg/audio"
	"github.com/MrWong99/aria/pkg/audio/device"
	"github.com/MrWong99/aria/pkg/audio/render"
)

// Compile-time interface assertions.
var (
	_ device.Backend       = (*Backend)(nil)
	_ device.OutputContext = (*output)(nil)
	_ device.Stream        = (*stream)(nil)
)

// Backend opens miniaudio playback and capture devices.
type Backend struct {
	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	closed bool
}

// New initialises a miniaudio context with the platform's default backends.
func New() (*Backend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("malgo: " + msg)
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	return &Backend{ctx: ctx}, nil
}

// Close releases the miniaudio context. Idempotent.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	err := b.ctx.Uninit()
	b.ctx.Free()
	if err != nil {
		return fmt.Errorf("malgo: uninit context: %w", err)
	}
	return nil
}

func (b *Backend) context() (malgo.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return malgo.Context{}, errors.New("malgo: backend closed")
	}
	return b.ctx.Context, nil
}

// ── Playback ──────────────────────────────────────────────────────────────────

// OpenOutput starts a playback device at sampleRate and returns its clock.
func (b *Backend) OpenOutput(_ context.Context, sampleRate, channels int) (device.OutputContext, error) {
	mctx, err := b.context()
	if err != nil {
		return nil, err
	}

	rc := render.New(sampleRate, channels)
	o := &output{Context: rc}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatF32
	cfg.Playback.Channels = uint32(rc.Channels())
	cfg.SampleRate = uint32(rc.SampleRate())
	cfg.Alsa.NoMMap = 1

	var scratch []float32
	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frameCount uint32) {
			n := int(frameCount) * rc.Channels()
			if cap(scratch) < n {
				scratch = make([]float32, n)
			}
			block := scratch[:n]
			rc.Render(block)
			putFloat32s(out, block)
		},
	}

	dev, err := malgo.InitDevice(mctx, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("malgo: init playback device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("malgo: start playback device: %w", err)
	}
	o.dev = dev
	return o, nil
}

// output is a render.Context clocked by a playback device.
type output struct {
	*render.Context
	dev  *malgo.Device
	once sync.Once
}

// Close stops the device and discards every scheduled source. Idempotent.
func (o *output) Close() error {
	var err error
	o.once.Do(func() {
		if serr := o.dev.Stop(); serr != nil {
			err = fmt.Errorf("malgo: stop playback device: %w", serr)
		}
		o.dev.Uninit()
		_ = o.Context.Close()
	})
	return err
}

// ── Capture ───────────────────────────────────────────────────────────────────

// OpenMicrophone starts a capture device at sampleRate. Failure to open the
// default capture device is reported as [device.ErrPermissionDenied].
func (b *Backend) OpenMicrophone(_ context.Context, sampleRate, channels int) (device.Stream, error) {
	mctx, err := b.context()
	if err != nil {
		return nil, err
	}
	if sampleRate <= 0 {
		sampleRate = audio.InputSampleRate
	}
	if channels <= 0 {
		channels = 1
	}

	s := &stream{channels: channels}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(channels)
	cfg.SampleRate = uint32(sampleRate)
	cfg.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			s.deliver(in)
		},
	}

	dev, err := malgo.InitDevice(mctx, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("malgo: init capture device: %v: %w", err, device.ErrPermissionDenied)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("malgo: start capture device: %v: %w", err, device.ErrPermissionDenied)
	}
	s.dev = dev
	return s, nil
}

// stream is a live capture device. Samples arriving while no tap is attached
// are discarded.
type stream struct {
	channels int
	dev      *malgo.Device

	mu     sync.Mutex
	tap    *tap
	closed bool

	// delivering is held for the duration of one device callback.
	delivering sync.Mutex
}

// Tap attaches fn with a framer of frameSize samples. Fails while another tap
// is attached.
func (s *stream) Tap(frameSize, channels int, fn func(frame [][]float32)) (device.Tap, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("malgo: invalid frame size %d", frameSize)
	}
	if channels <= 0 || channels > s.channels {
		channels = s.channels
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("malgo: stream closed")
	}
	if s.tap != nil {
		return nil, errors.New("malgo: tap already attached")
	}
	t := &tap{stream: s, framer: newFramer(frameSize, s.channels), channels: channels, fn: fn}
	s.tap = t
	return t, nil
}

// deliver runs on the device callback goroutine.
func (s *stream) deliver(raw []byte) {
	s.delivering.Lock()
	defer s.delivering.Unlock()

	t := s.attached()
	if t == nil {
		return
	}
	t.framer.write(raw, func(frame [][]float32) {
		if s.attached() != t {
			return
		}
		t.fn(frame[:t.channels])
	})
}

func (s *stream) attached() *tap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tap
}

// Close stops the capture device. Idempotent.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.tap = nil
	s.mu.Unlock()

	err := s.dev.Stop()
	s.dev.Uninit()
	if err != nil {
		return fmt.Errorf("malgo: stop capture device: %w", err)
	}
	return nil
}

type tap struct {
	stream   *stream
	framer   *framer
	channels int
	fn       func(frame [][]float32)
}

// Disconnect detaches the tap and waits for a frame callback in progress.
// It must not be called from the frame callback.
func (t *tap) Disconnect() {
	s := t.stream
	s.mu.Lock()
	if s.tap == t {
		s.tap = nil
	}
	s.mu.Unlock()

	s.delivering.Lock()
	s.delivering.Unlock()
}
