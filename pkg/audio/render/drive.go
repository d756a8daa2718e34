package render

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/aria/pkg/audio/device"
)

// defaultPeriod is the render quantum used by [Drive] and [NullBackend].
const defaultPeriod = 20 * time.Millisecond

// Drive pulls frames from c in real time, one period per tick, and hands
// each rendered block to sink (which may be nil). It returns when ctx is
// done. sink must not retain the slice.
func Drive(ctx context.Context, c *Context, period time.Duration, sink func([]float32)) {
	if period <= 0 {
		period = defaultPeriod
	}
	frames := int(int64(c.SampleRate()) * int64(period) / int64(time.Second))
	block := make([]float32, max(frames, 1)*c.Channels())

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Render(block)
			if sink != nil {
				sink(block)
			}
		}
	}
}

// NullBackend is a headless [device.Backend]: output contexts are rendered
// in real time into silence, and no microphone is available.
type NullBackend struct{}

// Compile-time interface assertion.
var _ device.Backend = NullBackend{}

// OpenOutput returns a [Context] driven by a background [Drive] loop that
// stops when the context is closed.
func (NullBackend) OpenOutput(_ context.Context, sampleRate, channels int) (device.OutputContext, error) {
	c := New(sampleRate, channels)
	driveCtx, cancel := context.WithCancel(context.Background())
	go Drive(driveCtx, c, defaultPeriod, nil)
	return &drivenContext{Context: c, cancel: cancel}, nil
}

// OpenMicrophone always fails: the null backend has no capture device.
func (NullBackend) OpenMicrophone(_ context.Context, _, _ int) (device.Stream, error) {
	return nil, fmt.Errorf("render: null backend has no microphone: %w", device.ErrPermissionDenied)
}

// drivenContext stops its drive loop on Close.
type drivenContext struct {
	*Context
	cancel context.CancelFunc
}

func (d *drivenContext) Close() error {
	d.cancel()
	return d.Context.Close()
}
