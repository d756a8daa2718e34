// Package render provides a software [device.OutputContext]: a real-time
// output clock that mixes scheduled sources into interleaved float frames.
//
// The clock advances only as frames are pulled through [Context.Render], so
// the context is driven either by a hardware playback callback (see
// audio/malgo) or by [Drive] for headless operation. Sources are kept in a
// start-time priority queue; a source begins on the exact frame it was
// scheduled for and ends when its buffer is exhausted, at which point its
// ended callback is invoked outside the context lock.
package render

import (
	"container/heap"
	"math"
	"sync"

	"github.com/MrWong99/aria/pkg/audio"
	"github.com/MrWong99/aria/pkg/audio/device"
)

// Compile-time interface assertions.
var (
	_ device.OutputContext = (*Context)(nil)
	_ device.Source        = (*source)(nil)
)

// Context is a software output clock. All exported methods are safe for
// concurrent use.
type Context struct {
	rate     int
	channels int

	mu      sync.Mutex
	frame   int64 // frames rendered so far; the clock
	seq     uint64
	pending startHeap // started, not yet reached
	playing []*source
	closed  bool
}

// New creates a Context at sampleRate Hz with the given interleaved channel
// count. Non-positive values default to 24 kHz mono.
func New(sampleRate, channels int) *Context {
	if sampleRate <= 0 {
		sampleRate = audio.OutputSampleRate
	}
	if channels <= 0 {
		channels = 1
	}
	c := &Context{rate: sampleRate, channels: channels}
	heap.Init(&c.pending)
	return c
}

// CurrentTime returns the clock position in seconds.
func (c *Context) CurrentTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return float64(c.frame) / float64(c.rate)
}

// SampleRate returns the rate of the clock in Hz.
func (c *Context) SampleRate() int { return c.rate }

// Channels returns the interleaved channel count produced by Render.
func (c *Context) Channels() int { return c.channels }

// Active returns the number of sources that are scheduled or playing.
func (c *Context) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) + len(c.playing)
}

// NewSource creates an unstarted source for buf.
func (c *Context) NewSource(buf *audio.Buffer) device.Source {
	return &source{ctx: c, buf: buf}
}

// Render mixes every source audible in the next len(out)/Channels() frames
// into out as interleaved samples clamped to [-1, 1] and advances the clock
// by that many frames. Ended callbacks fire after the clock has advanced.
func (c *Context) Render(out []float32) {
	clear(out)
	frames := int64(len(out) / c.channels)
	if frames == 0 {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	blockStart := c.frame
	blockEnd := blockStart + frames

	for len(c.pending) > 0 && c.pending[0].start < blockEnd {
		e := heap.Pop(&c.pending).(scheduled)
		c.playing = append(c.playing, e.src)
	}

	var ended []func()
	kept := c.playing[:0]
	for _, s := range c.playing {
		offset := max(s.start-blockStart, 0)
		s.mixInto(out, int(offset), c.channels)
		if s.pos >= s.buf.Frames() {
			ended = append(ended, s.finishLocked()...)
			continue
		}
		kept = append(kept, s)
	}
	clear(c.playing[len(kept):])
	c.playing = kept
	c.frame = blockEnd
	c.mu.Unlock()

	for i := range out {
		if out[i] > 1 {
			out[i] = 1
		} else if out[i] < -1 {
			out[i] = -1
		}
	}
	for _, fn := range ended {
		fn()
	}
}

// Close silences and discards every source without invoking ended
// callbacks. Subsequent Render calls produce silence. Idempotent.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, e := range c.pending {
		e.src.ended = true
	}
	for _, s := range c.playing {
		s.ended = true
	}
	c.pending = nil
	c.playing = nil
	return nil
}

// removeLocked drops s from the pending queue or the playing list.
func (c *Context) removeLocked(s *source) {
	for i := range c.pending {
		if c.pending[i].src == s {
			heap.Remove(&c.pending, i)
			return
		}
	}
	for i, p := range c.playing {
		if p == s {
			c.playing = append(c.playing[:i], c.playing[i+1:]...)
			return
		}
	}
}

// source is the [device.Source] returned by [Context.NewSource]. Its state
// is guarded by the owning context's mutex.
type source struct {
	ctx *Context
	buf *audio.Buffer

	start   int64 // absolute start frame
	pos     int   // frames already rendered
	started bool
	ended   bool
	fired   bool
	onEnded func()
}

// Start schedules s at when seconds on the context clock, clamped to now.
func (s *source) Start(when float64) {
	c := s.ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.started || s.ended || c.closed {
		return
	}
	s.started = true
	start := int64(math.Round(when * float64(c.rate)))
	s.start = max(start, c.frame)
	c.seq++
	heap.Push(&c.pending, scheduled{src: s, start: s.start, seq: c.seq})
}

// Stop halts s immediately and fires its ended callback once.
func (s *source) Stop() {
	c := s.ctx
	c.mu.Lock()
	if s.ended {
		c.mu.Unlock()
		return
	}
	c.removeLocked(s)
	fns := s.finishLocked()
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// OnEnded registers fn. If s has already ended, fn is invoked immediately.
func (s *source) OnEnded(fn func()) {
	c := s.ctx
	c.mu.Lock()
	s.onEnded = fn
	var fns []func()
	if s.ended && !s.fired && fn != nil {
		s.fired = true
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, f := range fns {
		f()
	}
}

// finishLocked marks s ended and returns the callback to run, if any.
func (s *source) finishLocked() []func() {
	s.ended = true
	if s.fired || s.onEnded == nil {
		return nil
	}
	s.fired = true
	return []func(){s.onEnded}
}

// mixInto adds the next samples of s into out starting at frame offset.
func (s *source) mixInto(out []float32, offset, channels int) {
	frames := len(out) / channels
	n := min(frames-offset, s.buf.Frames()-s.pos)
	if n <= 0 || s.buf.Channels == 0 {
		return
	}
	for i := range n {
		for ch := range channels {
			out[(offset+i)*channels+ch] += s.buf.Data[ch%s.buf.Channels][s.pos+i]
		}
	}
	s.pos += n
}
