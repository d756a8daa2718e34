package conversation

import (
	"github.com/MrWong99/aria/pkg/audio"
	"github.com/MrWong99/aria/pkg/audio/device"
)

// Scheduler places decoded reply chunks back to back on an output clock so
// that consecutive chunks play without gaps or overlap.
//
// Scheduler is not safe for concurrent use. Ended callbacks from the output
// device are routed through the dispatch function given to [NewScheduler],
// which the [Manager] uses to hop onto its event loop.
type Scheduler struct {
	out       device.OutputContext
	dispatch  func(func())
	onDrained func()

	nextStart float64
	active    map[*playing]struct{}
	drained   bool
}

// playing wraps a live source so it can key the active set.
type playing struct {
	src device.Source
}

// NewScheduler creates a Scheduler on out. dispatch runs ended callbacks in
// the owner's context; nil runs them inline. onDrained, if non-nil, is called
// whenever the last live source ends.
func NewScheduler(out device.OutputContext, dispatch func(func()), onDrained func()) *Scheduler {
	if dispatch == nil {
		dispatch = func(fn func()) { fn() }
	}
	return &Scheduler{
		out:       out,
		dispatch:  dispatch,
		onDrained: onDrained,
		active:    make(map[*playing]struct{}),
	}
}

// Enqueue schedules buf to start at the playback cursor, or at now if the
// cursor has fallen behind the clock, and advances the cursor by the buffer's
// duration. It returns the scheduled start time in seconds.
func (s *Scheduler) Enqueue(buf *audio.Buffer, now float64) float64 {
	if s.drained {
		return now
	}
	s.nextStart = max(s.nextStart, now)

	p := &playing{src: s.out.NewSource(buf)}
	p.src.OnEnded(func() {
		s.dispatch(func() { s.ended(p) })
	})

	start := s.nextStart
	p.src.Start(start)
	s.nextStart += buf.Duration()
	s.active[p] = struct{}{}
	return start
}

// ended removes p from the live set and reports the drain transition.
func (s *Scheduler) ended(p *playing) {
	if s.drained {
		return
	}
	if _, ok := s.active[p]; !ok {
		return
	}
	delete(s.active, p)
	if len(s.active) == 0 && s.onDrained != nil {
		s.onDrained()
	}
}

// FlushAll stops every live source immediately and rewinds the cursor to 0.
// It is used on barge-in and does not report a drain.
func (s *Scheduler) FlushAll() {
	live := s.active
	s.active = make(map[*playing]struct{})
	s.nextStart = 0
	for p := range live {
		p.src.Stop()
	}
}

// Drain stops every live source without waiting for natural completion and
// disables the scheduler. Further calls are no-ops.
func (s *Scheduler) Drain() {
	if s.drained {
		return
	}
	s.drained = true
	live := s.active
	s.active = make(map[*playing]struct{})
	s.nextStart = 0
	for p := range live {
		p.src.Stop()
	}
}

// Active returns the number of sources scheduled or playing.
func (s *Scheduler) Active() int { return len(s.active) }

// NextStart returns the playback cursor in seconds on the output clock.
func (s *Scheduler) NextStart() float64 { return s.nextStart }
