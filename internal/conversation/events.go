package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/aria/pkg/audio/device"
	"github.com/MrWong99/aria/pkg/provider/s2s"
)

// event is anything the manager loop consumes.
type event interface{ isEvent() }

// ── Commands ──────────────────────────────────────────────────────────────────

type startCmd struct {
	ctx   context.Context
	reply chan error
}

type stopCmd struct {
	reply chan error
}

type closeCmd struct {
	reply chan error
}

// ── Asynchronous results ──────────────────────────────────────────────────────

// Every result carries the generation of the resource bundle it belongs to so
// that results for a stopped or superseded conversation can be discarded.

type sessionOpened struct {
	gen     uint64
	session s2s.Session
	err     error
	elapsed time.Duration
}

type micOpened struct {
	gen    uint64
	stream device.Stream
	err    error
}

type sessionMessage struct {
	gen uint64
	msg s2s.Message
}

type sessionEnded struct {
	gen uint64
	err error
}

type sendFailed struct {
	gen uint64
	err error
}

// dispatched runs fn on the loop, used for playback ended callbacks.
type dispatched struct {
	gen uint64
	fn  func()
}

func (startCmd) isEvent()       {}
func (stopCmd) isEvent()        {}
func (closeCmd) isEvent()       {}
func (sessionOpened) isEvent()  {}
func (micOpened) isEvent()      {}
func (sessionMessage) isEvent() {}
func (sessionEnded) isEvent()   {}
func (sendFailed) isEvent()     {}
func (dispatched) isEvent()     {}

// ── Inbox ─────────────────────────────────────────────────────────────────────

// inbox is an unbounded FIFO feeding the loop. put never blocks, so device
// callbacks, network readers and the loop itself can all post safely.
type inbox struct {
	mu    sync.Mutex
	items []event
	ready chan struct{}
}

func newInbox() *inbox {
	return &inbox{ready: make(chan struct{}, 1)}
}

func (b *inbox) put(ev event) {
	b.mu.Lock()
	b.items = append(b.items, ev)
	b.mu.Unlock()
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// take returns every queued event in order and empties the queue.
func (b *inbox) take() []event {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}
