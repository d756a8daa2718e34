package conversation

import (
	"sync"

	"github.com/MrWong99/aria/pkg/provider/s2s"
)

// DefaultSendQueueSize is the number of encoded frames buffered while the
// session is not yet bound or the network is slow.
const DefaultSendQueueSize = 64

// senderHooks reports sender activity. Every hook runs on the sender's
// goroutine or the pushing goroutine and must not block.
type senderHooks struct {
	sent    func()
	dropped func()
	failed  func(err error)
}

// sender forwards encoded capture frames to the session in capture order.
// Frames pushed before the session is bound wait in a bounded queue and are
// flushed in order once it is. When the queue is full the newest frame is
// dropped.
type sender struct {
	queue chan string
	bind  chan s2s.Session
	mime  string
	hooks senderHooks

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newSender(size int, mime string, hooks senderHooks) *sender {
	if size <= 0 {
		size = DefaultSendQueueSize
	}
	s := &sender{
		queue:  make(chan string, size),
		bind:   make(chan s2s.Session, 1),
		mime:   mime,
		hooks:  hooks,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// push enqueues one encoded frame. It reports false when the frame was
// dropped because the queue is full or the sender has stopped.
func (s *sender) push(encoded string) bool {
	select {
	case <-s.stopCh:
		return false
	default:
	}
	select {
	case s.queue <- encoded:
		return true
	default:
		if s.hooks.dropped != nil {
			s.hooks.dropped()
		}
		return false
	}
}

// bindSession starts delivery to sess. Only the first call has an effect.
func (s *sender) bindSession(sess s2s.Session) {
	select {
	case s.bind <- sess:
	default:
	}
}

// stop ends delivery. Queued frames are discarded. It does not wait for an
// in-flight send; closing the session unblocks that.
func (s *sender) stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *sender) run() {
	defer close(s.done)

	var sess s2s.Session
	select {
	case sess = <-s.bind:
	case <-s.stopCh:
		return
	}

	for {
		// Checked first so that no frame is sent after stop.
		select {
		case <-s.stopCh:
			return
		default:
		}

		select {
		case <-s.stopCh:
			return
		case data := <-s.queue:
			if err := sess.SendRealtimeInput(s2s.Blob{Data: data, MIMEType: s.mime}); err != nil {
				if s.hooks.failed != nil {
					s.hooks.failed(err)
				}
				return
			}
			if s.hooks.sent != nil {
				s.hooks.sent()
			}
		}
	}
}
