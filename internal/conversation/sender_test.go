package conversation

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/aria/pkg/audio"
	s2smock "github.com/MrWong99/aria/pkg/provider/s2s/mock"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSender_FlushesQueuedFramesInOrderOnBind(t *testing.T) {
	t.Parallel()
	var sent atomic.Int32
	s := newSender(16, audio.MIMEInputPCM, senderHooks{sent: func() { sent.Add(1) }})
	defer s.stop()

	for i := range 5 {
		if !s.push(fmt.Sprintf("frame-%d", i)) {
			t.Fatalf("push %d dropped", i)
		}
	}

	sess := s2smock.NewSession()
	s.bindSession(sess)
	s.push("frame-5")

	waitFor(t, "6 frames sent", func() bool { return sent.Load() == 6 })
	blobs := sess.Sent()
	for i, b := range blobs {
		if want := fmt.Sprintf("frame-%d", i); b.Data != want {
			t.Errorf("blob %d = %q; want %q", i, b.Data, want)
		}
		if b.MIMEType != audio.MIMEInputPCM {
			t.Errorf("blob %d mime = %q", i, b.MIMEType)
		}
	}
}

func TestSender_DropsNewestWhenFull(t *testing.T) {
	t.Parallel()
	var dropped atomic.Int32
	s := newSender(2, audio.MIMEInputPCM, senderHooks{dropped: func() { dropped.Add(1) }})
	defer s.stop()

	s.push("a")
	s.push("b")
	if s.push("c") {
		t.Error("push into a full queue reported success")
	}
	if dropped.Load() != 1 {
		t.Errorf("dropped = %d; want 1", dropped.Load())
	}

	sess := s2smock.NewSession()
	s.bindSession(sess)
	waitFor(t, "queued frames sent", func() bool { return len(sess.Sent()) == 2 })
	if got := sess.Sent(); got[0].Data != "a" || got[1].Data != "b" {
		t.Errorf("sent = %+v; want a, b", got)
	}
}

func TestSender_ReportsFailureOnce(t *testing.T) {
	t.Parallel()
	failures := make(chan error, 4)
	s := newSender(8, audio.MIMEInputPCM, senderHooks{failed: func(err error) { failures <- err }})
	defer s.stop()

	sendErr := errors.New("socket gone")
	sess := s2smock.NewSession()
	sess.SetSendErr(sendErr)
	s.bindSession(sess)
	s.push("a")
	s.push("b")

	select {
	case err := <-failures:
		if !errors.Is(err, sendErr) {
			t.Errorf("failure = %v; want %v", err, sendErr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no failure reported")
	}
	select {
	case err := <-failures:
		t.Errorf("second failure reported: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSender_StopDiscardsQueue(t *testing.T) {
	t.Parallel()
	s := newSender(8, audio.MIMEInputPCM, senderHooks{})
	s.push("a")
	s.stop()
	s.stop()
	if s.push("b") {
		t.Error("push after stop reported success")
	}

	select {
	case <-s.done:
	case <-time.After(3 * time.Second):
		t.Fatal("sender goroutine did not exit")
	}
	sess := s2smock.NewSession()
	s.bindSession(sess)
	if n := len(sess.Sent()); n != 0 {
		t.Errorf("sent %d frames after stop", n)
	}
}
