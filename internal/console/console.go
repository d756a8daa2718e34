// Package console is the terminal front end: single-letter commands on the
// input drive the conversation and every status change and finalised turn is
// printed to the output.
//
// Commands (one per line): s starts a conversation, x ends it, q quits.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/aria/internal/conversation"
)

// ErrQuit is returned by [Console.Run] when the user asks to quit.
var ErrQuit = errors.New("console: quit")

// Controller is the part of [conversation.Manager] the console drives.
type Controller interface {
	StartConversation(ctx context.Context) error
	StopConversation(ctx context.Context) error
	Status() conversation.Status
	Subscribe() (<-chan conversation.Snapshot, func())
}

var _ Controller = (*conversation.Manager)(nil)

// Console reads commands from in and renders conversation updates to out.
type Console struct {
	ctrl Controller
	in   io.Reader

	mu  sync.Mutex
	out io.Writer
}

// New returns a console for ctrl.
func New(ctrl Controller, in io.Reader, out io.Writer) *Console {
	return &Console{ctrl: ctrl, in: in, out: out}
}

// Run prints updates and handles commands until ctx is cancelled (returns
// nil), the input ends (returns nil) or the user quits (returns [ErrQuit]).
func (c *Console) Run(ctx context.Context) error {
	updates, unsubscribe := c.ctrl.Subscribe()
	defer unsubscribe()

	c.printf("%s\n", statusText(conversation.StatusIdle))
	c.printf("commands: s = start conversation, x = end conversation, q = quit\n")

	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		c.render(updates)
	}()

	lines := make(chan string)
	stop := make(chan struct{})
	defer close(stop)
	go c.scan(lines, stop)

	err := c.loop(ctx, lines)
	unsubscribe()
	<-rendered
	return err
}

func (c *Console) loop(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.command(ctx, line); quit {
				return ErrQuit
			}
		}
	}
}

// scan runs until the input ends or stop is closed. A pending terminal read
// keeps it alive after Run returns until the next line or process exit.
func (c *Console) scan(lines chan<- string, stop <-chan struct{}) {
	defer close(lines)
	sc := bufio.NewScanner(c.in)
	for sc.Scan() {
		select {
		case lines <- sc.Text():
		case <-stop:
			return
		}
	}
	if err := sc.Err(); err != nil {
		slog.Warn("console: read input", "err", err)
	}
}

func (c *Console) command(ctx context.Context, line string) (quit bool) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "":
	case "s":
		if st := c.ctrl.Status(); st.Active() {
			c.printf("a conversation is already %s; press x to end it\n", st)
			return false
		}
		// Failures are reported through the snapshot's last error.
		if err := c.ctrl.StartConversation(ctx); err != nil {
			slog.Debug("console: start conversation", "err", err)
		}
	case "x":
		if err := c.ctrl.StopConversation(ctx); err != nil {
			slog.Debug("console: stop conversation", "err", err)
		}
	case "q":
		return true
	default:
		c.printf("unknown command %q; use s, x or q\n", line)
	}
	return false
}

// render prints the difference between consecutive snapshots.
func (c *Console) render(updates <-chan conversation.Snapshot) {
	var (
		status  = conversation.StatusIdle
		shown   int
		lastErr string
		convID  string
	)
	for snap := range updates {
		// Idle snapshots carry no id but keep the finished transcript.
		if snap.ConversationID != "" && snap.ConversationID != convID {
			convID = snap.ConversationID
			shown = 0
		}
		if len(snap.Transcript) < shown {
			shown = 0
		}
		for _, turn := range snap.Transcript[shown:] {
			c.printf("%s: %s\n", speakerLabel(turn.Speaker), turn.Text)
		}
		shown = len(snap.Transcript)

		if snap.LastError != "" && snap.LastError != lastErr {
			c.printf("error: %s\n", snap.LastError)
		}
		lastErr = snap.LastError

		if snap.Status != status {
			status = snap.Status
			c.printf("%s\n", statusText(status))
		}
	}
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func statusText(s conversation.Status) string {
	switch s {
	case conversation.StatusConnecting:
		return "Connecting..."
	case conversation.StatusListening:
		return "Listening..."
	case conversation.StatusSpeaking:
		return "Speaking..."
	default:
		return "Ready to Chat"
	}
}

func speakerLabel(s conversation.Speaker) string {
	if s == conversation.SpeakerUser {
		return "You"
	}
	return "Aria"
}
