// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to drive server events and inspect which media chunks were sent
// by the code under test.
//
// Example:
//
//	p := &mock.Provider{}
//	// ... code under test calls p.Connect ...
//	sess := p.LastSession()
//	sess.Push(s2s.Message{TurnComplete: true})
//	sess.EndRemote(errors.New("connection reset"))
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/aria/pkg/provider/s2s"
)

// messageBuffer is large enough that tests never block in Push.
const messageBuffer = 256

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider and s2s.Validator.
type Provider struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ValidateErr, if non-nil, is returned from Validate.
	ValidateErr error

	// Gate, if non-nil, blocks Connect until it is closed or ctx is done.
	Gate chan struct{}

	// SendErr is copied into every new Session.
	SendErr error

	connectCalls []ConnectCall
	sessions     []*Session
}

// Compile-time interface assertions.
var (
	_ s2s.Provider  = (*Provider)(nil)
	_ s2s.Validator = (*Provider)(nil)
	_ s2s.Session   = (*Session)(nil)
)

// Connect records the call and returns a fresh Session or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.Session, error) {
	p.mu.Lock()
	p.connectCalls = append(p.connectCalls, ConnectCall{Cfg: cfg})
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	s := NewSession()
	s.SendErr = p.SendErr
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Validate returns ValidateErr.
func (p *Provider) Validate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ValidateErr
}

// ConnectCalls returns a copy of every recorded Connect call.
func (p *Provider) ConnectCalls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.connectCalls...)
}

// Sessions returns every session handed out so far, in order.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// LastSession returns the most recent session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// ─── Session ──────────────────────────────────────────────────────────────────

// Session is a mock implementation of s2s.Session.
type Session struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by SendRealtimeInput.
	SendErr error

	messages   chan s2s.Message
	sent       []s2s.Blob
	err        error
	ended      bool
	closeCalls int
}

// NewSession returns an open Session with a buffered Messages channel.
func NewSession() *Session {
	return &Session{messages: make(chan s2s.Message, messageBuffer)}
}

// SendRealtimeInput records media, or fails with SendErr or ErrSessionClosed.
func (s *Session) SendRealtimeInput(media s2s.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return s2s.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.sent = append(s.sent, media)
	return nil
}

// Messages returns the server event channel.
func (s *Session) Messages() <-chan s2s.Message { return s.messages }

// Err returns the error passed to EndRemote.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close records the call and closes the Messages channel. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	s.endLocked(nil)
	return nil
}

// Push delivers m as a server event. It reports false if the session has
// already ended.
func (s *Session) Push(m s2s.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.messages <- m
	return true
}

// EndRemote simulates the server ending the session. A nil err is a clean
// close; a non-nil err is a transport error.
func (s *Session) EndRemote(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked(err)
}

func (s *Session) endLocked(err error) {
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.messages)
}

// Sent returns a copy of every media chunk accepted by SendRealtimeInput.
func (s *Session) Sent() []s2s.Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]s2s.Blob(nil), s.sent...)
}

// SetSendErr changes SendErr under the session lock.
func (s *Session) SetSendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendErr = err
}

// CloseCount returns how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// Ended reports whether the session was closed locally or remotely.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}
