// Package s2s defines the Provider interface for Speech-to-Speech (S2S) backends.
//
// An S2S provider wraps a real-time voice AI service that accepts raw audio input
// and returns synthesised audio output in a single, stateful session. Examples
// include the Gemini Live API and similar low-latency voice models.
//
// The central abstraction is [Session]: a bidirectional channel that carries
// encoded microphone chunks upstream and a stream of [Message] values
// (transcription fragments, audio chunks, turn markers) downstream.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
)

// ErrMissingCredential is returned by [Validator.Validate] (and by Connect)
// when the provider has no API credential configured.
var ErrMissingCredential = errors.New("s2s: missing credential")

// ErrSessionClosed is returned by [Session.SendRealtimeInput] after the
// session has been closed locally or remotely.
var ErrSessionClosed = errors.New("s2s: session closed")

// Modality is a response modality requested from the model.
type Modality string

const (
	// ModalityAudio requests synthesised speech.
	ModalityAudio Modality = "AUDIO"

	// ModalityText requests text parts.
	ModalityText Modality = "TEXT"
)

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Model overrides the provider's default model when non-empty.
	Model string

	// Voice selects a prebuilt voice by name (e.g. "Zephyr").
	Voice string

	// Instructions is the system-level prompt that defines the model's
	// persona and behaviour for the whole session.
	Instructions string

	// ResponseModalities lists the desired output modalities. Empty means
	// [ModalityAudio].
	ResponseModalities []Modality

	// InputTranscription enables transcription of the user's speech.
	InputTranscription bool

	// OutputTranscription enables transcription of the model's speech.
	OutputTranscription bool
}

// Blob is an encoded media chunk: Data is the text-safe (base64) encoding of
// the raw bytes described by MIMEType.
type Blob struct {
	Data     string
	MIMEType string
}

// Message is one server event of an open session. Any combination of fields
// may be set in a single message.
type Message struct {
	// InputTranscription is a partial transcript fragment of the user's speech.
	InputTranscription string

	// OutputTranscription is a partial transcript fragment of the model's speech.
	OutputTranscription string

	// Audio is a chunk of synthesised speech, or nil.
	Audio *Blob

	// TurnComplete marks the end of the model's turn.
	TurnComplete bool

	// Interrupted signals that the user barged in; buffered model audio must
	// be discarded.
	Interrupted bool
}

// Session represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// Callers must call Close when the session is no longer needed.
type Session interface {
	// SendRealtimeInput delivers one encoded media chunk to the model.
	// Returns an error wrapping [ErrSessionClosed] once the session has ended.
	SendRealtimeInput(media Blob) error

	// Messages returns the read-only channel of server events. The channel is
	// closed when the session ends, locally or remotely. After it closes,
	// call [Session.Err] to distinguish a clean close from a transport error.
	// Consumers must drain this channel promptly.
	Messages() <-chan Message

	// Err returns the transport error that ended the session, or nil if it
	// ended cleanly or is still open.
	Err() error

	// Close terminates the session and closes the Messages channel. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect establishes a new S2S session and returns once the service has
	// acknowledged the setup (the session is open). It must honour ctx
	// cancellation while connecting. The caller owns the Session.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}

// Validator is implemented by providers that can check their configuration
// before any network activity.
type Validator interface {
	// Validate returns an error wrapping [ErrMissingCredential] when the
	// provider cannot authenticate.
	Validate() error
}
