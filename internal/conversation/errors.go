package conversation

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by [Manager] commands issued after [Manager.Close].
var ErrClosed = errors.New("conversation: manager closed")

// Kind classifies a conversation [Error].
type Kind int

const (
	// UnexpectedError is any start failure without a more specific kind.
	UnexpectedError Kind = iota

	// ConfigurationError means the service credential is missing.
	ConfigurationError

	// MicrophonePermissionError means microphone access was denied.
	MicrophonePermissionError

	// TransportError means the remote session failed or could not be opened.
	TransportError

	// MalformedAudioError means one incoming audio chunk could not be decoded.
	// It never ends the conversation.
	MalformedAudioError

	// SendFailure means a captured frame could not be delivered upstream.
	SendFailure
)

// String returns the snake_case name of the kind, used as a metric attribute.
func (k Kind) String() string {
	switch k {
	case ConfigurationError:
		return "configuration"
	case MicrophonePermissionError:
		return "microphone_permission"
	case TransportError:
		return "transport"
	case MalformedAudioError:
		return "malformed_audio"
	case SendFailure:
		return "send_failure"
	default:
		return "unexpected"
	}
}

// User-visible messages. Diagnostic detail stays in the logs.
const (
	msgConfiguration = "The voice service API key is not configured."
	msgMicrophone    = "Microphone access is required. Please allow microphone permissions and try again."
	msgTransport     = "A connection error occurred. Please try again."
	msgSend          = "Failed to send audio. Please try again."
	msgMalformed     = "Received audio that could not be played."
	msgUnexpected    = "An unexpected error occurred: "
)

// Error is a classified conversation failure. Message is the plain string
// shown to the user; Err carries the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// newError builds an Error of kind k with the matching user message.
func newError(k Kind, err error) *Error {
	e := &Error{Kind: k, Err: err}
	switch k {
	case ConfigurationError:
		e.Message = msgConfiguration
	case MicrophonePermissionError:
		e.Message = msgMicrophone
	case TransportError:
		e.Message = msgTransport
	case SendFailure:
		e.Message = msgSend
	case MalformedAudioError:
		e.Message = msgMalformed
	default:
		detail := "unknown error"
		if err != nil {
			detail = err.Error()
		}
		e.Message = msgUnexpected + detail
	}
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("conversation: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("conversation: %s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first [*Error] in err's chain, or
// [UnexpectedError] when there is none.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return UnexpectedError
}
