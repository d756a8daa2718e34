// Package conversation drives one live voice conversation at a time: it opens
// the remote speech session, streams microphone frames upstream, schedules the
// synthesised replies for gapless playback and accumulates a running
// transcript of both sides.
//
// The central type is [Manager]. All of its state is owned by a single event
// loop goroutine; device callbacks, network reads and sends run on their own
// goroutines and only post events to that loop. Callers observe the
// conversation through [Manager.Snapshot] or [Manager.Subscribe].
//
// This package is internal because it encapsulates application-private
// session orchestration and is not intended for import by external code.
package conversation

// Status is the lifecycle state of the conversation.
type Status int

const (
	// StatusIdle means no conversation is active.
	StatusIdle Status = iota

	// StatusConnecting means the remote session is being opened.
	StatusConnecting

	// StatusListening means the microphone is live and the model is silent.
	StatusListening

	// StatusSpeaking means the model is producing a reply.
	StatusSpeaking
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusListening:
		return "listening"
	case StatusSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler] so that Status renders as
// its name in JSON.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Active reports whether a conversation holds resources in this state.
func (s Status) Active() bool {
	return s != StatusIdle
}
