package conversation

import "strings"

// Speaker identifies who produced a [Turn].
type Speaker string

const (
	// SpeakerUser is the person at the microphone.
	SpeakerUser Speaker = "user"

	// SpeakerModel is the remote voice model.
	SpeakerModel Speaker = "model"
)

// Turn is one finalised utterance. Turns are appended in pairs (user, then
// model) when the model reports that its turn is complete. Text may be empty.
type Turn struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`
}

// Accumulator buffers partial transcription fragments for the turn in
// progress. User and model fragments are kept apart and concatenated in
// arrival order, however the two streams interleave.
//
// The zero value is ready to use. Accumulator is not safe for concurrent use;
// the [Manager] only touches it from its event loop.
type Accumulator struct {
	user  strings.Builder
	model strings.Builder
}

// AppendUser adds a fragment of the user's speech.
func (a *Accumulator) AppendUser(fragment string) {
	a.user.WriteString(fragment)
}

// AppendModel adds a fragment of the model's speech.
func (a *Accumulator) AppendModel(fragment string) {
	a.model.WriteString(fragment)
}

// Pending returns the text accumulated so far without resetting it.
func (a *Accumulator) Pending() (user, model string) {
	return a.user.String(), a.model.String()
}

// Finalize returns the pending text as a (user, model) pair of turns and
// resets both buffers. Empty sides yield turns with empty text.
func (a *Accumulator) Finalize() (user, model Turn) {
	user = Turn{Speaker: SpeakerUser, Text: a.user.String()}
	model = Turn{Speaker: SpeakerModel, Text: a.model.String()}
	a.Reset()
	return user, model
}

// Reset discards both pending buffers.
func (a *Accumulator) Reset() {
	a.user.Reset()
	a.model.Reset()
}
