package call

import (
	"errors"
	"time"

	"github.com/MrWong99/clonecall/internal/store"
)

// Kind tells a renderer which branch of [Instructions] is meaningful.
type Kind string

const (
	KindHold     Kind = "hold"
	KindConnect  Kind = "connect"
	KindTerminal Kind = "terminal"
)

// Instructions tell a protocol adapter what to do with the call next. Build
// them with [Hold], [Connect] or [Terminal]; exactly one branch is set.
type Instructions struct {
	// HoldAudioRef is an audio URL to play while the caller waits.
	HoldAudioRef string `json:"hold_audio_ref,omitempty"`

	// SpeechText is spoken to the caller before anything else.
	SpeechText string `json:"speech_text,omitempty"`

	// PollAfter is how long the adapter should wait before the next status
	// check. Set only on hold instructions.
	PollAfter time.Duration `json:"poll_after,omitempty"`

	// Connect is the agent session to bridge the call to.
	Connect *store.Session `json:"connect,omitempty"`

	// TerminalError describes why the call cannot be served.
	TerminalError string `json:"terminal_error,omitempty"`

	// ShouldHangup asks the adapter to end the call.
	ShouldHangup bool `json:"should_hangup,omitempty"`
}

// Hold keeps the caller waiting and asks for another status check after poll.
func Hold(speech, audioRef string, poll time.Duration) Instructions {
	return Instructions{SpeechText: speech, HoldAudioRef: audioRef, PollAfter: poll}
}

// Connect bridges the call to sess.
func Connect(sess store.Session) Instructions {
	return Instructions{Connect: &sess}
}

// Terminal ends the workflow with msg. hangup is almost always true; false
// leaves the call to the adapter's own dial plan.
func Terminal(msg string, hangup bool) Instructions {
	return Instructions{SpeechText: msg, TerminalError: msg, ShouldHangup: hangup}
}

// Kind reports which branch i represents.
func (i Instructions) Kind() Kind {
	switch {
	case i.Connect != nil:
		return KindConnect
	case i.TerminalError != "" || i.ShouldHangup:
		return KindTerminal
	}
	return KindHold
}

// Validate checks that exactly one branch of i is set.
func (i Instructions) Validate() error {
	var errs []error
	branches := 0
	if i.PollAfter > 0 {
		branches++
	}
	if i.Connect != nil {
		branches++
		if i.Connect.MediaURL == "" {
			errs = append(errs, errors.New("call: connect instructions without media url"))
		}
	}
	if i.TerminalError != "" || i.ShouldHangup {
		branches++
		if i.TerminalError == "" {
			errs = append(errs, errors.New("call: hangup without terminal error"))
		}
	}
	if branches != 1 {
		errs = append(errs, errors.New("call: instructions must set exactly one of poll, connect or terminal"))
	}
	return errors.Join(errs...)
}
