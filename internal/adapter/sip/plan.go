package sip

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/clonecall/internal/adapter"
	"github.com/MrWong99/clonecall/internal/call"
)

// Op is a signalling action for the SIP sidecar.
type Op string

const (
	OpAnswer   Op = "answer"
	OpHold     Op = "hold"
	OpSay      Op = "say"
	OpPlay     Op = "play"
	OpReinvite Op = "reinvite"
	OpRefer    Op = "refer"
	OpBye      Op = "bye"
	OpReject   Op = "reject"
)

// Action is one step the sidecar performs, in order.
type Action struct {
	Op Op `json:"op"`

	// Direction is the SDP media direction for hold ("sendonly").
	Direction string `json:"direction,omitempty"`

	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`

	// Target is the re-INVITE media endpoint or REFER-To URI.
	Target    string `json:"target,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// Code and Reason are the SIP response for reject.
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Plan is the document returned to the sidecar.
type Plan struct {
	CallID  string   `json:"call_id"`
	Actions []Action `json:"actions"`

	// PollAfterMS is set while the call is on hold; the sidecar polls again
	// after that many milliseconds.
	PollAfterMS int64 `json:"poll_after_ms,omitempty"`

	// Done is true once no further polls are expected.
	Done bool `json:"done"`
}

// RejectCode is the SIP status used to refuse a call that was never
// answered (480 Temporarily Unavailable).
const RejectCode = 480

// PlanRenderer renders [call.Instructions] as a JSON [Plan].
//
//	hold (first) -> answer, hold(sendonly), say?, play?
//	hold         -> play?
//	connect      -> reinvite to a media URL, or refer to a sip: URI
//	terminal     -> reject 480 before answer; say?, bye after
type PlanRenderer struct{}

var _ adapter.Renderer = PlanRenderer{}

// ContentType implements [adapter.Renderer].
func (PlanRenderer) ContentType() string { return "application/json" }

// Render implements [adapter.Renderer].
func (p PlanRenderer) Render(callID string, in call.Instructions, first bool) ([]byte, error) {
	plan, err := p.Plan(callID, in, first)
	if err != nil {
		return nil, err
	}
	return json.Marshal(plan)
}

// Plan builds the action plan for in.
func (PlanRenderer) Plan(callID string, in call.Instructions, first bool) (Plan, error) {
	if err := in.Validate(); err != nil {
		return Plan{}, fmt.Errorf("sip: render %s: %w", callID, err)
	}
	plan := Plan{CallID: callID, Actions: []Action{}}

	switch in.Kind() {
	case call.KindHold:
		if first {
			plan.Actions = append(plan.Actions,
				Action{Op: OpAnswer},
				Action{Op: OpHold, Direction: "sendonly"},
			)
		}
		if in.SpeechText != "" {
			plan.Actions = append(plan.Actions, Action{Op: OpSay, Text: in.SpeechText})
		}
		if in.HoldAudioRef != "" {
			plan.Actions = append(plan.Actions, Action{Op: OpPlay, URL: in.HoldAudioRef})
		}
		plan.PollAfterMS = in.PollAfter.Milliseconds()

	case call.KindConnect:
		if first {
			plan.Actions = append(plan.Actions, Action{Op: OpAnswer})
		}
		op := OpReinvite
		if strings.HasPrefix(in.Connect.MediaURL, "sip:") || strings.HasPrefix(in.Connect.MediaURL, "sips:") {
			op = OpRefer
		}
		plan.Actions = append(plan.Actions, Action{Op: op, Target: in.Connect.MediaURL, SessionID: in.Connect.ID})
		plan.Done = true

	case call.KindTerminal:
		if first {
			plan.Actions = append(plan.Actions, Action{Op: OpReject, Code: RejectCode, Reason: in.TerminalError})
		} else {
			if in.SpeechText != "" {
				plan.Actions = append(plan.Actions, Action{Op: OpSay, Text: in.SpeechText})
			}
			if in.ShouldHangup {
				plan.Actions = append(plan.Actions, Action{Op: OpBye})
			}
		}
		plan.Done = true
	}
	return plan, nil
}
