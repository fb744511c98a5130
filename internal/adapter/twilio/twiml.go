package twilio

import (
	"encoding/xml"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/clonecall/internal/adapter"
	"github.com/MrWong99/clonecall/internal/call"
)

type response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

type say struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

type play struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

type pause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr"`
}

type redirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr"`
	URL     string   `xml:",chardata"`
}

type hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type connect struct {
	XMLName xml.Name `xml:"Connect"`
	Stream  stream
}

type stream struct {
	XMLName xml.Name    `xml:"Stream"`
	URL     string      `xml:"url,attr"`
	Params  []parameter `xml:"Parameter"`
}

type parameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// TwiML renders [call.Instructions] as a TwiML document.
//
//	hold     -> <Say>? <Play>|<Pause> <Redirect>poll</Redirect>
//	connect  -> <Connect><Stream url="..."/></Connect>
//	terminal -> <Say> <Hangup/>
type TwiML struct {
	// PollURL is where <Redirect> sends Twilio for the next status check.
	PollURL string

	// Voice and Language are set on every <Say>.
	Voice    string
	Language string
}

var _ adapter.Renderer = TwiML{}

// ContentType implements [adapter.Renderer].
func (TwiML) ContentType() string { return "application/xml" }

// Render implements [adapter.Renderer].
func (t TwiML) Render(callID string, in call.Instructions, _ bool) ([]byte, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("twilio: render %s: %w", callID, err)
	}

	var res response
	if in.SpeechText != "" {
		res.Verbs = append(res.Verbs, say{Voice: t.Voice, Language: t.Language, Text: in.SpeechText})
	}
	switch in.Kind() {
	case call.KindHold:
		if in.HoldAudioRef != "" {
			res.Verbs = append(res.Verbs, play{URL: in.HoldAudioRef})
		} else {
			res.Verbs = append(res.Verbs, pause{Length: pauseSeconds(in.PollAfter)})
		}
		res.Verbs = append(res.Verbs, redirect{Method: "POST", URL: t.PollURL})
	case call.KindConnect:
		params := []parameter{{Name: "call_id", Value: callID}}
		if in.Connect.ID != "" {
			params = append(params, parameter{Name: "session_id", Value: in.Connect.ID})
		}
		res.Verbs = append(res.Verbs, connect{Stream: stream{URL: in.Connect.MediaURL, Params: params}})
	case call.KindTerminal:
		if in.ShouldHangup {
			res.Verbs = append(res.Verbs, hangup{})
		}
	}

	body, err := xml.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("twilio: render %s: %w", callID, err)
	}
	return append([]byte(xml.Header), body...), nil
}

// pauseSeconds rounds d up to whole seconds, at least one.
func pauseSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}
