// Package twilio adapts Twilio programmable voice webhooks to the call
// controller. Inbound calls are answered with TwiML that holds the caller and
// redirects back to the poll endpoint until the controller decides; status
// callbacks for finished calls are reported as hangups.
package twilio

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MrWong99/clonecall/internal/adapter"
	"github.com/MrWong99/clonecall/internal/call"
	"github.com/MrWong99/clonecall/internal/observe"
	"github.com/MrWong99/clonecall/internal/store"
)

// Route paths registered by [Handler.Register].
const (
	PathVoice  = "/twilio/voice"
	PathPoll   = "/twilio/poll"
	PathStatus = "/twilio/status"
)

// Config configures a [Handler].
type Config struct {
	// PublicURL is the externally reachable base URL of this service, used to
	// build the absolute poll URL. Empty yields a relative URL, which Twilio
	// resolves against the webhook URL.
	PublicURL string

	// Voice and Language are applied to every <Say>.
	Voice    string
	Language string

	// FailureMessage is spoken when a poll arrives for a call this service
	// does not know.
	FailureMessage string
}

// Handler serves the Twilio webhooks.
type Handler struct {
	ctrl    adapter.Controller
	twiml   TwiML
	failMsg string
}

// New creates a Handler that drives ctrl.
func New(ctrl adapter.Controller, cfg Config) *Handler {
	if cfg.FailureMessage == "" {
		cfg.FailureMessage = call.DefaultFailureMessage
	}
	return &Handler{
		ctrl: ctrl,
		twiml: TwiML{
			PollURL:  strings.TrimSuffix(cfg.PublicURL, "/") + PathPoll,
			Voice:    cfg.Voice,
			Language: cfg.Language,
		},
		failMsg: cfg.FailureMessage,
	}
}

// Register adds the webhook routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST "+PathVoice, h.handleVoice)
	mux.HandleFunc("POST "+PathPoll, h.handlePoll)
	mux.HandleFunc("POST "+PathStatus, h.handleStatus)
}

func (h *Handler) handleVoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	callID := r.PostForm.Get("CallSid")
	in, err := h.ctrl.HandleInboundCall(ctx, call.Context{
		CallID:   callID,
		CallerID: r.PostForm.Get("From"),
		Protocol: store.ProtocolTwilio,
		Metadata: map[string]string{
			"to":          r.PostForm.Get("To"),
			"account_sid": r.PostForm.Get("AccountSid"),
		},
	})
	if err != nil {
		observe.Logger(ctx).Warn("twilio inbound call rejected", "call_id", callID, "err", err)
		http.Error(w, err.Error(), adapter.StatusFor(err))
		return
	}
	adapter.Write(ctx, w, h.twiml, callID, in, true)
}

func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	callID := r.PostForm.Get("CallSid")
	in, err := h.ctrl.CheckStatus(ctx, callID)
	switch {
	case errors.Is(err, call.ErrUnknownCall):
		// Twilio needs a document to act on; end the call.
		observe.Logger(ctx).Warn("twilio poll for unknown call", "call_id", callID)
		in = call.Terminal(h.failMsg, true)
	case err != nil:
		observe.Logger(ctx).Error("twilio poll failed", "call_id", callID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	adapter.Write(ctx, w, h.twiml, callID, in, false)
}

// finishedStatuses are the CallStatus values that mean the caller is gone.
var finishedStatuses = map[string]bool{
	"completed": true,
	"canceled":  true,
	"busy":      true,
	"no-answer": true,
	"failed":    true,
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	callID := r.PostForm.Get("CallSid")
	status := r.PostForm.Get("CallStatus")
	if !finishedStatuses[status] {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := h.ctrl.Hangup(ctx, callID, status); err != nil && !errors.Is(err, call.ErrUnknownCall) {
		observe.Logger(ctx).Error("twilio status callback", "call_id", callID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
