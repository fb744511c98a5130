// Package sip serves the signalling sidecar that fronts SIP trunks. The
// sidecar forwards INVITE, status polls and BYE as JSON; the service answers
// with an ordered action plan (answer, hold, re-INVITE or REFER, BYE).
package sip

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MrWong99/clonecall/internal/adapter"
	"github.com/MrWong99/clonecall/internal/call"
	"github.com/MrWong99/clonecall/internal/observe"
	"github.com/MrWong99/clonecall/internal/store"
)

// Route paths registered by [Handler.Register].
const (
	PathInvite = "/sip/invite"
	PathPoll   = "/sip/poll"
	PathBye    = "/sip/bye"
)

// maxBodyBytes bounds sidecar request bodies.
const maxBodyBytes = 64 << 10

// InviteRequest is the sidecar's inbound call notification.
type InviteRequest struct {
	CallID string `json:"call_id"`
	From   string `json:"from"`
	To     string `json:"to,omitempty"`

	// ReceivedAt is when the INVITE arrived at the sidecar. Zero means now.
	ReceivedAt time.Time `json:"received_at,omitzero"`

	Headers map[string]string `json:"headers,omitempty"`
}

// PollRequest asks for the next plan.
type PollRequest struct {
	CallID string `json:"call_id"`
}

// ByeRequest reports that the caller hung up.
type ByeRequest struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Handler serves the sidecar endpoints.
type Handler struct {
	ctrl     adapter.Controller
	renderer PlanRenderer
}

// New creates a Handler that drives ctrl.
func New(ctrl adapter.Controller) *Handler {
	return &Handler{ctrl: ctrl}
}

// Register adds the sidecar routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST "+PathInvite, h.handleInvite)
	mux.HandleFunc("POST "+PathPoll, h.handlePoll)
	mux.HandleFunc("POST "+PathBye, h.handleBye)
}

func (h *Handler) handleInvite(w http.ResponseWriter, r *http.Request) {
	var req InviteRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	in, err := h.ctrl.HandleInboundCall(ctx, call.Context{
		CallID:    req.CallID,
		CallerID:  req.From,
		Protocol:  store.ProtocolSIP,
		CreatedAt: req.ReceivedAt,
		Metadata:  req.Headers,
	})
	if err != nil {
		observe.Logger(ctx).Warn("sip invite rejected", "call_id", req.CallID, "err", err)
		writeError(w, adapter.StatusFor(err), err)
		return
	}
	adapter.Write(ctx, w, h.renderer, req.CallID, in, true)
}

func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	var req PollRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	in, err := h.ctrl.CheckStatus(ctx, req.CallID)
	if err != nil {
		if !errors.Is(err, call.ErrUnknownCall) {
			observe.Logger(ctx).Error("sip poll failed", "call_id", req.CallID, "err", err)
		}
		writeError(w, adapter.StatusFor(err), err)
		return
	}
	adapter.Write(ctx, w, h.renderer, req.CallID, in, false)
}

func (h *Handler) handleBye(w http.ResponseWriter, r *http.Request) {
	var req ByeRequest
	if !decode(w, r, &req) {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "BYE"
	}
	if err := h.ctrl.Hangup(r.Context(), req.CallID, reason); err != nil {
		writeError(w, adapter.StatusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: err.Error()})
}
