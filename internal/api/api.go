// Package api serves the protocol-neutral JSON endpoints: inbound call
// notifications and status polls for adapters that are not Twilio or SIP,
// caller sample registration, and call inspection for operators.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/MrWong99/clonecall/internal/adapter"
	"github.com/MrWong99/clonecall/internal/call"
	"github.com/MrWong99/clonecall/internal/observe"
	"github.com/MrWong99/clonecall/internal/sample"
	"github.com/MrWong99/clonecall/internal/store"
	"github.com/MrWong99/clonecall/pkg/blob"
)

// Controller is the call surface the API exposes.
type Controller interface {
	adapter.Controller
	Inspect(ctx context.Context, callID string) (store.CallRecord, []store.CloneEvent, error)
}

// SampleRegistrar stores caller samples.
type SampleRegistrar interface {
	Register(ctx context.Context, callerID, key string, data []byte) error
}

// InboundRequest is a protocol-neutral inbound call notification.
type InboundRequest struct {
	CallID   string         `json:"call_id"`
	CallerID string         `json:"caller_id"`
	Protocol store.Protocol `json:"protocol,omitempty"`
}

// HangupRequest reports that the caller has gone.
type HangupRequest struct {
	Reason string `json:"reason,omitempty"`
}

// InstructionsResponse wraps instructions with their kind.
type InstructionsResponse struct {
	CallID       string            `json:"call_id"`
	Kind         call.Kind         `json:"kind"`
	Instructions call.Instructions `json:"instructions"`

	// PollAfterMS mirrors Instructions.PollAfter in milliseconds.
	PollAfterMS int64 `json:"poll_after_ms,omitempty"`
}

// CallResponse is returned by the inspection endpoint.
type CallResponse struct {
	Call   store.CallRecord   `json:"call"`
	Events []store.CloneEvent `json:"events"`
}

// SampleKeyRequest registers a sample already present in storage.
type SampleKeyRequest struct {
	Key string `json:"key"`
}

// SampleResponse confirms a registration.
type SampleResponse struct {
	CallerID string `json:"caller_id"`
	Key      string `json:"key"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Config configures a [Handler].
type Config struct {
	// MaxSampleBytes bounds uploads. Defaults to [sample.DefaultMaxBytes].
	MaxSampleBytes int64
}

// Handler serves the JSON API.
type Handler struct {
	ctrl     Controller
	samples  SampleRegistrar
	maxBytes int64
}

// New creates a Handler.
func New(ctrl Controller, samples SampleRegistrar, cfg Config) *Handler {
	if cfg.MaxSampleBytes <= 0 {
		cfg.MaxSampleBytes = sample.DefaultMaxBytes
	}
	return &Handler{ctrl: ctrl, samples: samples, maxBytes: cfg.MaxSampleBytes}
}

// Register adds the API routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /calls", h.handleInbound)
	mux.HandleFunc("GET /calls/{call_id}", h.handleInspect)
	mux.HandleFunc("GET /calls/{call_id}/status", h.handleStatus)
	mux.HandleFunc("POST /calls/{call_id}/hangup", h.handleHangup)
	mux.HandleFunc("PUT /samples/{caller_id}", h.handlePutSample)
}

func (h *Handler) handleInbound(w http.ResponseWriter, r *http.Request) {
	var req InboundRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	in, err := h.ctrl.HandleInboundCall(r.Context(), call.Context{
		CallID:   req.CallID,
		CallerID: req.CallerID,
		Protocol: req.Protocol,
	})
	if err != nil {
		writeError(w, adapter.StatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, instructionsResponse(req.CallID, in))
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("call_id")
	in, err := h.ctrl.CheckStatus(r.Context(), callID)
	if err != nil {
		writeError(w, adapter.StatusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, instructionsResponse(callID, in))
}

func (h *Handler) handleHangup(w http.ResponseWriter, r *http.Request) {
	var req HangupRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if err := h.ctrl.Hangup(r.Context(), r.PathValue("call_id"), req.Reason); err != nil {
		writeError(w, adapter.StatusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleInspect(w http.ResponseWriter, r *http.Request) {
	rec, evs, err := h.ctrl.Inspect(r.Context(), r.PathValue("call_id"))
	if err != nil {
		writeError(w, adapter.StatusFor(err), err)
		return
	}
	if evs == nil {
		evs = []store.CloneEvent{}
	}
	writeJSON(w, http.StatusOK, CallResponse{Call: rec, Events: evs})
}

// handlePutSample registers a caller's sample. A JSON body maps the caller
// to an existing storage key; any other body is uploaded as the sample.
func (h *Handler) handlePutSample(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callerID, err := call.NormalizeCallerID(r.PathValue("caller_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var (
		key  string
		data []byte
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req SampleKeyRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		key = req.Key
	} else {
		data, err = io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("sample exceeds %d bytes", mbe.Limit))
				return
			}
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if data == nil {
			data = []byte{}
		}
		key = uploadKey(callerID, mediaType, time.Now())
	}

	if err := h.samples.Register(ctx, callerID, key, data); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, sample.ErrInvalidSample):
			status = http.StatusUnprocessableEntity
		case errors.Is(err, blob.ErrInvalidKey):
			status = http.StatusBadRequest
		default:
			observe.Logger(ctx).Error("register sample", "caller_id", callerID, "err", err)
		}
		writeError(w, status, err)
		return
	}
	observe.Logger(ctx).Info("sample registered", "caller_id", callerID, "key", key, "bytes", len(data))
	writeJSON(w, http.StatusCreated, SampleResponse{CallerID: callerID, Key: key})
}

// uploadKey names an uploaded sample. Each upload gets a fresh key so a
// replaced sample never shadows one still being read.
func uploadKey(callerID, mediaType string, now time.Time) string {
	ext := ".bin"
	switch mediaType {
	case "audio/wav", "audio/x-wav", "audio/wave":
		ext = ".wav"
	case "audio/mpeg", "audio/mp3":
		ext = ".mp3"
	case "audio/ogg":
		ext = ".ogg"
	case "audio/webm":
		ext = ".webm"
	}
	return "callers/" + callerID + "/" + store.NewEventID(now) + ext
}

func instructionsResponse(callID string, in call.Instructions) InstructionsResponse {
	return InstructionsResponse{
		CallID:       callID,
		Kind:         in.Kind(),
		Instructions: in,
		PollAfterMS:  in.PollAfter.Milliseconds(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
