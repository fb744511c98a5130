// Package adapter holds what the protocol adapters share: the controller
// surface they drive and the renderer contract each protocol implements to
// turn [call.Instructions] into its own wire format.
package adapter

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrWong99/clonecall/internal/call"
	"github.com/MrWong99/clonecall/internal/observe"
)

// Controller is the call-facing API adapters depend on. [*call.Controller]
// implements it.
type Controller interface {
	HandleInboundCall(ctx context.Context, cc call.Context) (call.Instructions, error)
	CheckStatus(ctx context.Context, callID string) (call.Instructions, error)
	Hangup(ctx context.Context, callID, reason string) error
}

var _ Controller = (*call.Controller)(nil)

// Renderer encodes instructions for one protocol.
type Renderer interface {
	// ContentType is the HTTP content type of rendered documents.
	ContentType() string

	// Render encodes in for callID. first is true for the response to the
	// inbound notification, before the call has been answered.
	Render(callID string, in call.Instructions, first bool) ([]byte, error)
}

// Write renders in and writes it to w with status 200.
func Write(ctx context.Context, w http.ResponseWriter, r Renderer, callID string, in call.Instructions, first bool) {
	body, err := r.Render(callID, in, first)
	if err != nil {
		observe.Logger(ctx).Error("render instructions", "call_id", callID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", r.ContentType())
	if id := observe.CorrelationID(ctx); id != "" {
		w.Header().Set("X-Correlation-ID", id)
	}
	if _, err := w.Write(body); err != nil {
		slog.Debug("write response", "call_id", callID, "err", err)
	}
}

// StatusFor maps controller errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, call.ErrInvalidCall):
		return http.StatusBadRequest
	case errors.Is(err, call.ErrUnknownCall):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
