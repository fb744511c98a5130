// Package push streams call status to adapters over a WebSocket so they do
// not have to poll. A watcher connects to /calls/{call_id}/watch and receives
// a [Frame] whenever the call's instructions change kind; the server closes
// the socket after sending a connect or terminal frame.
package push

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/clonecall/internal/adapter"
	"github.com/MrWong99/clonecall/internal/call"
	"github.com/MrWong99/clonecall/internal/observe"
)

// PathWatch is the route pattern registered by [Handler.Register].
const PathWatch = "/calls/{call_id}/watch"

// DefaultCheckInterval is how often a watched call's status is re-read.
const DefaultCheckInterval = 500 * time.Millisecond

// StatusChecker reports a call's current instructions.
type StatusChecker interface {
	CheckStatus(ctx context.Context, callID string) (call.Instructions, error)
}

var _ StatusChecker = adapter.Controller(nil)

// Frame is one status message sent to a watcher.
type Frame struct {
	CallID       string            `json:"call_id"`
	Kind         call.Kind         `json:"kind"`
	Instructions call.Instructions `json:"instructions"`
	SentAt       time.Time         `json:"sent_at"`
}

// Config configures a [Handler].
type Config struct {
	// CheckInterval defaults to [DefaultCheckInterval].
	CheckInterval time.Duration

	// OriginPatterns lists additional allowed Origin hosts for browser
	// clients. See websocket.AcceptOptions.
	OriginPatterns []string
}

// Handler serves the watch endpoint.
type Handler struct {
	ctrl     StatusChecker
	interval time.Duration
	origins  []string
}

// New creates a Handler reading status from ctrl.
func New(ctrl StatusChecker, cfg Config) *Handler {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	return &Handler{ctrl: ctrl, interval: cfg.CheckInterval, origins: cfg.OriginPatterns}
}

// Register adds the watch route to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+PathWatch, h.handleWatch)
}

func (h *Handler) handleWatch(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("call_id")
	in, err := h.ctrl.CheckStatus(r.Context(), callID)
	if err != nil {
		http.Error(w, err.Error(), adapter.StatusFor(err))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		observe.Logger(r.Context()).Warn("push: accept websocket", "call_id", callID, "err", err)
		return
	}
	defer conn.CloseNow()

	// The watcher never sends anything; CloseRead cancels ctx when it goes away.
	ctx := conn.CloseRead(r.Context())
	log := observe.Logger(ctx).With("call_id", callID)

	if err := h.stream(ctx, conn, callID, in); err != nil {
		if errors.Is(err, context.Canceled) || websocket.CloseStatus(err) != -1 {
			log.Debug("push: watcher left", "err", err)
			return
		}
		log.Warn("push: stream ended", "err", err)
		conn.Close(websocket.StatusInternalError, "status unavailable")
		return
	}
}

// stream sends in, then re-checks the call until it leaves hold.
func (h *Handler) stream(ctx context.Context, conn *websocket.Conn, callID string, in call.Instructions) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var last call.Kind
	for {
		if kind := in.Kind(); kind != last {
			frame := Frame{CallID: callID, Kind: kind, Instructions: in, SentAt: time.Now().UTC()}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				return err
			}
			last = kind
		}
		if last != call.KindHold {
			return conn.Close(websocket.StatusNormalClosure, string(last))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		var err error
		if in, err = h.ctrl.CheckStatus(ctx, callID); err != nil {
			return err
		}
	}
}
