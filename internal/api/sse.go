package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/greenbasket/checkout/internal/broker"
)

const heartbeatInterval = 15 * time.Second

// GET /api/v1/checkout/{code}/events
//
// Streams the checkout's realtime channel as server-sent events. The
// first frame is always the current state snapshot; after a terminal
// frame the stream ends.
func (h *CheckoutHandler) Events(w http.ResponseWriter, r *http.Request) {
	user := getUserFromContext(r.Context())
	if user.ID == "" {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user authentication")
		return
	}

	code := chi.URLParam(r, "code")
	if code == "" {
		respondError(w, http.StatusBadRequest, "invalid_code", "checkout code is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}

	role := broker.RoleCustomer
	if user.Role == RoleCashier {
		role = broker.RoleCashier
	}

	sub, err := h.svc.Join(code, role)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	defer sub.Leave()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case event, open := <-sub.Events():
			if !open {
				return
			}
			if err := writeEvent(w, event); err != nil {
				return
			}
			flusher.Flush()
			if event.IsTerminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, event broker.Event) error {
	data, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}
