package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

type handlers struct {
	deps Deps
}

type statusResponse struct {
	Authenticated bool   `json:"authenticated"`
	RoomID        int64  `json:"room_id"`
	Stream        string `json:"stream"`
	Messages      int    `json:"messages"`
	HistoryErr    string `json:"history_error,omitempty"`
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// readyz runs each check in order and reports the first failure.
func (h *handlers) readyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func(ctx context.Context) error
	}{
		{"session", func(context.Context) error {
			if h.deps.Session == nil || !h.deps.Session.Authenticated() {
				return errors.New("no authenticated session")
			}
			return nil
		}},
		{"persister", func(ctx context.Context) error {
			if h.deps.Persister == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return h.deps.Persister.Ping(ctx)
		}},
	}

	for _, check := range checks {
		if err := check.fn(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *handlers) status(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Stream: "closed"}
	if h.deps.Session != nil {
		resp.Authenticated = h.deps.Session.Authenticated()
	}
	if h.deps.Status != nil {
		st := h.deps.Status()
		resp.RoomID = st.RoomID
		resp.Stream = st.Stream
		resp.Messages = st.Messages
		resp.HistoryErr = st.HistoryErr
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
