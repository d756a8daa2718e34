package app

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/MrWong99/aria/internal/conversation"
	"github.com/MrWong99/aria/internal/observe"
)

// api serves the conversation control endpoints.
type api struct {
	conv Conversation
}

// apiResponse is the body of every /api/conversation response.
type apiResponse struct {
	conversation.Snapshot

	// Error is set when the request itself failed.
	Error string `json:"error,omitempty"`
}

func (h *api) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/conversation", h.get)
	mux.HandleFunc("POST /api/conversation/start", h.start)
	mux.HandleFunc("POST /api/conversation/stop", h.stop)
}

func (h *api) get(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, apiResponse{Snapshot: h.conv.Snapshot()})
}

// start answers 202 once the conversation is connecting; the session opens
// in the background and its progress is visible through GET.
func (h *api) start(w http.ResponseWriter, r *http.Request) {
	err := h.conv.StartConversation(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Warn("api: start conversation failed", "err", err)
		writeJSON(w, statusFor(err), apiResponse{Snapshot: h.conv.Snapshot(), Error: messageFor(err)})
		return
	}
	writeJSON(w, http.StatusAccepted, apiResponse{Snapshot: h.conv.Snapshot()})
}

func (h *api) stop(w http.ResponseWriter, r *http.Request) {
	if err := h.conv.StopConversation(r.Context()); err != nil {
		writeJSON(w, statusFor(err), apiResponse{Snapshot: h.conv.Snapshot(), Error: messageFor(err)})
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Snapshot: h.conv.Snapshot()})
}

func statusFor(err error) int {
	if errors.Is(err, conversation.ErrClosed) {
		return http.StatusServiceUnavailable
	}
	switch conversation.KindOf(err) {
	case conversation.ConfigurationError:
		return http.StatusFailedDependency
	case conversation.MicrophonePermissionError:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// messageFor prefers the user-visible message over the wrapped detail.
func messageFor(err error) string {
	var e *conversation.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
