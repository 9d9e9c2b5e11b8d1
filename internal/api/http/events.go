package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/starforge/starforge/internal/pipeline"
)

// EventsResponse represents the event intake response.
type EventsResponse struct {
	Accepted  int    `json:"accepted"`
	RequestID string `json:"request_id"`
}

// EventsHandler handles POST /v1/events requests. The body is either one
// change event object or an array of them. Events are accepted for
// asynchronous processing; malformed events are still accepted here and
// surface in the dead-letter sink.
type EventsHandler struct {
	pipe *pipeline.Pipeline
}

// NewEventsHandler creates a new event intake handler.
func NewEventsHandler(pipe *pipeline.Pipeline) *EventsHandler {
	return &EventsHandler{pipe: pipe}
}

// ServeHTTP handles the event intake HTTP request.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	events, err := splitEvents(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusBadRequest, "at least one event is required", requestID)
		return
	}

	for i, raw := range events {
		if err := h.pipe.Submit(r.Context(), raw); err != nil {
			if errors.Is(err, pipeline.ErrClosed) {
				writeError(w, http.StatusServiceUnavailable, "service is shutting down", requestID)
				return
			}
			writeError(w, http.StatusInternalServerError,
				fmt.Sprintf("failed to accept event %d: %v", i, err), requestID)
			return
		}
	}

	writeJSON(w, http.StatusAccepted, EventsResponse{
		Accepted:  len(events),
		RequestID: requestID,
	})
}

// splitEvents reads the body and returns the individual event documents.
func splitEvents(r *http.Request) ([]json.RawMessage, error) {
	dec := json.NewDecoder(r.Body)
	var body json.RawMessage
	if err := dec.Decode(&body); err != nil {
		return nil, err
	}

	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var events []json.RawMessage
		if err := json.Unmarshal(body, &events); err != nil {
			return nil, err
		}
		return events, nil
	}
	return []json.RawMessage{body}, nil
}
