package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// EventWriter writes SSE events and keep-alive comments to one client
// connection.
type EventWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewEventWriter prepares the connection for event streaming and writes the
// SSE headers. Returns an error when the ResponseWriter cannot flush.
func NewEventWriter(w http.ResponseWriter) (*EventWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &EventWriter{w: w, flusher: flusher}, nil
}

// WriteEvent writes one named event with a JSON payload and flushes.
func (e *EventWriter) WriteEvent(event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	e.flusher.Flush()
	return nil
}

// WriteKeepAlive writes an SSE comment line and flushes. Lines starting with
// a colon are ignored by clients.
func (e *EventWriter) WriteKeepAlive() error {
	if _, err := fmt.Fprintf(e.w, ": keepalive\n\n"); err != nil {
		return fmt.Errorf("write keepalive failed: %w", err)
	}
	e.flusher.Flush()
	return nil
}
