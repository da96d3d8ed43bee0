package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"chatforge/internal/app"
)

// sseEmitter writes stream events as server-sent events. Headers are sent on
// the first event so that validation failures before any output can still use
// a regular error status.
type sseEmitter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEEmitter(w http.ResponseWriter) (*sseEmitter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &sseEmitter{w: w, flusher: flusher}, nil
}

func (e *sseEmitter) EmitEvent(event app.StreamEvent) error {
	if !e.started {
		header := e.w.Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		header.Set("X-Accel-Buffering", "no")
		e.w.WriteHeader(http.StatusOK)
		e.started = true
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}
