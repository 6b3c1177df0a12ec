package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// EventWriter persists each accepted event as a standalone JSON file under
// the per-user event directory, so events can be inspected offline
// independently of the in-memory store.
type EventWriter struct {
	dir string
}

// NewEventWriter creates the event directory if needed.
func NewEventWriter(dir string) (*EventWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating event dir: %w", err)
	}
	return &EventWriter{dir: dir}, nil
}

// WriteEvent writes the event to event_<timestamp>_<id>.json.
func (w *EventWriter) WriteEvent(event *Event) error {
	data, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling event %s: %w", event.ID, err)
	}
	name := fmt.Sprintf("event_%s_%s.json", event.Timestamp.UTC().Format("20060102_150405"), event.ID)
	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing event file: %w", err)
	}
	return nil
}

// Dir returns the directory events are written to.
func (w *EventWriter) Dir() string {
	return w.dir
}
