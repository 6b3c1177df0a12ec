package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEventWriterNamesFilesByTimestampAndID(t *testing.T) {
	dir := t.TempDir()
	w, err := NewEventWriter(filepath.Join(dir, "events"))
	if err != nil {
		t.Fatalf("NewEventWriter: %v", err)
	}

	event := NewEvent("file_integrity_change", SeverityHigh, "fsevents_watcher")
	if err := w.WriteEvent(event); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	entries, err := os.ReadDir(w.Dir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("wrote %d files, want 1", len(entries))
	}

	name := entries[0].Name()
	if !strings.HasPrefix(name, "event_") || !strings.Contains(name, event.ID) || !strings.HasSuffix(name, ".json") {
		t.Errorf("file name %q missing timestamp/id structure", name)
	}

	data, err := os.ReadFile(filepath.Join(w.Dir(), name))
	if err != nil {
		t.Fatal(err)
	}
	back, err := UnmarshalEvent(data)
	if err != nil {
		t.Fatalf("persisted event unparseable: %v", err)
	}
	if back.ID != event.ID {
		t.Errorf("persisted id = %s, want %s", back.ID, event.ID)
	}
}
