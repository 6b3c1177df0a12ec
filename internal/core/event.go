package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity represents the severity level of a security event.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseSeverity maps a wire string to a Severity.
func ParseSeverity(s string) (Severity, bool) {
	switch s {
	case "low":
		return SeverityLow, true
	case "medium":
		return SeverityMedium, true
	case "high":
		return SeverityHigh, true
	case "critical":
		return SeverityCritical, true
	default:
		return SeverityLow, false
	}
}

// Escalate returns the next severity level up, capped at critical.
func (s Severity) Escalate() Severity {
	if s >= SeverityCritical {
		return SeverityCritical
	}
	return s + 1
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	sev, ok := ParseSeverity(str)
	if !ok {
		return fmt.Errorf("unknown severity %q", str)
	}
	*s = sev
	return nil
}

// TimeLayout is the wire encoding for event timestamps: UTC, second precision.
const TimeLayout = "2006-01-02T15:04:05Z"

// Timestamp wraps time.Time with the exact wire encoding so that any accepted
// timestamp serializes back to the same instant it represents.
type Timestamp struct {
	time.Time
}

// Now returns the current UTC time truncated to wire precision.
func Now() Timestamp {
	return Timestamp{time.Now().UTC().Truncate(time.Second)}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(TimeLayout))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseWireTime(str)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// ParseWireTime parses a wire timestamp, accepting only strings that
// serialize back to themselves. time.Parse alone tolerates fractional
// seconds the layout does not carry, which would silently shift the instant
// on re-serialization.
func ParseWireTime(str string) (time.Time, error) {
	parsed, err := time.Parse(TimeLayout, str)
	if err == nil && parsed.Format(TimeLayout) != str {
		err = fmt.Errorf("extra precision")
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q not in %s form: %w", str, TimeLayout, err)
	}
	return parsed, nil
}

// Event is the normalized structure accepted by the hub and delivered to
// every subscriber. Context is producer-defined and opaque to the bus.
type Event struct {
	ID        string         `json:"event_id"`
	Type      string         `json:"event_type"`
	Severity  Severity       `json:"severity"`
	Timestamp Timestamp      `json:"timestamp"`
	Source    string         `json:"source"`
	Context   map[string]any `json:"context"`
}

// NewEvent creates an Event with a generated ID and current timestamp.
func NewEvent(eventType string, severity Severity, source string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Severity:  severity,
		Timestamp: Now(),
		Source:    source,
		Context:   make(map[string]any),
	}
}

// Marshal serializes the event to its wire form.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent deserializes an Event from its wire form.
func UnmarshalEvent(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// CorrelatedTypePrefix marks composite events synthesized by the correlator.
const CorrelatedTypePrefix = "correlated_"

// IsCorrelated reports whether the event is a synthesized composite.
func (e *Event) IsCorrelated() bool {
	return strings.HasPrefix(e.Type, CorrelatedTypePrefix) && len(e.Type) > len(CorrelatedTypePrefix)
}
