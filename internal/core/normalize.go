package core

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// defaultEventTypes is the known set of event types emitted by the stock
// collectors and auditors. Producers can extend it through configuration.
var defaultEventTypes = []string{
	"process_anomaly",
	"network_connection",
	"dns_request",
	"file_integrity_change",
	"cron_modification",
	"ssh_key_change",
	"tcc_permission_change",
	"user_account_change",
	"signature_hit",
	"ids_alert",
	"privacy_event",
	"ransomware_activity",
	"config_change",
}

// ValidationError names the wire field that made an event unacceptable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: field %q %s", e.Field, e.Reason)
}

// Normalizer validates raw producer payloads against the wire schema and
// fills in the identifiers the schema allows to be absent. It has no side
// effects; the caller decides what to do with a rejected payload.
type Normalizer struct {
	known map[string]struct{}
}

// NewNormalizer builds a Normalizer accepting the default event types plus
// any extra types registered by configuration.
func NewNormalizer(extraTypes []string) *Normalizer {
	known := make(map[string]struct{}, len(defaultEventTypes)+len(extraTypes))
	for _, t := range defaultEventTypes {
		known[t] = struct{}{}
	}
	for _, t := range extraTypes {
		if t != "" {
			known[t] = struct{}{}
		}
	}
	return &Normalizer{known: known}
}

// KnownType reports whether the type is accepted. Composite "correlated_*"
// types are always accepted so the correlator's output can re-enter the bus.
func (n *Normalizer) KnownType(eventType string) bool {
	if _, ok := n.known[eventType]; ok {
		return true
	}
	e := Event{Type: eventType}
	return e.IsCorrelated()
}

// rawEvent mirrors the wire schema before validation.
type rawEvent struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Severity  string         `json:"severity"`
	Timestamp string         `json:"timestamp"`
	Source    string         `json:"source"`
	Context   map[string]any `json:"context"`
}

// Normalize parses and validates a raw payload, assigning an event ID and
// timestamp when absent. On failure it returns a *ValidationError naming the
// offending field.
func (n *Normalizer) Normalize(raw []byte) (*Event, error) {
	var re rawEvent
	if err := json.Unmarshal(raw, &re); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: "is not a JSON object"}
	}

	if re.EventType == "" {
		return nil, &ValidationError{Field: "event_type", Reason: "is required"}
	}
	if !n.KnownType(re.EventType) {
		return nil, &ValidationError{Field: "event_type", Reason: fmt.Sprintf("%q is not a recognized type", re.EventType)}
	}

	sev, ok := ParseSeverity(re.Severity)
	if !ok {
		return nil, &ValidationError{Field: "severity", Reason: "must be one of low, medium, high, critical"}
	}

	if re.Source == "" {
		return nil, &ValidationError{Field: "source", Reason: "is required"}
	}

	ts := Now()
	if re.Timestamp != "" {
		parsed, err := ParseWireTime(re.Timestamp)
		if err != nil {
			return nil, &ValidationError{Field: "timestamp", Reason: "must be UTC in " + TimeLayout + " form"}
		}
		ts = Timestamp{parsed}
	}

	id := re.EventID
	if id == "" {
		id = uuid.New().String()
	}

	ctx := re.Context
	if ctx == nil {
		ctx = make(map[string]any)
	}

	return &Event{
		ID:        id,
		Type:      re.EventType,
		Severity:  sev,
		Timestamp: ts,
		Source:    re.Source,
		Context:   ctx,
	}, nil
}
