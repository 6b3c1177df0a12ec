package core

import (
	"sync"

	"github.com/rs/zerolog"
)

// EventSink receives accepted events for durable storage.
type EventSink interface {
	WriteEvent(*Event) error
}

// EventStore is a fixed-size ring buffer holding the N most recently
// accepted events. Eviction is insertion-order (FIFO): once full, each
// append displaces the oldest entry. Appends also hand the event to an
// asynchronous persistence sink; a sink failure is logged and never fails
// the in-memory append.
type EventStore struct {
	mu       sync.RWMutex
	entries  []*Event
	capacity int
	pos      int
	full     bool

	logger zerolog.Logger

	persistMu     sync.Mutex
	persistCh     chan *Event
	persistClosed bool
	drained       chan struct{}
}

// NewEventStore creates a store holding up to capacity events. If sink is
// non-nil a single background writer persists each appended event.
func NewEventStore(capacity int, sink EventSink, logger zerolog.Logger) *EventStore {
	if capacity <= 0 {
		capacity = 1000
	}
	s := &EventStore{
		entries:  make([]*Event, capacity),
		capacity: capacity,
		logger:   logger.With().Str("component", "event_store").Logger(),
		drained:  make(chan struct{}),
	}
	if sink != nil {
		s.persistCh = make(chan *Event, capacity)
		go s.persistLoop(sink)
	} else {
		close(s.drained)
	}
	return s
}

// Append adds an event to the head of the buffer, evicting the oldest entry
// once the buffer is full.
func (s *EventStore) Append(event *Event) {
	s.mu.Lock()
	s.entries[s.pos] = event
	s.pos = (s.pos + 1) % s.capacity
	if s.pos == 0 {
		s.full = true
	}
	s.mu.Unlock()

	if s.persistCh != nil {
		// Ingest handlers can still be delivering while shutdown closes the
		// queue; an append racing Close keeps the in-memory write and skips
		// persistence.
		s.persistMu.Lock()
		if s.persistClosed {
			s.persistMu.Unlock()
			s.logger.Debug().Str("event_id", event.ID).Msg("persistence queue closed, event not written to disk")
			return
		}
		select {
		case s.persistCh <- event:
		default:
			s.logger.Warn().Str("event_id", event.ID).Msg("persistence queue full, event not written to disk")
		}
		s.persistMu.Unlock()
	}
}

// Tail returns up to k most recently appended events, newest first.
func (s *EventStore) Tail(k int) []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := s.pos
	if s.full {
		total = s.capacity
	}
	if k > total {
		k = total
	}
	if k <= 0 {
		return []*Event{}
	}

	result := make([]*Event, k)
	for i := 0; i < k; i++ {
		idx := (s.pos - 1 - i + s.capacity) % s.capacity
		result[i] = s.entries[idx]
	}
	return result
}

// Len returns the number of events currently held.
func (s *EventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.full {
		return s.capacity
	}
	return s.pos
}

// Close stops accepting persistence work and blocks until every queued
// event has been handed to the sink.
func (s *EventStore) Close() {
	if s.persistCh != nil {
		s.persistMu.Lock()
		if !s.persistClosed {
			s.persistClosed = true
			close(s.persistCh)
		}
		s.persistMu.Unlock()
	}
	<-s.drained
}

func (s *EventStore) persistLoop(sink EventSink) {
	defer close(s.drained)
	for event := range s.persistCh {
		if err := sink.WriteEvent(event); err != nil {
			s.logger.Error().Err(err).Str("event_id", event.ID).Msg("failed to persist event")
		}
	}
}
