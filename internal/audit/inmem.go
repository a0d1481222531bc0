package audit

import (
	"context"
	"sync"

	"github.com/your-org/position-guard/internal/reconciler"
)

// eventKind distinguishes trail entries when asserting write order.
type eventKind string

const (
	eventDrift   eventKind = "drift"
	eventAttempt eventKind = "attempt"
)

// Event is one ordered trail entry.
type Event struct {
	Kind    eventKind
	Drift   reconciler.DriftRecord
	Attempt reconciler.RemediationAttempt
}

// InMemorySink keeps the trail in memory, preserving write order. Used for
// dry runs without a database and in tests.
type InMemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewInMemorySink creates an empty sink.
func NewInMemorySink() *InMemorySink {
	return &InMemorySink{}
}

func (s *InMemorySink) RecordDrift(_ context.Context, record reconciler.DriftRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, Event{Kind: eventDrift, Drift: record})
	return nil
}

func (s *InMemorySink) RecordAttempt(_ context.Context, attempt reconciler.RemediationAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, Event{Kind: eventAttempt, Attempt: attempt})
	return nil
}

// Events returns a copy of the trail in write order.
func (s *InMemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Drifts returns the drift records in write order.
func (s *InMemorySink) Drifts() []reconciler.DriftRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []reconciler.DriftRecord
	for _, e := range s.events {
		if e.Kind == eventDrift {
			out = append(out, e.Drift)
		}
	}
	return out
}

// Attempts returns the remediation attempts in write order.
func (s *InMemorySink) Attempts() []reconciler.RemediationAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []reconciler.RemediationAttempt
	for _, e := range s.events {
		if e.Kind == eventAttempt {
			out = append(out, e.Attempt)
		}
	}
	return out
}
