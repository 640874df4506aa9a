// Package metrics receives per-step start and end events from the scheduler.
// Sinks are fire-and-forget: a failing sink never affects a run.
package metrics

import (
	"fmt"
	"log/slog"
)

// Sink receives step lifecycle events. Calls may arrive concurrently from
// the goroutines of one batch.
type Sink interface {
	OnStepStart(stepID string)
	OnStepEnd(stepID string, success bool, errMsg string)
}

// Nop discards every event.
type Nop struct{}

func (Nop) OnStepStart(string) {}
func (Nop) OnStepEnd(string, bool, string) {}

// Multi fans events out to several sinks in order.
type Multi []Sink

func (m Multi) OnStepStart(stepID string) {
	for _, s := range m {
		s.OnStepStart(stepID)
	}
}

func (m Multi) OnStepEnd(stepID string, success bool, errMsg string) {
	for _, s := range m {
		s.OnStepEnd(stepID, success, errMsg)
	}
}

// safeSink recovers panics raised by the wrapped sink.
type safeSink struct {
	inner  Sink
	logger *slog.Logger
}

// Safe wraps s so that a panic inside it is logged and swallowed.
// A nil sink becomes Nop.
func Safe(s Sink, logger *slog.Logger) Sink {
	if s == nil {
		return Nop{}
	}
	if already, ok := s.(*safeSink); ok {
		return already
	}
	return &safeSink{inner: s, logger: logger.With("component", "metrics")}
}

func (s *safeSink) OnStepStart(stepID string) {
	defer s.recover("OnStepStart", stepID)
	s.inner.OnStepStart(stepID)
}

func (s *safeSink) OnStepEnd(stepID string, success bool, errMsg string) {
	defer s.recover("OnStepEnd", stepID)
	s.inner.OnStepEnd(stepID, success, errMsg)
}

func (s *safeSink) recover(event, stepID string) {
	if r := recover(); r != nil {
		s.logger.Warn("metrics sink panicked", "event", event, "step_id", stepID, "panic", fmt.Sprint(r))
	}
}
