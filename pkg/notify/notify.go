package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/missionctl/pkg/engine"
	"github.com/rs/zerolog"
)

// LogSink writes notifications to a zerolog logger. Critical notifications are
// logged at error level, high at warn, everything else at info.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "notify").Logger()}
}

// Notify implements engine.NotificationSink.
func (s *LogSink) Notify(ctx context.Context, n engine.Notification) error {
	var event *zerolog.Event
	switch n.Severity {
	case engine.SeverityCritical:
		event = s.logger.Error()
	case engine.SeverityHigh:
		event = s.logger.Warn()
	default:
		event = s.logger.Info()
	}

	dict := zerolog.Dict()
	for k, v := range n.Context {
		dict = dict.Str(k, v)
	}

	event.
		Str("mission_id", n.MissionID).
		Str("severity", string(n.Severity)).
		Time("notified_at", n.Timestamp).
		Dict("context", dict).
		Msg(n.Message)
	return nil
}

// MultiSink delivers every notification to each of its sinks, in order. A
// failing sink does not stop delivery to the others.
type MultiSink []engine.NotificationSink

// Notify implements engine.NotificationSink.
func (m MultiSink) Notify(ctx context.Context, n engine.Notification) error {
	var errs []error
	for i, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Notify(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

var severityRank = map[engine.Severity]int{
	engine.SeverityLow:      1,
	engine.SeverityMedium:   2,
	engine.SeverityHigh:     3,
	engine.SeverityCritical: 4,
}

// MinSeverity forwards notifications at or above min to next and drops the
// rest. Unknown severities are forwarded.
func MinSeverity(min engine.Severity, next engine.NotificationSink) engine.NotificationSink {
	return &filterSink{min: severityRank[min], next: next}
}

type filterSink struct {
	min  int
	next engine.NotificationSink
}

func (f *filterSink) Notify(ctx context.Context, n engine.Notification) error {
	if rank, ok := severityRank[n.Severity]; ok && rank < f.min {
		return nil
	}
	return f.next.Notify(ctx, n)
}
