package ads1100

import (
	"context"
	"log/slog"
)

// EventKind identifies an engine diagnostic event
type EventKind int

const (
	EventTick EventKind = iota
	EventRetry
	EventSample
	EventRangeViolation
	EventShutdown
	EventReport
)

var eventNames = map[EventKind]string{
	EventTick:           "tick",
	EventRetry:          "retry",
	EventSample:         "sample",
	EventRangeViolation: "range_violation",
	EventShutdown:       "shutdown",
	EventReport:         "report",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is emitted by the engine as it works. Fields not relevant to a
// kind are zero.
type Event struct {
	Kind EventKind
	Chip string
	// Time is the reactor time of the tick
	Time float64

	Raw        int16
	Value      float64
	Attempt    int
	ErrorCount int
	Reason     string
	Err        error
}

// EventSink consumes engine events. It runs on the reactor and must not block.
type EventSink interface {
	HandleEvent(Event)
}

// EventSinkFunc adapts a function to EventSink
type EventSinkFunc func(Event)

func (f EventSinkFunc) HandleEvent(ev Event) {
	f(ev)
}

type logSink struct {
	logger *slog.Logger
}

// LogEvents writes events to logger: range violations and shutdowns as
// warnings, the rest at debug level.
func LogEvents(logger *slog.Logger) EventSink {
	if logger == nil {
		logger = slog.Default()
	}
	return logSink{logger: logger}
}

func (s logSink) HandleEvent(ev Event) {
	level := slog.LevelDebug
	attrs := []slog.Attr{
		slog.String("chip", ev.Chip),
		slog.Float64("eventtime", ev.Time),
	}
	switch ev.Kind {
	case EventRetry:
		attrs = append(attrs, slog.Int("attempt", ev.Attempt))
		if ev.Err != nil {
			attrs = append(attrs, slog.Any("error", ev.Err))
		}
	case EventSample:
		attrs = append(attrs, slog.Int("raw", int(ev.Raw)))
	case EventRangeViolation:
		level = slog.LevelWarn
		attrs = append(attrs, slog.Float64("value", ev.Value), slog.Int("error_count", ev.ErrorCount))
	case EventShutdown:
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("reason", ev.Reason))
	case EventReport:
		attrs = append(attrs, slog.Float64("value", ev.Value))
	}
	s.logger.LogAttrs(context.Background(), level, "ads1100 "+ev.Kind.String(), attrs...)
}
