package events

import (
	"context"
	"log/slog"
)

// SlogSink writes events to a [slog.Logger].
type SlogSink struct {
	logger *slog.Logger
}

var _ Sink = (*SlogSink)(nil)

// NewSlogSink returns a sink writing to logger, or to [slog.Default] when nil.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger.With("component", "events")}
}

// Send implements [Sink].
func (s *SlogSink) Send(ctx context.Context, batch []Event) error {
	for _, e := range batch {
		attrs := make([]slog.Attr, 0, len(e.Attrs)+1)
		if e.UserID != "" {
			attrs = append(attrs, slog.String("user_id", e.UserID))
		}
		for k, v := range e.Attrs {
			attrs = append(attrs, slog.Any(k, v))
		}
		s.logger.LogAttrs(ctx, levelOf(e.Type), string(e.Type), attrs...)
	}
	return nil
}

func levelOf(t Type) slog.Level {
	switch t.Level() {
	case "ERROR":
		return slog.LevelError
	case "WARNING":
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
