package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/journal"
)

// LogSink writes each journal event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []journal.Event) error {
	for _, evt := range batch {
		s.logger.Info("journal event",
			zap.Stringer("id", evt.ID),
			zap.String("run_id", evt.RunID),
			zap.String("kind", string(evt.Kind)),
			zap.String("class_key", evt.ClassKey),
			zap.String("uri", evt.URI),
			zap.Int("priority", evt.Priority),
			zap.Int("cost", evt.Cost),
			zap.Uint64("ordinal", evt.Ordinal),
			zap.Int("attempts", evt.Attempts),
		)
	}
	return nil
}

// Close implements journal.Sink; it flushes nothing.
func (s *LogSink) Close(context.Context) error {
	return nil
}
