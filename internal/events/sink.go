package events

import (
	"context"

	"go.uber.org/zap"
)

// LogSink publishes events to the structured log. Production deployments
// replace it with a websocket broadcaster; the core only ever sees the Sink
// interface.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("events.sink")}
}

func (s *LogSink) Publish(ctx context.Context, eventType string, payload map[string]any) {
	_ = ctx
	s.log.Info("event published", zap.String("type", eventType), zap.Any("payload", payload))
}
