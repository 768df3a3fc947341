package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/placehunter/extraction-engine/internal/events"
)

// LogSink emits structured logs for exported event batches. It is useful
// during development or audits where a durable broker is unavailable.
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

// Consume logs each event in the batch using structured fields. Snapshot
// events log at debug because they recur every second per bot.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("kind", string(evt.Kind)),
			zap.Time("ts", evt.TS),
		}
		if evt.CampaignID != "" {
			fields = append(fields, zap.String("campaign_id", evt.CampaignID))
		}
		if evt.TaskID != "" {
			fields = append(fields, zap.String("task_id", evt.TaskID))
		}
		if evt.BotID != "" {
			fields = append(fields, zap.String("bot_id", evt.BotID))
		}
		if evt.GeonameName != "" {
			fields = append(fields, zap.String("geoname", evt.GeonameName))
		}
		if len(evt.Screenshot) > 0 {
			fields = append(fields, zap.Int("screenshot_bytes", len(evt.Screenshot)))
		}
		if evt.PlaceCount > 0 {
			fields = append(fields, zap.Int("place_count", evt.PlaceCount))
		}
		if evt.Error != "" {
			fields = append(fields, zap.String("error", evt.Error))
		}
		if evt.Kind == events.BotSnapshotCaptured {
			s.logger.Debug("extraction event", fields...)
			continue
		}
		s.logger.Info("extraction event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
