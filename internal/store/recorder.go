package store

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Recorder adapts the event log to the runner's recorder contract. Append
// failures are logged and swallowed; recording never fails a run.
type Recorder struct {
	log    *EventLog
	logger *slog.Logger
}

// NewRecorder creates a Recorder over an event log.
func NewRecorder(log *EventLog, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{log: log, logger: logger}
}

// Record appends one run event.
func (r *Recorder) Record(ctx context.Context, runID, eventType, blockID string, data map[string]any) {
	var payload json.RawMessage
	if len(data) > 0 {
		b, err := json.Marshal(data)
		if err != nil {
			r.logger.WarnContext(ctx, "marshal event payload failed",
				slog.String("run_id", runID),
				slog.String("event_type", eventType),
				slog.String("error", err.Error()))
			return
		}
		payload = b
	}

	err := r.log.AppendEvent(ctx, &Event{
		RunID:   runID,
		BlockID: blockID,
		Type:    eventType,
		Payload: payload,
	})
	if err != nil {
		r.logger.WarnContext(ctx, "append run event failed",
			slog.String("run_id", runID),
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}
