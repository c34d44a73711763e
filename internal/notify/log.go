package notify

import (
	"context"
	"log/slog"
)

// LogNotifier writes events to slog. It is the default sink and the one used
// in tests.
type LogNotifier struct {
	Logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{Logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	level := slog.LevelInfo
	switch event.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityError:
		level = slog.LevelError
	}
	n.Logger.Log(ctx, level, event.Message,
		"type", event.Type,
		"project_id", event.ProjectID,
		"stage", event.Stage,
		"recipient", event.Recipient,
		"metadata", event.Metadata,
	)
	return nil
}
