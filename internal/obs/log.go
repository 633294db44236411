package obs

import (
	"context"
	"log/slog"
)

// LogSink writes request details to the structured log instead of a
// database. Useful for container deployments that ship logs anyway.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink wraps a logger as a sink.
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

func (s *LogSink) WriteBatch(ctx context.Context, recs []RequestDetail) error {
	for _, d := range recs {
		s.log.InfoContext(ctx, "request_detail",
			slog.String("id", d.ID),
			slog.String("machine", d.MachineID),
			slog.String("provider", d.Provider),
			slog.String("connection", d.ConnectionID),
			slog.String("model", d.Model),
			slog.String("source", d.SourceFormat),
			slog.String("target", d.TargetFormat),
			slog.Int("status", d.Status),
			slog.Bool("streaming", d.Streaming),
			slog.Int("input_tokens", d.InputTokens),
			slog.Int("output_tokens", d.OutputTokens),
			slog.Bool("estimated", d.Estimated),
			slog.Int64("ttft_ms", d.TTFTMs),
			slog.Int64("duration_ms", d.DurationMs),
			slog.String("error", d.Error),
			slog.Time("created_at", d.CreatedAt),
		)
	}
	return nil
}

func (s *LogSink) Close() error { return nil }
