package sink

import (
	"context"
	"log/slog"

	"github.com/pratilipi/channel-client-go/channel"
)

// LogSink logs each packet instead of forwarding it.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Write(ctx context.Context, p channel.Packet) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "received packet", slog.Int64("offset", p.Offset), slog.Int("bytes", len(p.Payload)))
	return nil
}

func (LogSink) Close() error { return nil }
