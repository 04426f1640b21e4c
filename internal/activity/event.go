// Package activity buffers enforcement activity events and ships them to
// the collector in batches, off the request path.
package activity

import (
	"context"
	"log/slog"
)

// Event types.
const (
	TypePageRequested = "page_requested"
	TypeBlock         = "block"
)

// Event is a single enforcement activity record.
type Event struct {
	Type      string            `json:"type"`
	Timestamp int64             `json:"timestamp"`
	SocketIP  string            `json:"socket_ip"`
	URL       string            `json:"url"`
	AppID     string            `json:"px_app_id"`
	VID       string            `json:"vid,omitempty"`
	Headers   map[string]string `json:"headers"`
	Details   map[string]any    `json:"details"`
}

// Recorder accepts events. Enqueue never blocks on I/O.
type Recorder interface {
	Enqueue(ev Event)
}

// Discard is a Recorder that drops every event.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Enqueue(Event) {}

// Sender ships one batch.
type Sender interface {
	Send(ctx context.Context, batch []Event) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, batch []Event) error

func (f SenderFunc) Send(ctx context.Context, batch []Event) error { return f(ctx, batch) }

// LogSender logs batch summaries instead of shipping them. It backs
// deployments without collector access.
type LogSender struct {
	Logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{Logger: logger}
}

func (s *LogSender) Send(_ context.Context, batch []Event) error {
	blocks := 0
	for _, ev := range batch {
		if ev.Type == TypeBlock {
			blocks++
		}
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("activity batch", "events", len(batch), "blocks", blocks)
	return nil
}
