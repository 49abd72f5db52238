package events

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sink stores or forwards events outside the process.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// Bus publishes events to the hub and every sink.
type Bus struct {
	hub     *Hub
	sinks   []Sink
	timeout time.Duration
	logger  *zap.Logger
}

// NewBus creates a bus over hub.
func NewBus(hub *Hub, logger *zap.Logger, sinks ...Sink) *Bus {
	return &Bus{
		hub:     hub,
		sinks:   sinks,
		timeout: 5 * time.Second,
		logger:  logger.Named("events"),
	}
}

// Publish emits the event locally, then hands it to the sinks.
// Sink failures are logged and never reach the caller.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.hub.Emit(event)

	if len(b.sinks) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()

	for _, sink := range b.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			b.logger.Warn("failed to publish event",
				zap.String("event_id", event.ID),
				zap.String("tool", event.Tool),
				zap.Error(err))
		}
	}
}
