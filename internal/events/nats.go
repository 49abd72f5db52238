package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const (
	// StreamName is the JetStream stream holding tool events.
	StreamName = "FCU_TOOL_EVENTS"
	// SubjectPrefix prefixes every tool event subject.
	SubjectPrefix = "fcu.tools."
)

// Subject returns fcu.tools.<tool>.<status>.
func Subject(event Event) string {
	return SubjectPrefix + token(event.Tool) + "." + token(event.Status)
}

// token keeps a subject segment free of NATS wildcards and separators.
func token(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// JetStreamSink persists events to a JetStream stream.
type JetStreamSink struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *zap.Logger
}

// ConnectJetStream connects to url and ensures the event stream exists.
func ConnectJetStream(ctx context.Context, url string, logger *zap.Logger) (*JetStreamSink, error) {
	nc, err := nats.Connect(url, nats.Name("fcumcp"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "FCU tool call events",
		Subjects:    []string{SubjectPrefix + ">"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      24 * time.Hour,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	logger.Info("connected to NATS JetStream", zap.String("url", url), zap.String("stream", StreamName))
	return &JetStreamSink{nc: nc, js: js, logger: logger}, nil
}

// Publish stores one event. The event id doubles as the dedup id.
func (s *JetStreamSink) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := s.js.Publish(ctx, Subject(event), data, jetstream.WithMsgID(event.ID)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close drains the connection.
func (s *JetStreamSink) Close() error {
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
		return err
	}
	return nil
}
