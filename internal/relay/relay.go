// Package relay mirrors realtime events onto a durable NATS JetStream
// stream so other services (analytics, archival, regional nodes) can
// consume them without holding a websocket.
package relay

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/123ashny/KENYASHIP/internal/realtime"
)

const (
	// StreamCourierEvents is the durable stream that captures realtime pushes.
	StreamCourierEvents = "COURIER_EVENTS"
	// SubjectEvents is the wildcard subject hierarchy for courier events.
	SubjectEvents = "events.courier.>"
	// subjectPrefix prefixes the event type to form the publish subject.
	subjectPrefix = "events.courier."
)

// Relay wraps a NATS connection and its JetStream context.
type Relay struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
}

// Connect dials NATS and initialises a JetStream context.
func Connect(url string, logger *zap.Logger) (*Relay, error) {
	nc, err := nats.Connect(url, nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to initialize JetStream: %w", err)
	}

	logger.Info("NATS JetStream connected", zap.String("url", url))
	return &Relay{conn: nc, js: js, logger: logger}, nil
}

// ProvisionStream idempotently creates the courier event stream.
func (r *Relay) ProvisionStream() error {
	_, err := r.js.StreamInfo(StreamCourierEvents)
	if err == nil {
		r.logger.Info("NATS stream exists", zap.String("stream", StreamCourierEvents))
		return nil
	}

	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to check stream info: %w", err)
	}

	cfg := &nats.StreamConfig{
		Name:      StreamCourierEvents,
		Subjects:  []string{SubjectEvents},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	}

	if _, err := r.js.AddStream(cfg); err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	r.logger.Info("NATS stream provisioned", zap.String("stream", StreamCourierEvents))
	return nil
}

// Publish mirrors one event onto the stream. Satisfies realtime.EventSink.
// The audience is intentionally not serialized; consumers see the same
// privacy-filtered payload a websocket client would.
func (r *Relay) Publish(ev realtime.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	subject := subjectPrefix + strings.ReplaceAll(ev.Type, ":", ".")
	if _, err := r.js.Publish(subject, payload, nats.MsgId(ev.ID)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close drains the connection so in-flight publishes flush before shutdown.
func (r *Relay) Close() {
	if r.conn != nil {
		if err := r.conn.Drain(); err != nil {
			r.conn.Close()
		}
	}
}
