package natsadapter

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/samirrijal/proximity/internal/core/domain"
)

const (
	SubjectUpdatePrefix   = "proximity.update."
	SubjectUpdates        = "proximity.update.>"
	SubjectInputReference = "proximity.input.reference"
	SubjectInputTargets   = "proximity.input.targets"
)

// Publisher implements ports.EventPublisher using NATS JetStream.
type Publisher struct {
	conn  *nats.Conn
	js    nats.JetStreamContext
	codec Codec
}

// NewPublisher connects to NATS, enables JetStream and ensures the streams exist.
func NewPublisher(url string, codec Codec) (*Publisher, error) {
	conn, err := RawConn(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	streams := []nats.StreamConfig{
		{
			Name:       "PROXIMITY_UPDATES",
			Subjects:   []string{SubjectUpdates},
			Retention:  nats.LimitsPolicy,
			MaxAge:     1 * time.Hour,
			Storage:    nats.FileStorage,
			Duplicates: 2 * time.Minute,
		},
		{
			Name:      "PROXIMITY_INPUTS",
			Subjects:  []string{"proximity.input.>"},
			Retention: nats.WorkQueuePolicy,
			MaxAge:    24 * time.Hour,
			Storage:   nats.FileStorage,
		},
	}

	for _, cfg := range streams {
		if _, err := js.AddStream(&cfg); err != nil {
			// Stream may already exist, try update
			if _, err := js.UpdateStream(&cfg); err != nil {
				conn.Close()
				return nil, fmt.Errorf("ensure stream %s: %w", cfg.Name, err)
			}
		}
	}

	return &Publisher{conn: conn, js: js, codec: codec}, nil
}

// PublishProximityEvent publishes ev on proximity.update.<kind>. The event ID
// is the JetStream message ID, so retries are deduplicated.
func (p *Publisher) PublishProximityEvent(ctx context.Context, ev *domain.ProximityEvent) error {
	opts := []nats.PubOpt{nats.Context(ctx)}
	if ev.ID != "" {
		opts = append(opts, nats.MsgId(ev.ID))
	}
	return p.publish(SubjectUpdatePrefix+string(ev.Kind), ev, opts...)
}

// PublishReference publishes a reference point for the engine to consume.
func (p *Publisher) PublishReference(ctx context.Context, pt domain.GeoPoint) error {
	return p.publish(SubjectInputReference, pt, nats.Context(ctx))
}

// PublishTargets publishes a batch of targets for the engine to consume.
func (p *Publisher) PublishTargets(ctx context.Context, targets []domain.Target) error {
	return p.publish(SubjectInputTargets, targets, nats.Context(ctx))
}

func (p *Publisher) publish(subject string, v any, opts ...nats.PubOpt) error {
	data, err := p.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	msg := nats.NewMsg(subject)
	msg.Header.Set(headerContentType, p.codec.ContentType())
	msg.Data = data
	_, err = p.js.PublishMsg(msg, opts...)
	return err
}

// Conn exposes the underlying connection for health checks.
func (p *Publisher) Conn() *nats.Conn {
	return p.conn
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	_ = p.conn.Drain()
}

// RawConn creates a plain NATS connection for subscribing (e.g. WebSocket relay).
func RawConn(url string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name("proximity"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}
