package natsadapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/samirrijal/proximity/internal/core/domain"
)

// Subscriber implements ports.EventSubscriber using NATS JetStream.
type Subscriber struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	subs []*nats.Subscription
}

// NewSubscriber creates a subscriber with its own NATS connection.
func NewSubscriber(url string) (*Subscriber, error) {
	conn, err := RawConn(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	return &Subscriber{conn: conn, js: js}, nil
}

func (s *Subscriber) SubscribeReference(ctx context.Context, handler func(ctx context.Context, p domain.GeoPoint) error) error {
	return s.consume(SubjectInputReference, "proximity-reference", func(msg *nats.Msg) error {
		var p domain.GeoPoint
		if err := DecodeMsg(msg, &p); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
		}
		return handler(ctx, p)
	})
}

func (s *Subscriber) SubscribeTargets(ctx context.Context, handler func(ctx context.Context, targets []domain.Target) error) error {
	return s.consume(SubjectInputTargets, "proximity-targets", func(msg *nats.Msg) error {
		var targets []domain.Target
		if err := DecodeMsg(msg, &targets); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
		}
		return handler(ctx, targets)
	})
}

// consume runs a durable manual-ack consumer. Messages rejected as invalid
// input are terminated instead of redelivered.
func (s *Subscriber) consume(subject, durable string, handle func(msg *nats.Msg) error) error {
	sub, err := s.js.Subscribe(subject, func(msg *nats.Msg) {
		if err := handle(msg); err != nil {
			if errors.Is(err, domain.ErrInvalidInput) {
				slog.Warn("rejecting proximity input", "subject", subject, "error", err)
				_ = msg.Term()
				return
			}
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	},
		nats.Durable(durable),
		nats.ManualAck(),
		nats.MaxDeliver(3),
	)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)
	return nil
}

// Close unsubscribes and drains.
func (s *Subscriber) Close() {
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	_ = s.conn.Drain()
}
