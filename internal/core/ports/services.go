package ports

import (
	"context"

	"github.com/samirrijal/proximity/internal/core/domain"
)

// EventPublisher publishes proximity events to a message broker.
type EventPublisher interface {
	PublishProximityEvent(ctx context.Context, ev *domain.ProximityEvent) error
	PublishReference(ctx context.Context, p domain.GeoPoint) error
	PublishTargets(ctx context.Context, targets []domain.Target) error
}

// EventSubscriber consumes proximity inputs from a message broker.
type EventSubscriber interface {
	SubscribeReference(ctx context.Context, handler func(ctx context.Context, p domain.GeoPoint) error) error
	SubscribeTargets(ctx context.Context, handler func(ctx context.Context, targets []domain.Target) error) error
}

// CacheService provides read-through caching.
type CacheService interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttlSeconds int) error
	Delete(ctx context.Context, key string) error
}

// ProximityEngine computes near-tables for a reference point against a target
// set and reports each generation's outcome to subscribers.
type ProximityEngine interface {
	SetReference(p domain.GeoPoint) error
	AddTargets(targets []domain.Target) (int, error)
	Recompute() error
	Clear() error
	Status() domain.EngineStatus
	Subscribe(fn func(domain.ProximityEvent)) (unsubscribe func())
}
