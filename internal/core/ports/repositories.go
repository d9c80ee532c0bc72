package ports

import (
	"context"
	"time"

	"github.com/samirrijal/proximity/internal/core/domain"
)

// StoredTarget is a target row together with its source layer and last
// modification time.
type StoredTarget struct {
	domain.Target
	Layer     string
	UpdatedAt time.Time
}

// TargetRepository persists target point features.
type TargetRepository interface {
	UpsertBatch(ctx context.Context, layer string, targets []domain.Target) error
	// List returns every stored target ordered by insertion.
	List(ctx context.Context) ([]StoredTarget, error)
	// ListUpdatedSince returns targets modified strictly after since, oldest first.
	ListUpdatedSince(ctx context.Context, since time.Time) ([]StoredTarget, error)
	Count(ctx context.Context) (int, error)
	DeleteAll(ctx context.Context) error
	// Now reports the store's clock, the one updated_at is stamped with.
	Now(ctx context.Context) (time.Time, error)
}
