package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/samirrijal/proximity/internal/core/domain"
	"github.com/samirrijal/proximity/internal/core/ports"
)

// TargetRepo implements ports.TargetRepository with pgx.
type TargetRepo struct {
	db    *DB
	table string
}

// NewTargetRepo creates a new TargetRepo over table (default proximity_targets).
func NewTargetRepo(db *DB, table string) *TargetRepo {
	if table == "" {
		table = "proximity_targets"
	}
	return &TargetRepo{db: db, table: pgx.Identifier{table}.Sanitize()}
}

// UpsertBatch inserts or moves many targets using pgx.Batch. A target whose
// location changed gets a fresh updated_at.
func (r *TargetRepo) UpsertBatch(ctx context.Context, layer string, targets []domain.Target) error {
	if len(targets) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, t := range targets {
		batch.Queue(`
			INSERT INTO `+r.table+` (id, layer, location)
			VALUES ($1, $2, ST_SetSRID(ST_MakePoint($3, $4), 4326)::geography)
			ON CONFLICT (id) DO UPDATE
			SET layer = EXCLUDED.layer, location = EXCLUDED.location, updated_at = now()
			WHERE NOT ST_Equals(`+r.table+`.location::geometry, EXCLUDED.location::geometry)
		`, t.ID, layer, t.Location.Lon, t.Location.Lat)
	}
	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()
	for range targets {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec: %w", err)
		}
	}
	return nil
}

// List returns every stored target in insertion order.
func (r *TargetRepo) List(ctx context.Context) ([]ports.StoredTarget, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, layer,
		       ST_Y(location::geometry) AS lat,
		       ST_X(location::geometry) AS lon,
		       updated_at
		FROM `+r.table+`
		ORDER BY seq
	`)
	if err != nil {
		return nil, err
	}
	return scanTargets(rows)
}

// ListUpdatedSince returns targets modified after since, oldest first.
func (r *TargetRepo) ListUpdatedSince(ctx context.Context, since time.Time) ([]ports.StoredTarget, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, layer,
		       ST_Y(location::geometry) AS lat,
		       ST_X(location::geometry) AS lon,
		       updated_at
		FROM `+r.table+`
		WHERE updated_at > $1
		ORDER BY updated_at, seq
	`, since)
	if err != nil {
		return nil, err
	}
	return scanTargets(rows)
}

// Count returns the number of stored targets.
func (r *TargetRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx, `SELECT count(*) FROM `+r.table).Scan(&n)
	return n, err
}

// DeleteAll removes every stored target.
func (r *TargetRepo) DeleteAll(ctx context.Context) error {
	_, err := r.db.Pool.Exec(ctx, `TRUNCATE `+r.table)
	return err
}

// Now returns the database clock.
func (r *TargetRepo) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	err := r.db.Pool.QueryRow(ctx, `SELECT now()`).Scan(&now)
	return now, err
}

func scanTargets(rows pgx.Rows) ([]ports.StoredTarget, error) {
	defer rows.Close()
	var targets []ports.StoredTarget
	for rows.Next() {
		var t ports.StoredTarget
		if err := rows.Scan(&t.ID, &t.Layer, &t.Location.Lat, &t.Location.Lon, &t.UpdatedAt); err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}
