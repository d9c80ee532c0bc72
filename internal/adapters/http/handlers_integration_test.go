//go:build integration
// +build integration

package http_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	handler "github.com/samirrijal/proximity/internal/adapters/http"
	"github.com/samirrijal/proximity/internal/adapters/postgres"
	"github.com/samirrijal/proximity/internal/core/domain"
	"github.com/samirrijal/proximity/internal/core/proximity"
	"github.com/samirrijal/proximity/internal/core/usecases"
	"github.com/samirrijal/proximity/internal/pkg/config"
)

const integrationTable = "proximity_targets_it"

// setupTestDB connects to the test database and creates an empty target table
// shaped like proximity_targets.
func setupTestDB(t *testing.T) *postgres.DB {
	cfg, err := config.Load("proximity-test")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := postgres.New(ctx, cfg.Database.DSN(), 4)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(db.Close)

	if _, err := db.Pool.Exec(ctx, `
		DROP TABLE IF EXISTS `+integrationTable+`;
		CREATE TABLE `+integrationTable+` (LIKE proximity_targets INCLUDING ALL);
	`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	t.Cleanup(func() {
		_, _ = db.Pool.Exec(context.Background(), `DROP TABLE IF EXISTS `+integrationTable)
	})
	return db
}

// setupTestDeps wires the service to the real target table, no cache or broker.
func setupTestDeps(t *testing.T, db *postgres.DB) (*handler.Dependencies, *usecases.ProximityService) {
	engine := proximity.NewEngine(proximity.Config{MaxRadiusMeters: 100000, Logger: quietLogger()})
	repo := postgres.NewTargetRepo(db, integrationTable)
	svc := usecases.NewProximityService(engine, repo, nil, nil, usecases.ProximityOptions{
		Layer:  "integration",
		Logger: quietLogger(),
	})
	svc.Start()
	t.Cleanup(func() {
		svc.Stop()
		engine.Close()
	})
	return &handler.Dependencies{Proximity: svc, DB: db, IDField: "OBJECTID"}, svc
}

func TestAddTargets_Integration_Persists(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	db := setupTestDB(t)
	deps, _ := setupTestDeps(t, db)
	app := setupApp(deps)

	snap := loadCardinal(t, app)
	if len(snap.Result.NearTable) != 4 {
		t.Fatalf("expected 4 near records, got %d", len(snap.Result.NearTable))
	}

	repo := postgres.NewTargetRepo(db, integrationTable)
	n, err := repo.Count(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 stored targets, got %d", n)
	}

	stored, err := repo.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if stored[0].ID != "1" || stored[0].Layer != "integration" {
		t.Errorf("unexpected first target: %+v", stored[0])
	}
	if d := stored[0].Location.Lat - 0.45219; d > 1e-9 || d < -1e-9 {
		t.Errorf("expected lat 0.45219, got %v", stored[0].Location.Lat)
	}
}

func TestLoadTargets_Integration_RestoresEngine(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	db := setupTestDB(t)
	repo := postgres.NewTargetRepo(db, integrationTable)
	if err := repo.UpsertBatch(context.Background(), "seed", []domain.Target{
		{ID: "a", Location: domain.GeoPoint{Lat: 0.1, Lon: 0.1}},
		{ID: "b", Location: domain.GeoPoint{Lat: -0.1, Lon: 0.2}},
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	deps, svc := setupTestDeps(t, db)
	n, err := svc.LoadTargets(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 loaded, got %d", n)
	}

	app := setupApp(deps)
	resp := doRequest(t, app, "GET", "/v1/ready", "")
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("expected ready with a database, got %d", resp.StatusCode)
	}

	resp = doRequest(t, app, "GET", "/v1/proximity/state", "")
	var st domain.EngineStatus
	decode(t, resp, &st)
	if st.StoredTargets == nil || *st.StoredTargets != 2 {
		t.Errorf("expected 2 stored targets in state, got %v", st.StoredTargets)
	}

	if n, err := svc.SyncTargets(context.Background()); err != nil || n != 0 {
		t.Errorf("expected nothing new to sync, got %d, %v", n, err)
	}
}

func TestTargetRepoNow_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	db := setupTestDB(t)
	now, err := postgres.NewTargetRepo(db, integrationTable).Now(context.Background())
	if err != nil {
		t.Fatalf("now: %v", err)
	}
	if d := time.Since(now); d > time.Minute || d < -time.Minute {
		t.Errorf("database clock %v is far from local clock", now)
	}
}

func TestClearPurge_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	db := setupTestDB(t)
	deps, _ := setupTestDeps(t, db)
	app := setupApp(deps)
	loadCardinal(t, app)

	req := httptest.NewRequest("DELETE", "/v1/targets?purge=true", nil)
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("test request: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	n, err := postgres.NewTargetRepo(db, integrationTable).Count(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("expected purged table, got %d rows", n)
	}
}
