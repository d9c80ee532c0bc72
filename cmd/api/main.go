package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"golang.org/x/sync/errgroup"

	"github.com/samirrijal/proximity/internal/adapters/http"
	natsadapter "github.com/samirrijal/proximity/internal/adapters/nats"
	"github.com/samirrijal/proximity/internal/adapters/postgres"
	"github.com/samirrijal/proximity/internal/adapters/valkey"
	"github.com/samirrijal/proximity/internal/core/domain"
	"github.com/samirrijal/proximity/internal/core/histogram"
	"github.com/samirrijal/proximity/internal/core/ports"
	"github.com/samirrijal/proximity/internal/core/proximity"
	"github.com/samirrijal/proximity/internal/core/usecases"
	"github.com/samirrijal/proximity/internal/pkg/config"
	"github.com/samirrijal/proximity/internal/pkg/logging"
	"github.com/samirrijal/proximity/internal/pkg/telemetry"
)

var version = "dev"

func main() {
	cfg, err := config.Load("proximity-api")
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := logging.Setup(cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, log); err != nil {
		log.Error("api stopped", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry
	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.TempoAddr)
		if err != nil {
			log.Warn("telemetry init failed", "error", err)
		} else {
			defer shutdown()
		}
	}

	// Database
	db, err := postgres.New(ctx, cfg.Database.DSN(), cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()
	targetRepo := postgres.NewTargetRepo(db, cfg.Proximity.TargetsTable)

	// Cache
	var cache ports.CacheService
	vc, err := valkey.New(cfg.Valkey.Addr, cfg.Valkey.KeyPrefix)
	if err != nil {
		log.Warn("valkey unavailable", "error", err)
	} else {
		defer vc.Close()
		cache = vc
	}

	// NATS
	var publisher ports.EventPublisher
	codec, err := natsadapter.NewCodec(cfg.NATS.Encoding)
	if err != nil {
		return fmt.Errorf("nats codec: %w", err)
	}
	pub, err := natsadapter.NewPublisher(cfg.NATS.URL, codec)
	if err != nil {
		log.Warn("nats unavailable", "error", err)
	} else {
		defer pub.Close()
		publisher = pub
	}

	// Raw NATS connection for the WebSocket relay
	natsConn, err := natsadapter.RawConn(cfg.NATS.URL)
	if err != nil {
		log.Warn("nats ws conn unavailable", "error", err)
	} else {
		defer natsConn.Close()
	}

	// Engine and service
	engine := proximity.NewEngine(proximity.Config{
		ChunkSize:       cfg.Proximity.ChunkSize,
		MaxRadiusMeters: cfg.Proximity.MaxRadiusMeters,
		Logger:          log,
	})
	defer engine.Close()

	svc := usecases.NewProximityService(engine, targetRepo, publisher, cache, usecases.ProximityOptions{
		Histogram: histogram.Options{
			AzimuthStep:   cfg.Proximity.AzimuthBucketWidthDeg,
			DistanceSteps: cfg.Proximity.DistanceBucketCount,
		},
		Layer:           cfg.Proximity.Layer,
		CacheTTLSeconds: cfg.Valkey.TTL,
		SyncOverlap:     time.Duration(cfg.Proximity.SyncOverlapSeconds) * time.Second,
		Logger:          log,
	})
	svc.Start()
	defer svc.Stop()

	loaded, err := svc.LoadTargets(ctx)
	if err != nil {
		return fmt.Errorf("load targets: %w", err)
	}
	log.Info("stored targets loaded", "targets", loaded)

	deps := &http.Dependencies{
		Proximity: svc,
		NATS:      natsConn,
		DB:        db,
		IDField:   cfg.Proximity.IDField,
		Version:   version,
	}
	if vc != nil {
		deps.Cache = vc
	}

	// Fiber
	app := fiber.New(fiber.Config{
		ReadTimeout:           time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:          time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:             32 * 1024 * 1024, // target collections can be large
		AppName:               "Proximity API",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,DELETE,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		MaxAge:       3600,
	}))
	http.SetupRoutes(app, deps)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		log.Info("API server starting", "addr", addr)
		return app.Listen(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	})

	g.Go(func() error {
		return db.ReportPoolMetrics(gctx, 15*time.Second)
	})

	if every := time.Duration(cfg.Proximity.SyncIntervalSeconds) * time.Second; every > 0 {
		g.Go(func() error {
			return syncTargets(gctx, svc, every, log)
		})
	}

	if cfg.NATS.Subscribe {
		sub, err := natsadapter.NewSubscriber(cfg.NATS.URL)
		if err != nil {
			log.Warn("nats subscriber unavailable", "error", err)
		} else {
			defer sub.Close()
			if err := subscribeInputs(gctx, sub, svc); err != nil {
				log.Warn("nats input subscription failed", "error", err)
			}
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// subscribeInputs feeds broker inputs into the service.
func subscribeInputs(ctx context.Context, sub ports.EventSubscriber, svc *usecases.ProximityService) error {
	if err := sub.SubscribeReference(ctx, func(ctx context.Context, p domain.GeoPoint) error {
		return svc.SetReference(ctx, p)
	}); err != nil {
		return fmt.Errorf("subscribe reference: %w", err)
	}
	if err := sub.SubscribeTargets(ctx, func(ctx context.Context, targets []domain.Target) error {
		_, err := svc.IngestTargets(ctx, targets, "nats")
		return err
	}); err != nil {
		return fmt.Errorf("subscribe targets: %w", err)
	}
	return nil
}

// syncTargets picks up targets written to storage by other processes.
func syncTargets(ctx context.Context, svc *usecases.ProximityService, every time.Duration, log *slog.Logger) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := svc.SyncTargets(ctx)
			if err != nil {
				log.Warn("target sync failed", "error", err)
				continue
			}
			if n > 0 {
				log.Info("targets synced", "added", n)
			}
		}
	}
}
