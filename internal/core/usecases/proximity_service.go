package usecases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/samirrijal/proximity/internal/core/domain"
	"github.com/samirrijal/proximity/internal/core/histogram"
	"github.com/samirrijal/proximity/internal/core/ports"
	"github.com/samirrijal/proximity/internal/pkg/metrics"
	"github.com/samirrijal/proximity/internal/pkg/telemetry"
)

// LatestCacheKey is where the most recent snapshot is cached.
const LatestCacheKey = "proximity:latest"

// DefaultSyncOverlap is how far behind the watermark SyncTargets re-reads.
const DefaultSyncOverlap = 2 * time.Minute

// ProximityOptions configures a ProximityService.
type ProximityOptions struct {
	Histogram histogram.Options
	// Layer tags targets persisted through this service.
	Layer           string
	CacheTTLSeconds int
	PublishTimeout  time.Duration
	// SyncOverlap widens each incremental sync backwards so rows stamped
	// before the watermark but committed after it are still picked up.
	SyncOverlap time.Duration
	Logger      *slog.Logger
}

type spanKey struct {
	session    uint64
	generation uint64
}

// ProximityService connects the engine to storage, the broker and the cache.
// It keeps the latest completed result with its default histogram.
type ProximityService struct {
	engine    ports.ProximityEngine
	targets   ports.TargetRepository
	publisher ports.EventPublisher
	cache     ports.CacheService
	opts      ProximityOptions
	log       *slog.Logger
	tracer    trace.Tracer

	mu        sync.RWMutex
	latest    *domain.ProximitySnapshot
	lastEvent *domain.ProximityEvent
	// session is the oldest engine session whose events are still applied.
	session uint64
	// watermark is the newest updated_at seen; clearedAt is the store clock at
	// the last Clear, below which synced rows are ignored.
	watermark   time.Time
	clearedAt   time.Time
	spans       map[spanKey]trace.Span
	unsubscribe func()
}

// NewProximityService creates a new ProximityService. targets, publisher and
// cache may be nil.
func NewProximityService(
	engine ports.ProximityEngine,
	targets ports.TargetRepository,
	publisher ports.EventPublisher,
	cache ports.CacheService,
	opts ProximityOptions,
) *ProximityService {
	if opts.CacheTTLSeconds <= 0 {
		opts.CacheTTLSeconds = 3600
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.SyncOverlap <= 0 {
		opts.SyncOverlap = DefaultSyncOverlap
	}
	if opts.Layer == "" {
		opts.Layer = "default"
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &ProximityService{
		engine:    engine,
		targets:   targets,
		publisher: publisher,
		cache:     cache,
		opts:      opts,
		log:       log,
		tracer:    otel.Tracer("proximity"),
		spans:     make(map[spanKey]trace.Span),
	}
}

// Start subscribes the service to engine events.
func (s *ProximityService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubscribe == nil {
		s.unsubscribe = s.engine.Subscribe(s.handleEvent)
	}
}

// Stop unsubscribes from the engine and ends any open cycle span.
func (s *ProximityService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	for key, span := range s.spans {
		span.End()
		delete(s.spans, key)
	}
}

// SetReference moves the reference point.
func (s *ProximityService) SetReference(ctx context.Context, p domain.GeoPoint) error {
	if err := s.engine.SetReference(p); err != nil {
		return fmt.Errorf("set reference: %w", err)
	}
	return nil
}

// AddTargets persists targets when a repository is configured and hands them
// to the engine. It returns how many were new to the engine.
func (s *ProximityService) AddTargets(ctx context.Context, targets []domain.Target, source string) (int, error) {
	if len(targets) == 0 {
		return 0, nil
	}
	if s.targets != nil {
		if err := s.targets.UpsertBatch(ctx, s.opts.Layer, targets); err != nil {
			return 0, fmt.Errorf("persist targets: %w", err)
		}
	}
	return s.addToEngine(targets, source)
}

// IngestTargets hands targets to the engine without persisting them. It is
// used for batches that already come from storage or the broker.
func (s *ProximityService) IngestTargets(ctx context.Context, targets []domain.Target, source string) (int, error) {
	return s.addToEngine(targets, source)
}

func (s *ProximityService) addToEngine(targets []domain.Target, source string) (int, error) {
	added, err := s.engine.AddTargets(targets)
	if err != nil {
		return 0, fmt.Errorf("add targets: %w", err)
	}
	metrics.TargetsIngested.WithLabelValues(source).Add(float64(added))
	metrics.ProximityTargets.Set(float64(s.engine.Status().Targets))
	return added, nil
}

// LoadTargets loads every stored target into the engine.
func (s *ProximityService) LoadTargets(ctx context.Context) (int, error) {
	if s.targets == nil {
		return 0, nil
	}
	stored, err := s.targets.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list targets: %w", err)
	}
	return s.ingestStored(stored)
}

// SyncTargets loads targets stored or updated since the previous load. Each
// pass re-reads SyncOverlap behind the watermark; rows the engine already
// holds are skipped by id.
func (s *ProximityService) SyncTargets(ctx context.Context) (int, error) {
	if s.targets == nil {
		return 0, nil
	}
	s.mu.RLock()
	since, floor := s.watermark, s.clearedAt
	s.mu.RUnlock()
	if !since.IsZero() {
		since = since.Add(-s.opts.SyncOverlap)
	}

	stored, err := s.targets.ListUpdatedSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("list targets since %s: %w", since.Format(time.RFC3339), err)
	}
	if !floor.IsZero() {
		kept := stored[:0]
		for _, st := range stored {
			if st.UpdatedAt.After(floor) {
				kept = append(kept, st)
			}
		}
		stored = kept
	}
	return s.ingestStored(stored)
}

func (s *ProximityService) ingestStored(stored []ports.StoredTarget) (int, error) {
	if len(stored) == 0 {
		return 0, nil
	}
	batch := make([]domain.Target, len(stored))
	newest := time.Time{}
	for i, st := range stored {
		batch[i] = st.Target
		if st.UpdatedAt.After(newest) {
			newest = st.UpdatedAt
		}
	}

	added, err := s.addToEngine(batch, "postgres")
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	if newest.After(s.watermark) {
		s.watermark = newest
	}
	s.mu.Unlock()
	return added, nil
}

// Clear resets the engine and drops the latest snapshot. With purge, stored
// targets are deleted too.
func (s *ProximityService) Clear(ctx context.Context, purge bool) error {
	if err := s.engine.Clear(); err != nil {
		return fmt.Errorf("clear engine: %w", err)
	}
	session := s.engine.Status().Session

	s.mu.Lock()
	if session > s.session {
		s.session = session
	}
	s.latest = nil
	s.lastEvent = nil
	for key, span := range s.spans {
		if key.session < s.session {
			span.End()
			delete(s.spans, key)
		}
	}
	s.mu.Unlock()

	if s.targets != nil {
		if purge {
			if err := s.targets.DeleteAll(ctx); err != nil {
				return fmt.Errorf("purge targets: %w", err)
			}
		}
		now, err := s.targets.Now(ctx)
		if err != nil {
			s.log.Warn("read store clock failed, using local time", "error", err)
			now = time.Now()
		}
		s.mu.Lock()
		s.watermark = now
		s.clearedAt = now
		s.mu.Unlock()
	}

	metrics.ProximityTargets.Set(0)
	metrics.ProximityWorkerUnits.Set(0)
	if s.cache != nil {
		_ = s.cache.Delete(ctx, LatestCacheKey)
	}
	return nil
}

// Latest returns the most recent completed result, falling back to the cache
// after a restart.
func (s *ProximityService) Latest(ctx context.Context) (*domain.ProximitySnapshot, error) {
	s.mu.RLock()
	latest := s.latest
	s.mu.RUnlock()
	if latest != nil {
		return latest, nil
	}

	if s.cache != nil {
		if data, err := s.cache.Get(ctx, LatestCacheKey); err == nil {
			var snap domain.ProximitySnapshot
			if err := json.Unmarshal(data, &snap); err == nil {
				metrics.CacheHits.WithLabelValues("latest").Inc()
				return &snap, nil
			}
		}
		metrics.CacheMisses.WithLabelValues("latest").Inc()
	}
	return nil, domain.ErrNotFound
}

// Histogram re-bins the latest near-table with custom bucket options. Zero
// fields take the service defaults.
func (s *ProximityService) Histogram(ctx context.Context, opts histogram.Options) (*domain.Histogram, error) {
	snap, err := s.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if opts.AzimuthStep <= 0 {
		opts.AzimuthStep = s.opts.Histogram.AzimuthStep
	}
	if opts.DistanceSteps <= 0 {
		opts.DistanceSteps = s.opts.Histogram.DistanceSteps
	}
	h := histogram.Aggregate(snap.Result.NearTable, snap.Result.MaxRadius, opts)
	return &h, nil
}

// Status describes the engine together with the last event it emitted.
func (s *ProximityService) Status() domain.EngineStatus {
	st := s.engine.Status()
	s.mu.RLock()
	if s.lastEvent != nil {
		ev := *s.lastEvent
		st.LastEvent = &ev
	}
	s.mu.RUnlock()
	return st
}

// StoredTargets counts the targets in the repository. It returns
// domain.ErrNotFound when the service runs without one.
func (s *ProximityService) StoredTargets(ctx context.Context) (int, error) {
	if s.targets == nil {
		return 0, domain.ErrNotFound
	}
	n, err := s.targets.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count targets: %w", err)
	}
	return n, nil
}

// Refresh starts a new generation with the engine's current inputs.
func (s *ProximityService) Refresh(ctx context.Context) error {
	return s.engine.Recompute()
}

func (s *ProximityService) handleEvent(ev domain.ProximityEvent) {
	s.mu.Lock()
	if ev.Session < s.session {
		s.mu.Unlock()
		s.log.Debug("dropping event from cleared session", "kind", ev.Kind, "session", ev.Session, "generation", ev.Generation)
		return
	}
	last := ev
	last.Result = nil
	s.lastEvent = &last
	s.mu.Unlock()

	var (
		elapsed int64
		near    int
	)
	if ev.Result != nil {
		elapsed = ev.Result.ElapsedTimeMs
		near = len(ev.Result.NearTable)
	}
	metrics.ObserveProximityEvent(string(ev.Kind), ev.ErrorKind, elapsed, near)
	s.trace(ev)

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.PublishTimeout)
	defer cancel()

	if ev.Kind == domain.EventUpdateEnd && ev.Result != nil {
		metrics.ProximityWorkerUnits.Set(float64(ev.Result.Workers))
		s.storeSnapshot(ctx, ev)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishProximityEvent(ctx, &ev); err != nil {
			metrics.EventPublishErrors.Inc()
			s.log.Warn("publish proximity event failed", "kind", ev.Kind, "generation", ev.Generation, "error", err)
			return
		}
		metrics.EventsPublished.WithLabelValues(string(ev.Kind)).Inc()
	}
}

func (s *ProximityService) storeSnapshot(ctx context.Context, ev domain.ProximityEvent) {
	snap := &domain.ProximitySnapshot{
		Result:    *ev.Result,
		Histogram: histogram.Aggregate(ev.Result.NearTable, ev.Result.MaxRadius, s.opts.Histogram),
		UpdatedAt: ev.Time,
	}

	s.mu.Lock()
	if ev.Session < s.session {
		s.mu.Unlock()
		return
	}
	s.latest = snap
	s.mu.Unlock()

	if s.cache == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		s.log.Error("encode proximity snapshot", "error", err)
		return
	}
	if err := s.cache.Set(ctx, LatestCacheKey, data, s.opts.CacheTTLSeconds); err != nil {
		s.log.Warn("cache proximity snapshot failed", "error", err)
		return
	}

	// A Clear that ran during the write has already deleted the key.
	s.mu.RLock()
	stale := ev.Session < s.session
	s.mu.RUnlock()
	if stale {
		_ = s.cache.Delete(ctx, LatestCacheKey)
	}
}

// trace keeps one span per generation open from update-start to its outcome.
func (s *ProximityService) trace(ev domain.ProximityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Session < s.session {
		return
	}
	key := spanKey{session: ev.Session, generation: ev.Generation}

	if ev.Kind == domain.EventUpdateStart {
		_, span := s.tracer.Start(context.Background(), telemetry.SpanProximityCycle,
			trace.WithAttributes(
				telemetry.AttrSession.Int64(int64(ev.Session)),
				telemetry.AttrGeneration.Int64(int64(ev.Generation)),
			),
		)
		s.spans[key] = span
		return
	}

	span, ok := s.spans[key]
	if !ok {
		return
	}
	delete(s.spans, key)
	span.SetAttributes(telemetry.AttrOutcome.String(string(ev.Kind)))

	switch {
	case ev.Kind == domain.EventUpdateEnd && ev.Result != nil:
		span.SetAttributes(
			telemetry.AttrNearRecords.Int(len(ev.Result.NearTable)),
			telemetry.AttrWorkers.Int(ev.Result.Workers),
			telemetry.AttrElapsedMs.Int64(ev.Result.ElapsedTimeMs),
		)
	case ev.Kind == domain.EventUpdateError:
		err := ev.Err
		if err == nil {
			err = errors.New(ev.Error)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, ev.ErrorKind)
	}
	span.End()
}
