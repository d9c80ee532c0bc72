// Package proximity computes the geodesic near-table between a reference
// point and a set of targets. Work is sharded by chunk offset across a pool of
// long-lived units; every input change starts a new generation and cancels
// the previous one.
package proximity

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samirrijal/proximity/internal/core/domain"
	"github.com/samirrijal/proximity/internal/pkg/geospatial"
)

// ErrClosed is returned by engine methods after Close.
var ErrClosed = errors.New("proximity engine closed")

const (
	StateIdle      = "idle"
	StateComputing = "computing"
)

// Config tunes an Engine. Zero values select defaults.
type Config struct {
	// ChunkSize is the maximum number of targets handed to one unit.
	ChunkSize int
	// MaxRadiusMeters fixes the search radius. When zero the radius is derived
	// from the projected search extent.
	MaxRadiusMeters float64
	// Solve replaces the geodesic solver, mainly for tests.
	Solve  SolveFunc
	Logger *slog.Logger
}

// Engine owns the reference point, the target set and the generation
// counter. SetReference and AddTargets return immediately; outcomes are
// delivered to subscribers as update-start, update-cancel, update-error and
// update-end events.
type Engine struct {
	chunkSize   int
	fixedRadius float64
	log         *slog.Logger
	pool        *WorkerPool
	notify      *notifier

	mu         sync.Mutex
	reference  *domain.GeoPoint
	targets    []domain.Target
	ids        map[string]struct{}
	extent     geospatial.Extent
	session    uint64
	generation uint64
	active     *cycle
	closed     bool

	done chan struct{}
	wg   sync.WaitGroup
}

// cycle is the fan-in state of the generation being computed.
type cycle struct {
	session    uint64
	generation uint64
	started    time.Time
	reference  domain.GeoPoint
	extent     domain.SearchExtent
	maxRadius  float64
	scanned    int
	offsets    []int
	pending    map[int]struct{}
	records    map[int][]domain.NearRecord
}

// NewEngine creates an idle engine and starts its fan-in loop.
func NewEngine(cfg Config) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "proximity")

	e := &Engine{
		chunkSize:   cfg.ChunkSize,
		fixedRadius: cfg.MaxRadiusMeters,
		log:         log,
		pool:        NewWorkerPool(cfg.Solve),
		notify:      newNotifier(log),
		ids:         make(map[string]struct{}),
		session:     1,
		done:        make(chan struct{}),
	}
	e.wg.Add(1)
	go e.fanIn()
	return e
}

// Subscribe registers fn for every future event. The returned function
// removes the subscription.
func (e *Engine) Subscribe(fn Listener) func() {
	return e.notify.subscribe(fn)
}

// SetReference replaces the reference point and starts a new generation.
func (e *Engine) SetReference(p domain.GeoPoint) error {
	if !p.Valid() {
		return fmt.Errorf("%w: reference %.6f,%.6f out of range", domain.ErrInvalidInput, p.Lat, p.Lon)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.reference = &p
	e.recomputeLocked()
	return nil
}

// AddTargets adds targets whose IDs are not yet known and widens the search
// extent. A new generation starts only when at least one target was new.
// It returns the number of targets added.
func (e *Engine) AddTargets(targets []domain.Target) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}

	added := 0
	for _, t := range targets {
		if t.ID == "" || !t.Location.Valid() {
			e.log.Warn("skipping invalid target", "id", t.ID, "lat", t.Location.Lat, "lon", t.Location.Lon)
			continue
		}
		if _, ok := e.ids[t.ID]; ok {
			continue
		}
		e.ids[t.ID] = struct{}{}
		e.targets = append(e.targets, t)
		e.extent = e.extent.Extend(t.Location.Lat, t.Location.Lon)
		added++
	}
	if added > 0 {
		e.recomputeLocked()
	}
	return added, nil
}

// Recompute starts a new generation with the current inputs.
func (e *Engine) Recompute() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.recomputeLocked()
	return nil
}

// Clear cancels outstanding work, terminates the worker pool and forgets the
// reference, targets, extent and generation counter. Subsequent generations
// belong to a new session.
func (e *Engine) Clear() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.active != nil {
		e.cancelLocked()
	}
	e.pool.Terminate()

	e.reference = nil
	e.targets = nil
	e.ids = make(map[string]struct{})
	e.extent = geospatial.Extent{}
	e.generation = 0
	e.session++
	e.log.Info("proximity state cleared", "session", e.session)
	return nil
}

// Status reports the engine's current state.
func (e *Engine) Status() domain.EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := domain.EngineStatus{
		State:        StateIdle,
		Session:      e.session,
		Generation:   e.generation,
		Targets:      len(e.targets),
		SearchExtent: searchExtent(e.extent),
		MaxRadius:    e.maxRadiusLocked(),
		Workers:      e.pool.Size(),
	}
	if e.active != nil {
		st.State = StateComputing
	}
	if e.reference != nil {
		ref := *e.reference
		st.Reference = &ref
	}
	return st
}

// Close cancels outstanding work, stops every unit and flushes pending events.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.active != nil {
		e.cancelLocked()
	}
	e.pool.Terminate()
	close(e.done)
	e.mu.Unlock()

	e.wg.Wait()
	e.notify.close()
}

func (e *Engine) maxRadiusLocked() float64 {
	if e.fixedRadius > 0 {
		return e.fixedRadius
	}
	return e.extent.MaxRadius()
}

// recomputeLocked cancels the active generation, if any, and starts the next.
func (e *Engine) recomputeLocked() {
	if e.active != nil {
		e.cancelLocked()
	}
	e.generation++
	gen := e.generation
	e.emitLocked(domain.ProximityEvent{Kind: domain.EventUpdateStart, Generation: gen})

	maxRadius := e.maxRadiusLocked()
	if e.reference == nil || len(e.targets) == 0 || maxRadius <= 0 {
		e.log.Debug("proximity inputs incomplete",
			"generation", gen,
			"has_reference", e.reference != nil,
			"targets", len(e.targets),
			"max_radius", maxRadius,
		)
		e.failLocked(&domain.CycleError{Generation: gen, Offset: -1, Err: domain.ErrInvalidInput})
		return
	}

	chunks := Split(e.targets, e.chunkSize)
	c := &cycle{
		session:    e.session,
		generation: gen,
		started:    time.Now(),
		reference:  *e.reference,
		extent:     searchExtent(e.extent),
		maxRadius:  maxRadius,
		scanned:    len(e.targets),
		offsets:    make([]int, 0, len(chunks)),
		pending:    make(map[int]struct{}, len(chunks)),
		records:    make(map[int][]domain.NearRecord, len(chunks)),
	}
	e.active = c

	e.pool.Retain(len(e.targets))
	for _, ch := range chunks {
		c.offsets = append(c.offsets, ch.Offset)
		c.pending[ch.Offset] = struct{}{}
		e.pool.Submit(Job{
			Session:    c.session,
			Generation: gen,
			Offset:     ch.Offset,
			Reference:  c.reference,
			Targets:    ch.Targets,
			MaxRadius:  maxRadius,
		})
	}
}

func (e *Engine) cancelLocked() {
	c := e.active
	e.active = nil
	e.pool.CancelAll(c.generation)
	e.log.Debug("proximity generation cancelled", "generation", c.generation, "pending", len(c.pending))
	e.emitLocked(domain.ProximityEvent{Kind: domain.EventUpdateCancel, Generation: c.generation})
}

func (e *Engine) failLocked(err *domain.CycleError) {
	if c := e.active; c != nil && c.generation == err.Generation {
		e.pool.CancelAll(c.generation)
		e.active = nil
	}
	e.log.Warn("proximity generation failed", "generation", err.Generation, "kind", err.Kind(), "error", err)
	e.emitLocked(domain.ProximityEvent{
		Kind:       domain.EventUpdateError,
		Generation: err.Generation,
		Err:        err,
		Error:      err.Error(),
		ErrorKind:  err.Kind(),
	})
}

func (e *Engine) emitLocked(ev domain.ProximityEvent) {
	ev.ID = uuid.NewString()
	ev.Session = e.session
	ev.Time = time.Now().UTC()
	e.notify.push(ev)
}

func (e *Engine) fanIn() {
	defer e.wg.Done()
	responses := e.pool.Responses()
	for {
		select {
		case <-e.done:
			return
		case resp := <-responses:
			e.accept(resp)
		}
	}
}

// accept is the single point where unit responses mutate engine state.
func (e *Engine) accept(resp Response) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.active
	if c == nil || resp.Session != c.session || resp.Generation != c.generation {
		e.log.Debug("dropping stale chunk response",
			"session", resp.Session, "generation", resp.Generation, "offset", resp.Offset)
		return
	}
	if _, ok := c.pending[resp.Offset]; !ok {
		return
	}

	if resp.Err != nil {
		var cerr *domain.CycleError
		if !errors.As(resp.Err, &cerr) {
			cerr = &domain.CycleError{
				Generation: resp.Generation,
				Offset:     resp.Offset,
				Err:        fmt.Errorf("%w: %w", domain.ErrWorkerFailure, resp.Err),
			}
		}
		e.failLocked(cerr)
		return
	}

	delete(c.pending, resp.Offset)
	c.records[resp.Offset] = resp.Records
	if len(c.pending) > 0 {
		return
	}

	total := 0
	for _, recs := range c.records {
		total += len(recs)
	}
	table := make([]domain.NearRecord, 0, total)
	for _, off := range c.offsets {
		table = append(table, c.records[off]...)
	}

	elapsed := time.Since(c.started).Milliseconds()
	e.active = nil
	e.log.Info(fmt.Sprintf("%d workers processed %d geometries in %d ms", len(c.offsets), c.scanned, elapsed),
		"generation", c.generation,
		"near", len(table),
		"max_radius", c.maxRadius,
	)
	e.emitLocked(domain.ProximityEvent{
		Kind:       domain.EventUpdateEnd,
		Generation: c.generation,
		Result: &domain.ProximityResult{
			Generation:     c.generation,
			Reference:      c.reference,
			NearTable:      table,
			SearchExtent:   c.extent,
			MaxRadius:      c.maxRadius,
			ElapsedTimeMs:  elapsed,
			Workers:        len(c.offsets),
			TargetsScanned: c.scanned,
		},
	})
}

func searchExtent(ext geospatial.Extent) domain.SearchExtent {
	if ext.IsEmpty() {
		return domain.SearchExtent{Empty: true}
	}
	minLat, minLon, maxLat, maxLon := ext.Bounds()
	return domain.SearchExtent{Bounds: domain.Bounds{
		MinLat: minLat,
		MinLon: minLon,
		MaxLat: maxLat,
		MaxLon: maxLon,
	}}
}
