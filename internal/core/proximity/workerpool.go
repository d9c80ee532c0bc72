package proximity

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/samirrijal/proximity/internal/core/domain"
	"github.com/samirrijal/proximity/internal/pkg/geospatial"
)

// cancelCheckInterval is how many targets a unit solves between cancellation checks.
const cancelCheckInterval = 64

// SolveFunc solves the inverse geodesic problem for one point pair.
type SolveFunc func(lat1, lon1, lat2, lon2 float64) (geospatial.Geodesic, error)

// Job is one chunk of work for one generation.
type Job struct {
	Session    uint64
	Generation uint64
	Offset     int
	Reference  domain.GeoPoint
	Targets    []domain.Target
	MaxRadius  float64
}

// Response is a unit's answer to a Job: the filtered near records or a failure.
type Response struct {
	Session    uint64
	Generation uint64
	Offset     int
	Records    []domain.NearRecord
	Err        error
}

// WorkerPool keeps one long-lived execution unit per chunk offset. Units are
// created on first use and reused by later generations, and deliver their
// results on a single shared response channel.
type WorkerPool struct {
	solve     SolveFunc
	responses chan Response
	cancelled atomic.Uint64 // every generation <= this value is cancelled

	mu    sync.Mutex
	units map[int]*unit
	wg    sync.WaitGroup
}

type unit struct {
	offset int
	mu     sync.Mutex
	next   *Job
	wake   chan struct{}
	quit   chan struct{}
}

// NewWorkerPool creates an empty pool. solve defaults to geospatial.Inverse.
func NewWorkerPool(solve SolveFunc) *WorkerPool {
	if solve == nil {
		solve = geospatial.Inverse
	}
	return &WorkerPool{
		solve:     solve,
		responses: make(chan Response, 64),
		units:     make(map[int]*unit),
	}
}

// Responses is the fan-in channel every unit reports on.
func (p *WorkerPool) Responses() <-chan Response {
	return p.responses
}

// Submit hands job to the unit at job.Offset, starting the unit if needed.
// It never blocks: a job still waiting in the unit's slot is replaced, since
// only the newest generation can be current.
func (p *WorkerPool) Submit(job Job) {
	p.mu.Lock()
	u, ok := p.units[job.Offset]
	if !ok {
		u = &unit{
			offset: job.Offset,
			wake:   make(chan struct{}, 1),
			quit:   make(chan struct{}),
		}
		p.units[job.Offset] = u
		p.wg.Add(1)
		go p.run(u)
	}
	p.mu.Unlock()

	u.mu.Lock()
	u.next = &job
	u.mu.Unlock()
	select {
	case u.wake <- struct{}{}:
	default:
	}
}

// CancelAll marks every generation up to and including gen as cancelled.
// Units abandon in-flight work for those generations and never deliver it.
// Repeated or out-of-order calls are harmless.
func (p *WorkerPool) CancelAll(gen uint64) {
	for {
		cur := p.cancelled.Load()
		if gen <= cur || p.cancelled.CompareAndSwap(cur, gen) {
			return
		}
	}
}

// Retain stops the units whose offset is n or beyond. The engine calls it
// while dispatching a new generation, so topology only changes between cycles.
func (p *WorkerPool) Retain(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for off, u := range p.units {
		if off >= n {
			close(u.quit)
			delete(p.units, off)
		}
	}
}

// Size returns the number of live units.
func (p *WorkerPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.units)
}

// Terminate stops every unit, waits for them to exit and forgets all pool
// state. The pool can be used again afterwards.
func (p *WorkerPool) Terminate() {
	p.mu.Lock()
	for off, u := range p.units {
		close(u.quit)
		delete(p.units, off)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.cancelled.Store(0)
}

func (p *WorkerPool) isCancelled(gen uint64) bool {
	return gen <= p.cancelled.Load()
}

func (p *WorkerPool) run(u *unit) {
	defer p.wg.Done()
	for {
		select {
		case <-u.quit:
			return
		case <-u.wake:
		}

		u.mu.Lock()
		job := u.next
		u.next = nil
		u.mu.Unlock()
		if job == nil {
			continue
		}

		resp, ok := p.process(u, *job)
		if !ok {
			continue
		}
		select {
		case p.responses <- resp:
		case <-u.quit:
			return
		}
	}
}

// process runs the solver over the job's targets. ok is false when the job
// was cancelled or the unit stopped; such results are never delivered.
func (p *WorkerPool) process(u *unit, job Job) (resp Response, ok bool) {
	resp = Response{Session: job.Session, Generation: job.Generation, Offset: job.Offset}
	if p.isCancelled(job.Generation) {
		return resp, false
	}

	var current string
	defer func() {
		if r := recover(); r != nil {
			resp.Records = nil
			resp.Err = &domain.CycleError{
				Generation: job.Generation,
				Offset:     job.Offset,
				TargetID:   current,
				Err:        fmt.Errorf("%w: panic: %v", domain.ErrWorkerFailure, r),
			}
			ok = !p.isCancelled(job.Generation)
		}
	}()

	records := make([]domain.NearRecord, 0, len(job.Targets))
	for i, t := range job.Targets {
		if i%cancelCheckInterval == 0 {
			if p.isCancelled(job.Generation) {
				return resp, false
			}
			select {
			case <-u.quit:
				return resp, false
			default:
			}
		}

		current = t.ID
		g, err := p.solve(job.Reference.Lat, job.Reference.Lon, t.Location.Lat, t.Location.Lon)
		if err != nil {
			kind := domain.ErrWorkerFailure
			if errors.Is(err, geospatial.ErrNoConvergence) {
				kind = domain.ErrNonConvergence
			}
			resp.Err = &domain.CycleError{
				Generation: job.Generation,
				Offset:     job.Offset,
				TargetID:   t.ID,
				Err:        fmt.Errorf("%w: %w", kind, err),
			}
			return resp, !p.isCancelled(job.Generation)
		}
		if g.DistanceMeters > job.MaxRadius {
			continue
		}
		records = append(records, domain.NearRecord{
			TargetID:       t.ID,
			DistanceMeters: g.DistanceMeters,
			ForwardAzimuth: g.ForwardAzimuth,
			ReverseAzimuth: g.ReverseAzimuth,
		})
	}

	resp.Records = records
	return resp, !p.isCancelled(job.Generation)
}
