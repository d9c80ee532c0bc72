package proximity_test

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samirrijal/proximity/internal/core/domain"
	"github.com/samirrijal/proximity/internal/core/histogram"
	"github.com/samirrijal/proximity/internal/core/proximity"
	"github.com/samirrijal/proximity/internal/pkg/geospatial"
)

type recorder struct {
	ch chan domain.ProximityEvent
}

func newEngine(t *testing.T, cfg proximity.Config) (*proximity.Engine, *recorder) {
	t.Helper()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	e := proximity.NewEngine(cfg)
	rec := &recorder{ch: make(chan domain.ProximityEvent, 256)}
	e.Subscribe(func(ev domain.ProximityEvent) { rec.ch <- ev })
	t.Cleanup(e.Close)
	return e, rec
}

func (r *recorder) next(t *testing.T) domain.ProximityEvent {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for an event")
		return domain.ProximityEvent{}
	}
}

func (r *recorder) expect(t *testing.T, kind domain.EventKind, gen uint64) domain.ProximityEvent {
	t.Helper()
	ev := r.next(t)
	require.Equal(t, kind, ev.Kind, "generation %d", ev.Generation)
	require.Equal(t, gen, ev.Generation)
	return ev
}

func (r *recorder) silent(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.ch:
		t.Fatalf("unexpected event %s for generation %d", ev.Kind, ev.Generation)
	case <-time.After(200 * time.Millisecond):
	}
}

func cardinalTargets() []domain.Target {
	return []domain.Target{
		{ID: "n", Location: domain.GeoPoint{Lat: 0.45219, Lon: 0}},
		{ID: "e", Location: domain.GeoPoint{Lat: 0, Lon: 0.449158}},
		{ID: "s", Location: domain.GeoPoint{Lat: -0.45219, Lon: 0}},
		{ID: "w", Location: domain.GeoPoint{Lat: 0, Lon: -0.449158}},
	}
}

func TestEngine_EndToEndCardinalTargets(t *testing.T) {
	e, rec := newEngine(t, proximity.Config{ChunkSize: 1, MaxRadiusMeters: 100000})

	n, err := e.AddTargets(cardinalTargets())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	rec.expect(t, domain.EventUpdateStart, 1)
	failed := rec.expect(t, domain.EventUpdateError, 1)
	assert.Equal(t, "invalid_input", failed.ErrorKind)

	require.NoError(t, e.SetReference(domain.GeoPoint{Lat: 0, Lon: 0}))
	rec.expect(t, domain.EventUpdateStart, 2)
	end := rec.expect(t, domain.EventUpdateEnd, 2)

	res := end.Result
	require.NotNil(t, res)
	require.Len(t, res.NearTable, 4)
	assert.Equal(t, 4, res.Workers)
	assert.Equal(t, 4, res.TargetsScanned)
	assert.Equal(t, 100000.0, res.MaxRadius)
	assert.GreaterOrEqual(t, res.ElapsedTimeMs, int64(0))
	assert.False(t, res.SearchExtent.Empty)
	for _, r := range res.NearTable {
		assert.InDelta(t, 50000, r.DistanceMeters, 100)
		assert.LessOrEqual(t, r.DistanceMeters, res.MaxRadius)
	}

	h := histogram.Aggregate(res.NearTable, res.MaxRadius, histogram.Options{AzimuthStep: 90, DistanceSteps: 5})
	require.Len(t, h.Cells, 4)
	assert.Equal(t, 1, h.Peak)
	azimuths := map[float64]bool{}
	for _, c := range h.Cells {
		assert.Equal(t, 1, c.Count)
		azimuths[c.Azimuth] = true
	}
	assert.Equal(t, map[float64]bool{0: true, 90: true, 180: true, 270: true}, azimuths)
}

// gatedSolver blocks every solve until release is closed.
type gatedSolver struct {
	entered chan struct{}
	release chan struct{}
}

func newGatedSolver() *gatedSolver {
	return &gatedSolver{entered: make(chan struct{}, 64), release: make(chan struct{})}
}

func (g *gatedSolver) solve(lat1, lon1, lat2, lon2 float64) (geospatial.Geodesic, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return geospatial.Inverse(lat1, lon1, lat2, lon2)
}

func TestEngine_NewReferenceCancelsInFlightGeneration(t *testing.T) {
	gate := newGatedSolver()
	e, rec := newEngine(t, proximity.Config{ChunkSize: 2, MaxRadiusMeters: 1e6, Solve: gate.solve})

	_, err := e.AddTargets(cardinalTargets())
	require.NoError(t, err)
	rec.expect(t, domain.EventUpdateStart, 1)
	rec.expect(t, domain.EventUpdateError, 1)

	require.NoError(t, e.SetReference(domain.GeoPoint{Lat: 0, Lon: 0}))
	rec.expect(t, domain.EventUpdateStart, 2)
	<-gate.entered
	assert.Equal(t, proximity.StateComputing, e.Status().State)

	require.NoError(t, e.SetReference(domain.GeoPoint{Lat: 0.01, Lon: 0.01}))
	rec.expect(t, domain.EventUpdateCancel, 2)
	rec.expect(t, domain.EventUpdateStart, 3)

	close(gate.release)
	end := rec.expect(t, domain.EventUpdateEnd, 3)
	assert.Equal(t, domain.GeoPoint{Lat: 0.01, Lon: 0.01}, end.Result.Reference)
	rec.silent(t)
	assert.Equal(t, proximity.StateIdle, e.Status().State)
}

func TestEngine_WorkerFailureFailsWholeGeneration(t *testing.T) {
	errUnreachable := errors.New("unit unreachable")
	solve := func(lat1, lon1, lat2, lon2 float64) (geospatial.Geodesic, error) {
		if lat2 < 0 {
			return geospatial.Geodesic{}, errUnreachable
		}
		return geospatial.Inverse(lat1, lon1, lat2, lon2)
	}
	e, rec := newEngine(t, proximity.Config{ChunkSize: 1, MaxRadiusMeters: 1e6, Solve: solve})

	require.NoError(t, e.SetReference(domain.GeoPoint{}))
	rec.expect(t, domain.EventUpdateStart, 1)
	rec.expect(t, domain.EventUpdateError, 1)

	_, err := e.AddTargets(cardinalTargets())
	require.NoError(t, err)
	rec.expect(t, domain.EventUpdateStart, 2)
	failed := rec.expect(t, domain.EventUpdateError, 2)
	assert.Nil(t, failed.Result)
	assert.Equal(t, "worker_failure", failed.ErrorKind)
	assert.ErrorIs(t, failed.Err, domain.ErrWorkerFailure)
	assert.ErrorIs(t, failed.Err, errUnreachable)

	var cerr *domain.CycleError
	require.True(t, errors.As(failed.Err, &cerr))
	assert.Equal(t, "s", cerr.TargetID)

	rec.silent(t)
	assert.Equal(t, proximity.StateIdle, e.Status().State)
}

func TestEngine_NonConvergenceFailsGeneration(t *testing.T) {
	e, rec := newEngine(t, proximity.Config{MaxRadiusMeters: 3e7})

	require.NoError(t, e.SetReference(domain.GeoPoint{}))
	rec.expect(t, domain.EventUpdateStart, 1)
	rec.expect(t, domain.EventUpdateError, 1)

	_, err := e.AddTargets([]domain.Target{
		{ID: "a", Location: domain.GeoPoint{Lat: 1, Lon: 1}},
		{ID: "antipode", Location: domain.GeoPoint{Lat: 0.5, Lon: 179.7}},
	})
	require.NoError(t, err)
	rec.expect(t, domain.EventUpdateStart, 2)
	failed := rec.expect(t, domain.EventUpdateError, 2)
	assert.Equal(t, "solver_non_convergence", failed.ErrorKind)
}

func TestEngine_InvalidInput(t *testing.T) {
	t.Run("single target has zero radius", func(t *testing.T) {
		e, rec := newEngine(t, proximity.Config{})
		require.NoError(t, e.SetReference(domain.GeoPoint{Lat: 43.26, Lon: -2.93}))
		rec.expect(t, domain.EventUpdateStart, 1)
		rec.expect(t, domain.EventUpdateError, 1)

		_, err := e.AddTargets([]domain.Target{{ID: "1", Location: domain.GeoPoint{Lat: 43.3, Lon: -2.9}}})
		require.NoError(t, err)
		rec.expect(t, domain.EventUpdateStart, 2)
		failed := rec.expect(t, domain.EventUpdateError, 2)
		assert.ErrorIs(t, failed.Err, domain.ErrInvalidInput)
		assert.Zero(t, e.Status().Workers)
	})

	t.Run("out of range reference", func(t *testing.T) {
		e, rec := newEngine(t, proximity.Config{})
		err := e.SetReference(domain.GeoPoint{Lat: 91})
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
		rec.silent(t)
	})
}

func TestEngine_AddTargetsDeduplicates(t *testing.T) {
	e, rec := newEngine(t, proximity.Config{MaxRadiusMeters: 1e6})
	require.NoError(t, e.SetReference(domain.GeoPoint{}))
	rec.expect(t, domain.EventUpdateStart, 1)
	rec.expect(t, domain.EventUpdateError, 1)

	n, err := e.AddTargets(cardinalTargets())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	rec.expect(t, domain.EventUpdateStart, 2)
	rec.expect(t, domain.EventUpdateEnd, 2)

	n, err = e.AddTargets(cardinalTargets()[:2])
	require.NoError(t, err)
	assert.Zero(t, n)
	rec.silent(t)

	n, err = e.AddTargets([]domain.Target{
		{ID: "n", Location: domain.GeoPoint{Lat: 1}},
		{ID: "ne", Location: domain.GeoPoint{Lat: 0.3, Lon: 0.3}},
		{ID: "", Location: domain.GeoPoint{Lat: 0.3}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	rec.expect(t, domain.EventUpdateStart, 3)
	end := rec.expect(t, domain.EventUpdateEnd, 3)
	assert.Len(t, end.Result.NearTable, 5)
	assert.Equal(t, 5, e.Status().Targets)
}

func TestEngine_DerivedRadiusFromExtent(t *testing.T) {
	e, _ := newEngine(t, proximity.Config{})
	_, err := e.AddTargets([]domain.Target{
		{ID: "a", Location: domain.GeoPoint{Lat: 0, Lon: 0}},
		{ID: "b", Location: domain.GeoPoint{Lat: 0, Lon: 1}},
	})
	require.NoError(t, err)

	st := e.Status()
	assert.InDelta(t, 111319.49, st.MaxRadius, 0.01)
	assert.Equal(t, domain.Bounds{MinLat: 0, MinLon: 0, MaxLat: 0, MaxLon: 1}, st.SearchExtent.Bounds)
}

func TestEngine_ClearStartsNewSession(t *testing.T) {
	e, rec := newEngine(t, proximity.Config{ChunkSize: 1, MaxRadiusMeters: 1e6})
	require.NoError(t, e.SetReference(domain.GeoPoint{}))
	rec.expect(t, domain.EventUpdateStart, 1)
	rec.expect(t, domain.EventUpdateError, 1)
	_, err := e.AddTargets(cardinalTargets())
	require.NoError(t, err)
	rec.expect(t, domain.EventUpdateStart, 2)
	rec.expect(t, domain.EventUpdateEnd, 2)
	assert.Equal(t, 4, e.Status().Workers)

	require.NoError(t, e.Clear())
	st := e.Status()
	assert.Equal(t, uint64(2), st.Session)
	assert.Zero(t, st.Generation)
	assert.Zero(t, st.Targets)
	assert.Zero(t, st.Workers)
	assert.Nil(t, st.Reference)
	assert.True(t, st.SearchExtent.Empty)

	_, err = e.AddTargets(cardinalTargets())
	require.NoError(t, err)
	ev := rec.expect(t, domain.EventUpdateStart, 1)
	assert.Equal(t, uint64(2), ev.Session)
}

func TestEngine_OutcomesFollowGenerationOrder(t *testing.T) {
	e, rec := newEngine(t, proximity.Config{ChunkSize: 50})

	targets := make([]domain.Target, 0, 400)
	for _, tg := range makeTargets(400) {
		tg.Location.Lon = -2.9 + float64(len(targets))*1e-4
		targets = append(targets, tg)
	}
	_, err := e.AddTargets(targets)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = e.SetReference(domain.GeoPoint{Lat: 43 + float64(i)*1e-3, Lon: -2.9})
		}(i)
	}
	wg.Wait()

	const last = 21
	var open uint64
	ends := 0
	for {
		ev := rec.next(t)
		switch ev.Kind {
		case domain.EventUpdateStart:
			require.Zero(t, open, "generation %d started while %d open", ev.Generation, open)
			open = ev.Generation
		default:
			require.Equal(t, open, ev.Generation, "%s out of order", ev.Kind)
			open = 0
			if ev.Kind == domain.EventUpdateEnd {
				ends++
			}
		}
		if ev.Generation == last && ev.Kind != domain.EventUpdateStart {
			assert.Equal(t, domain.EventUpdateEnd, ev.Kind)
			break
		}
	}
	assert.GreaterOrEqual(t, ends, 1)
}

func TestEngine_CloseRejectsInput(t *testing.T) {
	e := proximity.NewEngine(proximity.Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	e.Close()
	e.Close()

	assert.ErrorIs(t, e.SetReference(domain.GeoPoint{}), proximity.ErrClosed)
	_, err := e.AddTargets(cardinalTargets())
	assert.ErrorIs(t, err, proximity.ErrClosed)
	assert.ErrorIs(t, e.Clear(), proximity.ErrClosed)
}
