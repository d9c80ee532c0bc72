package geospatial_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/samirrijal/proximity/internal/pkg/geospatial"
)

func TestExtent_ProjectedSizeOnEquator(t *testing.T) {
	var e geospatial.Extent
	assert.True(t, e.IsEmpty())
	assert.Zero(t, e.MaxRadius())

	e = e.Extend(0, 0).Extend(0, 1)
	w, h := e.ProjectedSize()
	assert.InDelta(t, 111319.49, w, 0.01)
	assert.Zero(t, h)
	assert.InDelta(t, w, e.MaxRadius(), 1e-9)
}

func TestExtent_OnlyGrows(t *testing.T) {
	e := geospatial.Extent{}.Extend(43.26, -2.93).Extend(43.30, -2.90)
	before := e.MaxRadius()
	e = e.Extend(43.28, -2.91)
	assert.Equal(t, before, e.MaxRadius())

	minLat, minLon, maxLat, maxLon := e.Bounds()
	assert.Equal(t, []float64{43.26, -2.93, 43.30, -2.90}, []float64{minLat, minLon, maxLat, maxLon})
}

func TestMercatorRoundTrip(t *testing.T) {
	x, y := geospatial.GeographicToMercator(43.2630, -2.9350)
	lat, lon := geospatial.MercatorToGeographic(x, y)
	assert.InDelta(t, 43.2630, lat, 1e-9)
	assert.InDelta(t, -2.9350, lon, 1e-9)
}
