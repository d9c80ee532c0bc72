package geospatial

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// Extent is an axis-aligned geographic bounding box that only grows.
// The zero value is empty.
type Extent struct {
	bound orb.Bound
	set   bool
}

// Extend returns the extent widened to include the point.
func (e Extent) Extend(lat, lon float64) Extent {
	p := orb.Point{lon, lat}
	if !e.set {
		return Extent{bound: p.Bound(), set: true}
	}
	return Extent{bound: e.bound.Extend(p), set: true}
}

// IsEmpty reports whether no point has been added yet.
func (e Extent) IsEmpty() bool { return !e.set }

// Bounds returns the geographic corners of the extent.
func (e Extent) Bounds() (minLat, minLon, maxLat, maxLon float64) {
	return e.bound.Min.Lat(), e.bound.Min.Lon(), e.bound.Max.Lat(), e.bound.Max.Lon()
}

// ProjectedSize returns the width and height of the extent in Web Mercator
// meters. The projection is monotonic per axis, so projecting the corners
// yields the projected bounding box.
func (e Extent) ProjectedSize() (width, height float64) {
	if !e.set {
		return 0, 0
	}
	minLat, minLon, maxLat, maxLon := e.Bounds()
	x0, y0 := GeographicToMercator(minLat, minLon)
	x1, y1 := GeographicToMercator(maxLat, maxLon)
	return math.Abs(x1 - x0), math.Abs(y1 - y0)
}

// MaxRadius is the implicit search radius: the larger projected side.
func (e Extent) MaxRadius() float64 {
	w, h := e.ProjectedSize()
	return math.Max(w, h)
}

// MercatorToGeographic converts a Web Mercator (EPSG:3857) coordinate to
// WGS-84 latitude and longitude.
func MercatorToGeographic(x, y float64) (lat, lon float64) {
	p := project.Mercator.ToWGS84(orb.Point{x, y})
	return p.Lat(), p.Lon()
}

// GeographicToMercator converts WGS-84 latitude and longitude to Web Mercator.
func GeographicToMercator(lat, lon float64) (x, y float64) {
	p := project.WGS84.ToMercator(orb.Point{lon, lat})
	return p.X(), p.Y()
}
