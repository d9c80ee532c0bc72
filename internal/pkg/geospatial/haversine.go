package geospatial

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// Haversine returns the great-circle distance in meters between two points on
// a sphere of radius orb.EarthRadius. It is a cheap estimate; use Inverse for
// ellipsoidal distances.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	return geo.DistanceHaversine(orb.Point{lon1, lat1}, orb.Point{lon2, lat2})
}

// Bearing is the initial great-circle bearing from the first point to the
// second, in [0, 360).
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	return NormalizeAzimuth(geo.Bearing(orb.Point{lon1, lat1}, orb.Point{lon2, lat2}))
}
