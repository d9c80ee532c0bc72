package geospatial

import (
	"errors"
	"math"
)

// WGS-84 ellipsoid.
const (
	semiMajorAxis = 6378137.0
	semiMinorAxis = 6356752.314245
	flattening    = 1 / 298.257223563

	lambdaTolerance = 1e-12
	maxIterations   = 100
)

// ErrNoConvergence is returned by Inverse when the λ iteration does not settle
// within the iteration budget (typically nearly antipodal points).
var ErrNoConvergence = errors.New("geodesic: solver did not converge")

// Geodesic is the solution of the inverse geodesic problem between two points.
type Geodesic struct {
	DistanceMeters float64
	ForwardAzimuth float64 // initial bearing at point 1, degrees [0, 360)
	ReverseAzimuth float64 // bearing from point 2 back toward point 1, degrees [0, 360)
}

// Inverse computes the ellipsoidal distance and azimuths between two points
// using Vincenty's inverse formula on the WGS-84 ellipsoid.
//
// Coincident points yield a zero Geodesic. The distance is rounded to the
// millimetre. Inverse has no shared state and is safe for concurrent use.
func Inverse(lat1, lon1, lat2, lon2 float64) (Geodesic, error) {
	L := toRad(lon2 - lon1)
	U1 := math.Atan((1 - flattening) * math.Tan(toRad(lat1)))
	U2 := math.Atan((1 - flattening) * math.Tan(toRad(lat2)))
	sinU1, cosU1 := math.Sincos(U1)
	sinU2, cosU2 := math.Sincos(U2)

	var (
		lambda     = L
		sinLambda  float64
		cosLambda  float64
		sinSigma   float64
		cosSigma   float64
		sigma      float64
		cosSqAlpha float64
		cos2SigmaM float64
		converged  bool
	)

	for i := 0; i < maxIterations; i++ {
		sinLambda, cosLambda = math.Sincos(lambda)
		x := cosU2 * sinLambda
		y := cosU1*sinU2 - sinU1*cosU2*cosLambda
		sinSigma = math.Sqrt(x*x + y*y)
		if sinSigma == 0 {
			return Geodesic{}, nil
		}
		cosSigma = sinU1*sinU2 + cosU1*cosU2*cosLambda
		sigma = math.Atan2(sinSigma, cosSigma)
		sinAlpha := cosU1 * cosU2 * sinLambda / sinSigma
		cosSqAlpha = 1 - sinAlpha*sinAlpha
		cos2SigmaM = cosSigma - 2*sinU1*sinU2/cosSqAlpha
		if math.IsNaN(cos2SigmaM) || math.IsInf(cos2SigmaM, 0) {
			// equatorial line: cosSqAlpha == 0
			cos2SigmaM = 0
		}
		C := flattening / 16 * cosSqAlpha * (4 + flattening*(4-3*cosSqAlpha))
		prev := lambda
		lambda = L + (1-C)*flattening*sinAlpha*
			(sigma+C*sinSigma*(cos2SigmaM+C*cosSigma*(-1+2*cos2SigmaM*cos2SigmaM)))
		if math.Abs(lambda-prev) <= lambdaTolerance {
			converged = true
			break
		}
	}
	if !converged {
		return Geodesic{}, ErrNoConvergence
	}

	uSq := cosSqAlpha * (semiMajorAxis*semiMajorAxis - semiMinorAxis*semiMinorAxis) / (semiMinorAxis * semiMinorAxis)
	A := 1 + uSq/16384*(4096+uSq*(-768+uSq*(320-175*uSq)))
	B := uSq / 1024 * (256 + uSq*(-128+uSq*(74-47*uSq)))
	deltaSigma := B * sinSigma * (cos2SigmaM + B/4*(cosSigma*(-1+2*cos2SigmaM*cos2SigmaM)-
		B/6*cos2SigmaM*(-3+4*sinSigma*sinSigma)*(-3+4*cos2SigmaM*cos2SigmaM)))
	s := semiMinorAxis * A * (sigma - deltaSigma)

	fwd := math.Atan2(cosU2*sinLambda, cosU1*sinU2-sinU1*cosU2*cosLambda)
	final := math.Atan2(cosU1*sinLambda, -sinU1*cosU2+cosU1*sinU2*cosLambda)

	return Geodesic{
		DistanceMeters: math.Round(s*1000) / 1000,
		ForwardAzimuth: NormalizeAzimuth(toDeg(fwd)),
		ReverseAzimuth: NormalizeAzimuth(toDeg(final) + 180),
	}, nil
}

// NormalizeAzimuth folds an angle in degrees into [0, 360).
func NormalizeAzimuth(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	if deg >= 360 || deg == 0 {
		return 0
	}
	return deg
}

func toDeg(rad float64) float64 {
	return rad * 180 / math.Pi
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
