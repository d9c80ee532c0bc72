// Package histogram bins a near-table into a direction × distance frequency grid.
package histogram

import (
	"math"
	"sort"
	"strconv"

	"github.com/samirrijal/proximity/internal/core/domain"
)

const (
	DefaultAzimuthStep   = 45.0
	DefaultDistanceSteps = 5
)

// Options selects the bucket geometry. Zero values select the defaults.
type Options struct {
	AzimuthStep   float64
	DistanceSteps int
}

func (o Options) withDefaults() Options {
	if o.AzimuthStep <= 0 || o.AzimuthStep > 360 {
		o.AzimuthStep = DefaultAzimuthStep
	}
	if o.DistanceSteps <= 0 {
		o.DistanceSteps = DefaultDistanceSteps
	}
	return o
}

var compass = map[float64]string{
	0: "N", 30: "NNE", 45: "NE", 60: "ENE",
	90: "E", 120: "ESE", 135: "SE", 150: "SSE",
	180: "S", 210: "SSW", 225: "SW", 240: "WSW",
	270: "W", 300: "WNW", 315: "NW", 330: "NNW",
}

// Label names an azimuth bucket start: a compass point when one exists,
// otherwise the angle in degrees.
func Label(azimuth float64) string {
	if l, ok := compass[azimuth]; ok {
		return l
	}
	return strconv.FormatFloat(azimuth, 'f', -1, 64)
}

type key struct {
	azimuth  float64
	distance float64
}

// Aggregate builds a fresh grid from table. Each record lands in the cell
// whose azimuth bucket starts at az - az mod AzimuthStep and whose distance
// bucket starts at d - d mod round(maxRadius / DistanceSteps). Cells are
// sorted by azimuth, then distance. An empty table yields no cells and a
// zero peak.
func Aggregate(table []domain.NearRecord, maxRadius float64, opts Options) domain.Histogram {
	opts = opts.withDefaults()
	distStep := math.Max(1, math.Round(maxRadius/float64(opts.DistanceSteps)))

	counts := make(map[key]int)
	for _, r := range table {
		k := key{
			azimuth:  r.ForwardAzimuth - math.Mod(r.ForwardAzimuth, opts.AzimuthStep),
			distance: r.DistanceMeters - math.Mod(r.DistanceMeters, distStep),
		}
		counts[k]++
	}

	h := domain.Histogram{
		AzimuthStep:   opts.AzimuthStep,
		DistanceStep:  distStep,
		DistanceSteps: opts.DistanceSteps,
		MaxRadius:     maxRadius,
		Cells:         make([]domain.HistogramCell, 0, len(counts)),
		Total:         len(table),
	}
	for k, n := range counts {
		h.Peak = max(h.Peak, n)
		h.Cells = append(h.Cells, domain.HistogramCell{
			Azimuth:  k.azimuth,
			Distance: k.distance,
			Count:    n,
			Label:    Label(k.azimuth),
		})
	}
	for i := range h.Cells {
		h.Cells[i].Intensity = Intensity(h.Cells[i].Count, h.Peak)
	}
	sort.Slice(h.Cells, func(i, j int) bool {
		a, b := h.Cells[i], h.Cells[j]
		if a.Azimuth != b.Azimuth {
			return a.Azimuth < b.Azimuth
		}
		return a.Distance < b.Distance
	})
	return h
}

// Intensity normalises count against peak. A zero peak means nothing can be
// normalised and yields 0.
func Intensity(count, peak int) float64 {
	if peak <= 0 {
		return 0
	}
	return float64(count) / float64(peak)
}

// Count returns the frequency of the cell starting at (azimuth, distance).
func Count(h domain.Histogram, azimuth, distance float64) int {
	i := sort.Search(len(h.Cells), func(i int) bool {
		c := h.Cells[i]
		return c.Azimuth > azimuth || (c.Azimuth == azimuth && c.Distance >= distance)
	})
	if i < len(h.Cells) && h.Cells[i].Azimuth == azimuth && h.Cells[i].Distance == distance {
		return h.Cells[i].Count
	}
	return 0
}
