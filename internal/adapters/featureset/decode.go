// Package featureset turns GeoJSON point features into proximity targets.
package featureset

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/samirrijal/proximity/internal/core/domain"
	"github.com/samirrijal/proximity/internal/pkg/geospatial"
)

// DefaultIDField is the property holding a feature's identifier.
const DefaultIDField = "OBJECTID"

// Coordinate reference systems accepted for incoming geometries.
const (
	CRSGeographic = "4326"
	CRSMercator   = "3857"
)

// ErrInvalidFeature is returned for input that cannot become a target.
var ErrInvalidFeature = errors.New("invalid feature")

// Options controls how features are read.
type Options struct {
	// IDField names the property used as target ID. The feature's own "id"
	// member is used when the property is absent.
	IDField string
	// CRS of the coordinates, "4326" (default) or "3857".
	CRS string
}

// Decode parses a GeoJSON FeatureCollection or a single Feature into targets.
// Input order is preserved.
func Decode(data []byte, opts Options) ([]domain.Target, error) {
	crs, err := NormalizeCRS(opts.CRS)
	if err != nil {
		return nil, err
	}
	if opts.IDField == "" {
		opts.IDField = DefaultIDField
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFeature, err)
	}

	var features []*geojson.Feature
	switch head.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFeature, err)
		}
		features = fc.Features
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFeature, err)
		}
		features = []*geojson.Feature{f}
	default:
		return nil, fmt.Errorf("%w: unsupported GeoJSON type %q", ErrInvalidFeature, head.Type)
	}

	targets := make([]domain.Target, 0, len(features))
	for i, f := range features {
		t, err := toTarget(f, opts.IDField, crs)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// NormalizeCRS maps accepted spellings ("", "4326", "EPSG:3857", ...) to
// CRSGeographic or CRSMercator.
func NormalizeCRS(crs string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(crs))
	c = strings.TrimPrefix(c, "EPSG:")
	switch c {
	case "", CRSGeographic, "WGS84":
		return CRSGeographic, nil
	case CRSMercator, "102100", "900913":
		return CRSMercator, nil
	default:
		return "", fmt.Errorf("%w: unsupported crs %q", ErrInvalidFeature, crs)
	}
}

// ToGeographic converts a coordinate pair given in crs to a GeoPoint.
// x is longitude or easting, y is latitude or northing.
func ToGeographic(x, y float64, crs string) domain.GeoPoint {
	if crs == CRSMercator {
		lat, lon := geospatial.MercatorToGeographic(x, y)
		return domain.GeoPoint{Lat: lat, Lon: lon}
	}
	return domain.GeoPoint{Lat: y, Lon: x}
}

func toTarget(f *geojson.Feature, idField, crs string) (domain.Target, error) {
	if f == nil {
		return domain.Target{}, fmt.Errorf("%w: null feature", ErrInvalidFeature)
	}
	pt, ok := f.Geometry.(orb.Point)
	if !ok {
		return domain.Target{}, fmt.Errorf("%w: geometry must be a Point", ErrInvalidFeature)
	}

	raw, ok := f.Properties[idField]
	if !ok || raw == nil {
		raw = f.ID
	}
	id := FormatID(raw)
	if id == "" {
		return domain.Target{}, fmt.Errorf("%w: missing %q", ErrInvalidFeature, idField)
	}

	loc := ToGeographic(pt.X(), pt.Y(), crs)
	if !loc.Valid() {
		return domain.Target{}, fmt.Errorf("%w: coordinates out of range", ErrInvalidFeature)
	}
	return domain.Target{ID: id, Location: loc}, nil
}

// FormatID renders an identifier property as a string. Whole numbers have
// no fractional part, so 12 and 12.0 give the same ID.
func FormatID(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	case json.Number:
		return id.String()
	default:
		return fmt.Sprint(id)
	}
}
