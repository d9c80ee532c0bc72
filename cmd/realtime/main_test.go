package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samirrijal/proximity/internal/core/domain"
)

type recordingPublisher struct{ points []domain.GeoPoint }

func (r *recordingPublisher) PublishReference(ctx context.Context, p domain.GeoPoint) error {
	r.points = append(r.points, p)
	return nil
}

func TestParsePosition(t *testing.T) {
	tests := []struct {
		name string
		data string
		crs  string
		want domain.GeoPoint
	}{
		{"plain", `{"lat": 43.26, "lon": -2.93}`, "4326", domain.GeoPoint{Lat: 43.26, Lon: -2.93}},
		{"point", `{"type": "Point", "coordinates": [-2.93, 43.26]}`, "4326", domain.GeoPoint{Lat: 43.26, Lon: -2.93}},
		{"feature", `{"type": "Feature", "properties": {}, "geometry": {"type": "Point", "coordinates": [-2.93, 43.26]}}`, "4326", domain.GeoPoint{Lat: 43.26, Lon: -2.93}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parsePosition([]byte(tc.data), tc.crs)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParsePosition_Mercator(t *testing.T) {
	got, err := parsePosition([]byte(`{"type": "Point", "coordinates": [111319.49079327357, 0]}`), "3857")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, got.Lon, 1e-9)
	assert.InDelta(t, 0.0, got.Lat, 1e-9)
}

func TestParsePosition_Rejects(t *testing.T) {
	for _, data := range []string{
		`{`,
		`{"lat": 1}`,
		`{"lat": 95, "lon": 0}`,
		`{"type": "LineString", "coordinates": [[0, 0], [1, 1]]}`,
		`{"type": "Feature", "properties": {}, "geometry": {"type": "LineString", "coordinates": [[0, 0], [1, 1]]}}`,
	} {
		_, err := parsePosition([]byte(data), "4326")
		assert.Error(t, err, data)
	}
}

func TestObserve_SkipsSmallMoves(t *testing.T) {
	pub := &recordingPublisher{}
	p := &poller{minMove: 10, pub: pub, log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	ctx := context.Background()

	require.NoError(t, p.observe(ctx, domain.GeoPoint{Lat: 43.26, Lon: -2.93}))
	// About 1 m north.
	require.NoError(t, p.observe(ctx, domain.GeoPoint{Lat: 43.26001, Lon: -2.93}))
	// About 111 m north.
	require.NoError(t, p.observe(ctx, domain.GeoPoint{Lat: 43.261, Lon: -2.93}))

	require.Len(t, pub.points, 2)
	assert.Equal(t, 43.261, pub.points[1].Lat)
}
