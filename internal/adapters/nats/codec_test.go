package natsadapter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samirrijal/proximity/internal/core/domain"
)

func TestCodec_ProtobufCarriesEvent(t *testing.T) {
	codec, err := NewCodec("protobuf")
	require.NoError(t, err)
	assert.Equal(t, ContentTypeProtobuf, codec.ContentType())

	ev := domain.ProximityEvent{
		ID:         "7d4c0b8e-4a4e-4f1f-9d59-2a8a3c1c7e10",
		Kind:       domain.EventUpdateEnd,
		Session:    1,
		Generation: 12,
		Time:       time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
		Result: &domain.ProximityResult{
			Generation: 12,
			Reference:  domain.GeoPoint{Lat: 43.263, Lon: -2.935},
			NearTable: []domain.NearRecord{
				{TargetID: "101", DistanceMeters: 1523.25, ForwardAzimuth: 45.5, ReverseAzimuth: 225.5},
			},
			MaxRadius:     5000,
			ElapsedTimeMs: 3,
		},
	}

	data, err := codec.Encode(ev)
	require.NoError(t, err)

	var got domain.ProximityEvent
	require.NoError(t, Decode(ContentTypeProtobuf, data, &got))
	assert.Equal(t, ev, got)
}

func TestCodec_DefaultsToJSON(t *testing.T) {
	codec, err := NewCodec("")
	require.NoError(t, err)

	data, err := codec.Encode(domain.GeoPoint{Lat: 1.5, Lon: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"lat":1.5,"lon":2}`, string(data))

	var p domain.GeoPoint
	require.NoError(t, Decode("", data, &p))
	assert.Equal(t, domain.GeoPoint{Lat: 1.5, Lon: 2}, p)
}

func TestCodec_UnknownEncoding(t *testing.T) {
	_, err := NewCodec("xml")
	assert.Error(t, err)
}
