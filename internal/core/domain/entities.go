package domain

import (
	"time"
)

// Target is a point feature the reference point is measured against.
type Target struct {
	ID       string   `json:"id"`
	Location GeoPoint `json:"location"`
}

// NearRecord is the geodesic relation between the reference point and one target.
type NearRecord struct {
	TargetID       string  `json:"target_id"`
	DistanceMeters float64 `json:"distance_meters"`
	ForwardAzimuth float64 `json:"forward_azimuth"` // degrees [0, 360) from the reference
	ReverseAzimuth float64 `json:"reverse_azimuth"` // degrees [0, 360) from the target back
}

// ProximityResult is the payload of a completed computation cycle.
type ProximityResult struct {
	Generation     uint64       `json:"generation"`
	Reference      GeoPoint     `json:"reference"`
	NearTable      []NearRecord `json:"near_table"`
	SearchExtent   SearchExtent `json:"search_extent"`
	MaxRadius      float64      `json:"max_radius_meters"`
	ElapsedTimeMs  int64        `json:"elapsed_time_ms"`
	Workers        int          `json:"workers"`
	TargetsScanned int          `json:"targets_scanned"`
}

// EventKind names the lifecycle notifications emitted by the engine.
type EventKind string

const (
	EventUpdateStart  EventKind = "update-start"
	EventUpdateCancel EventKind = "update-cancel"
	EventUpdateError  EventKind = "update-error"
	EventUpdateEnd    EventKind = "update-end"
)

// ProximityEvent is one lifecycle notification for a generation.
// Result is set only for update-end; Err only for update-error.
type ProximityEvent struct {
	ID         string           `json:"id"`
	Kind       EventKind        `json:"kind"`
	Session    uint64           `json:"session"`
	Generation uint64           `json:"generation"`
	Time       time.Time        `json:"time"`
	Result     *ProximityResult `json:"result,omitempty"`
	Err        error            `json:"-"`
	Error      string           `json:"error,omitempty"`
	ErrorKind  string           `json:"error_kind,omitempty"`
}

// HistogramCell is one (azimuth sector, distance band) bucket.
type HistogramCell struct {
	Azimuth   float64 `json:"azimuth"`  // start of the azimuth sector, degrees
	Distance  float64 `json:"distance"` // start of the distance band, meters
	Count     int     `json:"count"`
	Intensity float64 `json:"intensity"` // Count / Peak, 0 when Peak is 0
	Label     string  `json:"label"`
}

// Histogram is the direction × distance frequency grid of one near-table.
type Histogram struct {
	AzimuthStep   float64         `json:"azimuth_step"`
	DistanceStep  float64         `json:"distance_step"`
	DistanceSteps int             `json:"distance_steps"`
	MaxRadius     float64         `json:"max_radius_meters"`
	Cells         []HistogramCell `json:"cells"`
	Peak          int             `json:"peak"`
	Total         int             `json:"total"`
}

// ProximitySnapshot is the latest completed result plus its default histogram.
type ProximitySnapshot struct {
	Result    ProximityResult `json:"result"`
	Histogram Histogram       `json:"histogram"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// EngineStatus describes the engine's current state for diagnostics.
type EngineStatus struct {
	State        string          `json:"state"` // "idle" | "computing"
	Session      uint64          `json:"session"`
	Generation   uint64          `json:"generation"`
	Reference    *GeoPoint       `json:"reference,omitempty"`
	Targets      int             `json:"targets"`
	SearchExtent SearchExtent    `json:"search_extent"`
	MaxRadius    float64         `json:"max_radius_meters"`
	Workers      int             `json:"workers"`
	LastEvent    *ProximityEvent `json:"last_event,omitempty"`
	// StoredTargets is the repository's target count, when one is configured.
	StoredTargets *int `json:"stored_targets,omitempty"`
}
