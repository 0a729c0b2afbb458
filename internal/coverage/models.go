package coverage

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/DrivenStreets/DS-Backend/internal/geo"
)

// Area types.
const (
	AreaTypeOSM    = "osm"
	AreaTypeCustom = "custom"
)

// Area statuses. initializing -> ingesting -> {ready, error}; a rebuild
// moves ready -> ingesting -> {ready, error}.
const (
	StatusInitializing = "initializing"
	StatusIngesting    = "ingesting"
	StatusReady        = "ready"
	StatusError        = "error"
)

// Segment coverage statuses.
const (
	SegmentUndriven    = "undriven"
	SegmentDriven      = "driven"
	SegmentUndriveable = "undriveable"
)

// Provenance of a coverage state write.
const (
	ProvenanceTrip   = "trip"
	ProvenanceManual = "manual"
	ProvenanceSystem = "system"
)

var (
	ErrAreaNotFound    = errors.New("area not found")
	ErrDuplicateName   = errors.New("an area with this display name already exists")
	ErrSegmentNotFound = errors.New("segment not found")
	ErrNoBoundary      = errors.New("no boundary geometry available")
)

// CachedStats is the denormalized coverage summary stored on the area
// row so list/detail endpoints never aggregate on the hot path.
type CachedStats struct {
	TotalSegments    int        `json:"total_segments"`
	CoveredSegments  int        `json:"covered_segments"`
	TotalLengthM     float64    `json:"total_length_m"`
	DrivenLengthM    float64    `json:"driven_length_m"`
	DriveableLengthM float64    `json:"driveable_length_m"`
	CoveragePercent  float64    `json:"coverage_percent"`
	ComputedAt       *time.Time `json:"last_computed_at,omitempty"`
}

// Area is a geographic region with its own coverage tracking state.
type Area struct {
	ID          uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	DisplayName string    `gorm:"size:255" json:"display_name"` // case-insensitive unique, index created in Setup
	AreaType    string    `gorm:"size:10" json:"area_type"`

	// Boundary polygon/multipolygon in WGS84, plus its bbox for cheap
	// indexed overlap filtering.
	Boundary   geo.Geometry `gorm:"type:geometry(Geometry,4326)" json:"-"`
	BboxMinLon float64      `json:"bbox_min_lon"`
	BboxMinLat float64      `json:"bbox_min_lat"`
	BboxMaxLon float64      `json:"bbox_max_lon"`
	BboxMaxLat float64      `json:"bbox_max_lat"`

	OSMID   *int64 `json:"osm_id,omitempty"`
	OSMType string `gorm:"size:10" json:"osm_type,omitempty"`

	// Segmentation config, fixed at creation (config defaults apply
	// when the create request does not override them).
	SegmentLengthM  float64 `json:"segment_length_m"`
	MatchBufferM    float64 `json:"match_buffer_m"`
	MinMatchLengthM float64 `json:"min_match_length_m"`

	CurrentVersion int    `gorm:"default:1" json:"current_version"`
	Status         string `gorm:"size:20;index" json:"status"`
	LastError      string `gorm:"size:500" json:"last_error,omitempty"`

	CreatedAt          time.Time  `json:"created_at"`
	LastIngestionAt    *time.Time `json:"last_ingestion_at,omitempty"`
	LastCoverageSyncAt *time.Time `json:"last_coverage_sync_at,omitempty"`

	CachedStats CachedStats `gorm:"embedded;embeddedPrefix:stats_" json:"cached_stats"`
}

func (Area) TableName() string {
	return "coverage.areas"
}

// Street is one immutable segment of road geometry within one area
// version. Rows are never updated; a superseded version is deleted en
// masse after a rebuild.
type Street struct {
	// SegmentID is {area_id}-{version}-{sequence}; the sequence is a
	// running counter over the whole ingestion, so ids are unique and
	// reproducible for a given graph traversal order.
	SegmentID   string    `gorm:"primaryKey;size:64" json:"segment_id"`
	AreaID      uuid.UUID `gorm:"type:uuid" json:"area_id"`
	AreaVersion int       `json:"area_version"`

	Geometry   geo.Geometry `gorm:"type:geometry(LineString,4326)" json:"-"`
	BboxMinLon float64      `json:"-"`
	BboxMinLat float64      `json:"-"`
	BboxMaxLon float64      `json:"-"`
	BboxMaxLat float64      `json:"-"`

	Name     string  `gorm:"size:255" json:"name"`
	Highway  string  `gorm:"size:50" json:"highway"`
	OSMWayID int64   `json:"osm_way_id"`
	LengthM  float64 `json:"length_m"`

	// Static classification from the highway tag; excluded from
	// driveable length and from the routing graph.
	Undriveable bool `json:"undriveable"`
}

func (Street) TableName() string {
	return "coverage.streets"
}

// CoverageState is the mutable driven/undriven/undriveable status of
// one segment. Exactly one row per (area, version, segment).
type CoverageState struct {
	SegmentID   string    `gorm:"primaryKey;size:64" json:"segment_id"`
	AreaID      uuid.UUID `gorm:"type:uuid" json:"area_id"`
	AreaVersion int       `json:"area_version"`

	Status       string     `gorm:"size:20" json:"status"`
	LastDrivenAt *time.Time `json:"last_driven_at,omitempty"`

	ProvenanceType string    `gorm:"size:10" json:"provenance_type"`
	TripID         string    `gorm:"size:100" json:"trip_id,omitempty"`
	Note           string    `gorm:"size:255" json:"note,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`

	// Once set, trip-sourced writes leave this row alone until the
	// flag is cleared.
	ManualOverride bool       `json:"manual_override"`
	OverrideSetAt  *time.Time `json:"override_set_at,omitempty"`
}

func (CoverageState) TableName() string {
	return "coverage.coverage_states"
}

// truncateError bounds an error message before it lands on an area row
// or a job record.
func truncateError(err error) string {
	const max = 500
	s := err.Error()
	if len(s) > max {
		return s[:max]
	}
	return s
}
