package jobs

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job types.
const (
	TypeAreaIngestion   = "area_ingestion"
	TypeTripCoverage    = "trip_coverage"
	TypeRebuild         = "rebuild"
	TypeSanityCheck     = "sanity_check"
	TypeRouteGeneration = "route_generation"
)

// Job states. queued -> running -> {completed, failed, cancelled}.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// serializedTypes are the job types covered by the partial unique
// index: at most one queued/running job of these types per area. Trip
// coverage jobs are deliberately excluded so trips for the same area
// can process in parallel.
var serializedTypes = []string{TypeAreaIngestion, TypeRebuild}

// Metrics is a free-form JSONB map carried on the job record (segment
// counts, route output, timings).
type Metrics map[string]interface{}

func (m Metrics) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *Metrics) Scan(src interface{}) error {
	if src == nil {
		*m = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported metrics source %T", src)
	}
	return json.Unmarshal(raw, m)
}

// Job tracks one asynchronous unit of work. Rows are created, advanced
// and closed exclusively through Manager.
type Job struct {
	ID    uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Type  string    `gorm:"size:40;index" json:"type"`
	State string    `gorm:"size:20;index;default:queued" json:"state"`

	Stage   string  `gorm:"size:100" json:"stage"`
	Percent float64 `json:"percent"`
	Message string  `gorm:"size:500" json:"message"`

	AreaID *uuid.UUID `gorm:"type:uuid;index" json:"area_id,omitempty"`
	TripID string     `gorm:"size:100" json:"trip_id,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `gorm:"default:3" json:"max_retries"`

	Metrics Metrics `gorm:"type:jsonb" json:"metrics,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (Job) TableName() string {
	return "jobs.jobs"
}

// Terminal reports whether the job has reached a terminal state.
func (j Job) Terminal() bool {
	switch j.State {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// ValidTransition reports whether the state machine allows moving from
// one state to another. Persistence enforces this atomically with
// conditional updates; this is the reference table for messages and
// tests.
func ValidTransition(from, to string) bool {
	switch from {
	case StateQueued:
		return to == StateRunning || to == StateCancelled
	case StateRunning:
		return to == StateCompleted || to == StateFailed || to == StateCancelled
	}
	return false
}
