// Package jobs tracks asynchronous operations: one row per background
// task, a queued -> running -> terminal state machine, and an atomic
// "one active ingestion/rebuild per area" guard enforced by a partial
// unique index rather than a check-then-act read.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/DrivenStreets/DS-Backend/internal/db"
)

var (
	ErrActiveJobExists   = errors.New("an active job of this type already exists for the area")
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// Manager is the only writer of job rows.
type Manager struct {
	db *gorm.DB
}

func NewManager(d *gorm.DB) *Manager {
	return &Manager{db: d}
}

// Setup creates the jobs schema, table and the partial unique index
// backing the active-job guard.
func Setup(d *gorm.DB) error {
	if err := db.EnsureSchema(d, "jobs"); err != nil {
		return fmt.Errorf("ensure jobs schema: %w", err)
	}
	if err := d.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`).Error; err != nil {
		return fmt.Errorf("enable uuid-ossp: %w", err)
	}
	if err := d.AutoMigrate(&Job{}); err != nil {
		return fmt.Errorf("migrate jobs: %w", err)
	}
	// At most one live ingestion or rebuild per area, mutually: a
	// rebuild cannot start while an ingestion runs and vice versa.
	// Creating a second one trips this index instead of racing a prior
	// existence check.
	if err := d.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS jobs_one_active_per_area
		ON jobs.jobs (area_id)
		WHERE state IN ('queued', 'running')
		  AND type IN ('area_ingestion', 'rebuild')
	`).Error; err != nil {
		return fmt.Errorf("create active-job index: %w", err)
	}
	return nil
}

// Create inserts a queued job. For serialized types (ingestion,
// rebuild) a concurrent active job for the same area surfaces as
// ErrActiveJobExists.
func (m *Manager) Create(ctx context.Context, jobType string, areaID *uuid.UUID, tripID string) (*Job, error) {
	job := &Job{
		ID:     uuid.New(),
		Type:   jobType,
		State:  StateQueued,
		AreaID: areaID,
		TripID: tripID,
	}
	if err := m.db.WithContext(ctx).Create(job).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrActiveJobExists
		}
		return nil, fmt.Errorf("create job: %w", err)
	}
	log.Printf("[jobs] created id=%s type=%s area=%v", job.ID, jobType, areaID)
	return job, nil
}

// Start moves a queued job to running.
func (m *Manager) Start(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	return m.transition(ctx, id, StateQueued, map[string]interface{}{
		"state":      StateRunning,
		"started_at": &now,
	})
}

// Update merges progress onto a running job. Nil metrics leaves the
// stored metrics untouched.
func (m *Manager) Update(ctx context.Context, id uuid.UUID, stage string, percent float64, message string, metrics Metrics) error {
	fields := map[string]interface{}{
		"stage":   stage,
		"percent": percent,
		"message": truncate(message, 500),
	}
	if metrics != nil {
		merged, err := m.mergedMetrics(ctx, id, metrics)
		if err != nil {
			return err
		}
		fields["metrics"] = merged
	}
	res := m.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND state = ?", id, StateRunning).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Progress on a finished or cancelled job is dropped, not an
		// error; the worker notices via Cancelled().
		return nil
	}
	return nil
}

// Complete marks a running job as completed.
func (m *Manager) Complete(ctx context.Context, id uuid.UUID, message string, metrics Metrics) error {
	now := time.Now().UTC()
	fields := map[string]interface{}{
		"state":        StateCompleted,
		"percent":      100.0,
		"message":      truncate(message, 500),
		"completed_at": &now,
	}
	if metrics != nil {
		merged, err := m.mergedMetrics(ctx, id, metrics)
		if err != nil {
			return err
		}
		fields["metrics"] = merged
	}
	return m.transition(ctx, id, StateRunning, fields)
}

// Fail marks a running job as failed.
func (m *Manager) Fail(ctx context.Context, id uuid.UUID, message string) error {
	now := time.Now().UTC()
	return m.transition(ctx, id, StateRunning, map[string]interface{}{
		"state":        StateFailed,
		"message":      truncate(message, 500),
		"completed_at": &now,
	})
}

// Cancel marks a queued or running job as cancelled. The running
// worker observes the cancellation at its next checkpoint.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	res := m.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND state IN ?", id, []string{StateQueued, StateRunning}).
		Updates(map[string]interface{}{
			"state":        StateCancelled,
			"completed_at": &now,
		})
	if res.Error != nil {
		return fmt.Errorf("cancel job: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return m.transitionError(ctx, id, StateCancelled)
	}
	return nil
}

// Cancelled is the cooperative cancellation probe: long-running loops
// call it between batches and stop when it returns true.
func (m *Manager) Cancelled(ctx context.Context, id uuid.UUID) bool {
	var state string
	err := m.db.WithContext(ctx).Model(&Job{}).
		Select("state").Where("id = ?", id).Scan(&state).Error
	if err != nil {
		return false
	}
	return state == StateCancelled
}

// Get fetches one job.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	var job Job
	err := m.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// JobsForArea lists an area's jobs, newest first.
func (m *Manager) JobsForArea(ctx context.Context, areaID uuid.UUID, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Job
	err := m.db.WithContext(ctx).
		Where("area_id = ?", areaID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// ActiveJobForArea returns the queued/running job for an area,
// optionally restricted to specific types. Returns nil when idle.
func (m *Manager) ActiveJobForArea(ctx context.Context, areaID uuid.UUID, types ...string) (*Job, error) {
	q := m.db.WithContext(ctx).
		Where("area_id = ? AND state IN ?", areaID, []string{StateQueued, StateRunning})
	if len(types) > 0 {
		q = q.Where("type IN ?", types)
	}
	var job Job
	err := q.Order("created_at DESC").First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active job lookup: %w", err)
	}
	return &job, nil
}

func (m *Manager) transition(ctx context.Context, id uuid.UUID, fromState string, fields map[string]interface{}) error {
	res := m.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND state = ?", id, fromState).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("job transition: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		to, _ := fields["state"].(string)
		return m.transitionError(ctx, id, to)
	}
	return nil
}

func (m *Manager) transitionError(ctx context.Context, id uuid.UUID, to string) error {
	job, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.State, to)
}

func (m *Manager) mergedMetrics(ctx context.Context, id uuid.UUID, extra Metrics) (Metrics, error) {
	job, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	merged := Metrics{}
	for k, v := range job.Metrics {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
