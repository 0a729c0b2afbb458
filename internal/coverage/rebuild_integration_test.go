package coverage

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/DrivenStreets/DS-Backend/internal/jobs"
	"github.com/DrivenStreets/DS-Backend/internal/osm"
)

// fakeGraphProvider returns canned edges or a canned error.
type fakeGraphProvider struct {
	edges []osm.GraphEdge
	err   error
}

func (f *fakeGraphProvider) StreetGraph(ctx context.Context, boundary orb.Geometry) ([]osm.GraphEdge, error) {
	return f.edges, f.err
}

// recordingInvalidator remembers which areas were invalidated.
type recordingInvalidator struct {
	areas []uuid.UUID
}

func (r *recordingInvalidator) Invalidate(areaID uuid.UUID) {
	r.areas = append(r.areas, areaID)
}

// A rebuild whose ingestion fails must roll current_version back and
// leave the previous version's data untouched.
func TestRebuildRollsBackOnFailure(t *testing.T) {
	d := testDB(t)
	area, ids := seedArea(t, d)
	ctx := context.Background()

	jm := jobs.NewManager(d)
	provider := &fakeGraphProvider{err: errors.New("upstream down")}
	ingest := NewIngestionService(d, jm, provider, 100)
	rebuild := NewRebuildService(d, jm, ingest)

	job, err := jm.Create(ctx, jobs.TypeRebuild, &area.ID, "")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	rebuild.Run(ctx, area.ID, true, job.ID)

	var fresh Area
	if err := d.First(&fresh, "id = ?", area.ID).Error; err != nil {
		t.Fatal(err)
	}
	if fresh.CurrentVersion != 1 {
		t.Errorf("version=%d after failed rebuild, want 1", fresh.CurrentVersion)
	}
	if fresh.Status != StatusError {
		t.Errorf("status=%s, want error", fresh.Status)
	}
	if fresh.LastError == "" {
		t.Error("last_error should carry the failure")
	}

	done, err := jm.Get(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.State != jobs.StateFailed {
		t.Errorf("job state=%s, want failed", done.State)
	}

	// Version 1 rows survive.
	var count int64
	d.Model(&Street{}).Where("area_id = ? AND area_version = 1", area.ID).Count(&count)
	if int(count) != len(ids) {
		t.Errorf("version 1 streets=%d, want %d", count, len(ids))
	}
}

// A failure after the new version is fully ingested (stats refresh,
// final status write) must still move the area off ingesting.
func TestRebuildFailureAfterIngestMarksAreaError(t *testing.T) {
	d := testDB(t)
	area, _ := seedArea(t, d)
	ctx := context.Background()

	jm := jobs.NewManager(d)
	ingest := NewIngestionService(d, jm, nil, 100)
	rebuild := NewRebuildService(d, jm, ingest)

	// The mid-rebuild state a late failure would otherwise strand the
	// area in.
	if err := d.Model(&Area{}).Where("id = ?", area.ID).
		Update("status", StatusIngesting).Error; err != nil {
		t.Fatal(err)
	}

	job, err := jm.Create(ctx, jobs.TypeRebuild, &area.ID, "")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := jm.Start(ctx, job.ID); err != nil {
		t.Fatalf("start job: %v", err)
	}

	rebuild.failAfterCutover(ctx, area.ID, job.ID, errors.New("stats aggregate failed"))

	var fresh Area
	if err := d.First(&fresh, "id = ?", area.ID).Error; err != nil {
		t.Fatal(err)
	}
	if fresh.Status != StatusError {
		t.Errorf("status=%s, want error", fresh.Status)
	}
	if fresh.LastError == "" {
		t.Error("last_error should carry the failure")
	}

	done, err := jm.Get(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.State != jobs.StateFailed {
		t.Errorf("job state=%s, want failed", done.State)
	}
}

// A successful rebuild bumps the version, migrates overrides onto the
// intersecting new segments, drops the old version and invalidates the
// routing cache.
func TestRebuildMigratesOverrides(t *testing.T) {
	d := testDB(t)
	area, ids := seedArea(t, d)
	ctx := context.Background()
	m := testAreaManager(d)

	if _, err := m.SetOverride(ctx, area.ID, ids[0], SegmentUndriveable, "gated"); err != nil {
		t.Fatalf("set override: %v", err)
	}

	jm := jobs.NewManager(d)
	// New network occupies the same place as the overridden street.
	provider := &fakeGraphProvider{edges: []osm.GraphEdge{
		{OSMWayID: 1, Highway: "residential", Geometry: orb.LineString{{0, 0}, {0.001, 0}}},
	}}
	ingest := NewIngestionService(d, jm, provider, 100)
	rebuild := NewRebuildService(d, jm, ingest)
	inv := &recordingInvalidator{}
	rebuild.SetCacheInvalidator(inv)

	job, err := jm.Create(ctx, jobs.TypeRebuild, &area.ID, "")
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	rebuild.Run(ctx, area.ID, true, job.ID)

	done, err := jm.Get(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.State != jobs.StateCompleted {
		t.Fatalf("job state=%s message=%q, want completed", done.State, done.Message)
	}

	var fresh Area
	if err := d.First(&fresh, "id = ?", area.ID).Error; err != nil {
		t.Fatal(err)
	}
	if fresh.CurrentVersion != 2 || fresh.Status != StatusReady {
		t.Errorf("version=%d status=%s, want 2/ready", fresh.CurrentVersion, fresh.Status)
	}

	var migrated []CoverageState
	err = d.Where("area_id = ? AND area_version = 2 AND manual_override = TRUE", area.ID).
		Find(&migrated).Error
	if err != nil {
		t.Fatal(err)
	}
	if len(migrated) != 1 {
		t.Fatalf("migrated overrides=%d, want 1", len(migrated))
	}
	if migrated[0].Status != SegmentUndriveable || migrated[0].Note != "gated" {
		t.Errorf("override lost fields: %+v", migrated[0])
	}

	// Old version gone.
	var old int64
	d.Model(&Street{}).Where("area_id = ? AND area_version = 1", area.ID).Count(&old)
	if old != 0 {
		t.Errorf("version 1 streets remain: %d", old)
	}

	if len(inv.areas) != 1 || inv.areas[0] != area.ID {
		t.Errorf("routing cache not invalidated: %v", inv.areas)
	}
}
