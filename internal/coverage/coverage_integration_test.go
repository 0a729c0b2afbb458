package coverage

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"gorm.io/gorm"

	"github.com/DrivenStreets/DS-Backend/internal/config"
	"github.com/DrivenStreets/DS-Backend/internal/db"
	"github.com/DrivenStreets/DS-Backend/internal/geo"
	"github.com/DrivenStreets/DS-Backend/internal/jobs"
)

// testDB opens the PostGIS database named by TEST_DATABASE_URL, or
// skips.
func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	d, err := db.Connect(dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := jobs.Setup(d); err != nil {
		t.Fatalf("jobs setup: %v", err)
	}
	if err := Setup(d); err != nil {
		t.Fatalf("coverage setup: %v", err)
	}
	return d
}

// seedArea inserts a ready area with two parallel east-west streets
// ~220m apart and undriven coverage rows for both.
func seedArea(t *testing.T, d *gorm.DB) (*Area, []string) {
	t.Helper()
	ctx := context.Background()

	area := &Area{
		ID:             uuid.New(),
		DisplayName:    "coverage-test-" + uuid.NewString(),
		AreaType:       AreaTypeCustom,
		Boundary:       geo.Geometry{Geom: orb.Bound{Min: orb.Point{-0.01, -0.01}, Max: orb.Point{0.01, 0.01}}.ToPolygon()},
		BboxMinLon:     -0.01,
		BboxMinLat:     -0.01,
		BboxMaxLon:     0.01,
		BboxMaxLat:     0.01,
		SegmentLengthM: 100,
		MatchBufferM:   15,
		CurrentVersion: 1,
		Status:         StatusReady,
	}
	if err := d.WithContext(ctx).Create(area).Error; err != nil {
		t.Fatalf("create area: %v", err)
	}
	t.Cleanup(func() {
		d.Exec("DELETE FROM coverage.coverage_states WHERE area_id = ?", area.ID)
		d.Exec("DELETE FROM coverage.streets WHERE area_id = ?", area.ID)
		d.Exec("DELETE FROM coverage.areas WHERE id = ?", area.ID)
	})

	lines := []orb.LineString{
		{{0, 0}, {0.001, 0}},
		{{0, 0.002}, {0.001, 0.002}},
	}
	var ids []string
	for i, line := range lines {
		id := fmt.Sprintf("%s-1-%d", area.ID, i)
		ids = append(ids, id)
		street := &Street{
			SegmentID:   id,
			AreaID:      area.ID,
			AreaVersion: 1,
			Geometry:    geo.Geometry{Geom: line},
			Highway:     "residential",
			LengthM:     geo.LengthMeters(line),
		}
		if err := d.WithContext(ctx).Create(street).Error; err != nil {
			t.Fatalf("create street: %v", err)
		}
		state := &CoverageState{
			SegmentID:      id,
			AreaID:         area.ID,
			AreaVersion:    1,
			Status:         SegmentUndriven,
			ProvenanceType: ProvenanceSystem,
		}
		if err := d.WithContext(ctx).Create(state).Error; err != nil {
			t.Fatalf("create coverage state: %v", err)
		}
	}
	return area, ids
}

func testAreaManager(d *gorm.DB) *AreaManager {
	jm := jobs.NewManager(d)
	ingest := NewIngestionService(d, jm, nil, 100)
	rebuild := NewRebuildService(d, jm, ingest)
	return NewAreaManager(d, jm, ingest, rebuild, nil, nil, config.Segmentation{
		SegmentLengthM: 100, MatchBufferM: 15, MinMatchLengthM: 5, BoundaryPaddingM: 100,
	})
}

// A trip along the first street must match it and leave the distant
// one alone; replaying the same trip changes nothing.
func TestTripMatchingAndIdempotence(t *testing.T) {
	d := testDB(t)
	area, ids := seedArea(t, d)
	ctx := context.Background()

	svc := NewCoverageService(d, jobs.NewManager(d), nil)
	trip := orb.LineString{{0, 0.00001}, {0.001, 0.00001}} // ~1m north of street 0

	res, err := svc.ProcessTripForArea(ctx, area.ID, "trip-a", trip)
	if err != nil {
		t.Fatalf("process trip: %v", err)
	}
	if res.MatchedSegments != 1 || res.UpdatedSegments != 1 {
		t.Fatalf("matched=%d updated=%d, want 1/1", res.MatchedSegments, res.UpdatedSegments)
	}
	if res.Stats.CoveredSegments != 1 {
		t.Errorf("covered=%d, want 1", res.Stats.CoveredSegments)
	}

	// Replay: same trip id, no rows should change.
	res, err = svc.ProcessTripForArea(ctx, area.ID, "trip-a", trip)
	if err != nil {
		t.Fatalf("replay trip: %v", err)
	}
	if res.UpdatedSegments != 0 {
		t.Errorf("replay updated=%d, want 0", res.UpdatedSegments)
	}

	var state CoverageState
	if err := d.First(&state, "segment_id = ?", ids[1]).Error; err != nil {
		t.Fatal(err)
	}
	if state.Status != SegmentUndriven {
		t.Errorf("distant street flipped to %s", state.Status)
	}
}

// A trip brushing past a footway must not flip it: statically
// undriveable streets are excluded from matching entirely.
func TestTripSkipsUndriveableStreets(t *testing.T) {
	d := testDB(t)
	area, _ := seedArea(t, d)
	ctx := context.Background()

	// A footway right on the trip path.
	footID := fmt.Sprintf("%s-1-9", area.ID)
	foot := orb.LineString{{0, 0.00002}, {0.001, 0.00002}}
	street := &Street{
		SegmentID:   footID,
		AreaID:      area.ID,
		AreaVersion: 1,
		Geometry:    geo.Geometry{Geom: foot},
		Highway:     "footway",
		LengthM:     geo.LengthMeters(foot),
		Undriveable: true,
	}
	if err := d.WithContext(ctx).Create(street).Error; err != nil {
		t.Fatalf("create street: %v", err)
	}
	state := &CoverageState{
		SegmentID:      footID,
		AreaID:         area.ID,
		AreaVersion:    1,
		Status:         SegmentUndriveable,
		ProvenanceType: ProvenanceSystem,
	}
	if err := d.WithContext(ctx).Create(state).Error; err != nil {
		t.Fatalf("create coverage state: %v", err)
	}

	svc := NewCoverageService(d, jobs.NewManager(d), nil)
	trip := orb.LineString{{0, 0.00001}, {0.001, 0.00001}}
	res, err := svc.ProcessTripForArea(ctx, area.ID, "trip-f", trip)
	if err != nil {
		t.Fatalf("process trip: %v", err)
	}
	// Only the driveable street counts, even though the footway is
	// well inside the buffer.
	if res.MatchedSegments != 1 || res.UpdatedSegments != 1 {
		t.Fatalf("matched=%d updated=%d, want 1/1", res.MatchedSegments, res.UpdatedSegments)
	}

	var fresh CoverageState
	if err := d.First(&fresh, "segment_id = ?", footID).Error; err != nil {
		t.Fatal(err)
	}
	if fresh.Status != SegmentUndriveable {
		t.Errorf("footway flipped to %s", fresh.Status)
	}
	if fresh.TripID != "" {
		t.Errorf("footway stamped with trip %q", fresh.TripID)
	}
}

// A manual override must survive an intersecting trip until cleared.
func TestOverrideBlocksTripUpdates(t *testing.T) {
	d := testDB(t)
	area, ids := seedArea(t, d)
	ctx := context.Background()
	m := testAreaManager(d)

	state, err := m.SetOverride(ctx, area.ID, ids[0], SegmentUndriveable, "gated road")
	if err != nil {
		t.Fatalf("set override: %v", err)
	}
	if !state.ManualOverride || state.Status != SegmentUndriveable {
		t.Fatalf("override not applied: %+v", state)
	}

	svc := NewCoverageService(d, jobs.NewManager(d), nil)
	trip := orb.LineString{{0, 0.00001}, {0.001, 0.00001}}
	res, err := svc.ProcessTripForArea(ctx, area.ID, "trip-b", trip)
	if err != nil {
		t.Fatalf("process trip: %v", err)
	}
	if res.MatchedSegments != 1 {
		t.Fatalf("matched=%d, want 1", res.MatchedSegments)
	}
	if res.UpdatedSegments != 0 {
		t.Errorf("overridden segment was updated")
	}

	if err := m.ClearOverride(ctx, area.ID, ids[0]); err != nil {
		t.Fatalf("clear override: %v", err)
	}
	res, err = svc.ProcessTripForArea(ctx, area.ID, "trip-c", trip)
	if err != nil {
		t.Fatalf("process trip: %v", err)
	}
	if res.UpdatedSegments != 1 {
		t.Errorf("cleared segment not updated, got %d", res.UpdatedSegments)
	}
}

func TestBulkOverridesCapAndStats(t *testing.T) {
	d := testDB(t)
	area, ids := seedArea(t, d)
	ctx := context.Background()
	m := testAreaManager(d)

	tooMany := make([]string, MaxBulkOverrides+1)
	if _, err := m.BulkSetOverrides(ctx, area.ID, tooMany, SegmentDriven, ""); err == nil {
		t.Error("expected cap error")
	}

	updated, err := m.BulkSetOverrides(ctx, area.ID, ids, SegmentDriven, "already covered")
	if err != nil {
		t.Fatalf("bulk override: %v", err)
	}
	if updated != 2 {
		t.Errorf("updated=%d, want 2", updated)
	}

	fresh, err := m.Get(ctx, area.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.CachedStats.CoveredSegments != 2 {
		t.Errorf("covered=%d, want 2", fresh.CachedStats.CoveredSegments)
	}
	if fresh.CachedStats.CoveragePercent != 100 {
		t.Errorf("percent=%v, want 100", fresh.CachedStats.CoveragePercent)
	}

	// Bulk driven stamps last_driven_at, same as the single-segment
	// path.
	var state CoverageState
	if err := d.First(&state, "segment_id = ?", ids[0]).Error; err != nil {
		t.Fatal(err)
	}
	if state.LastDrivenAt == nil {
		t.Error("bulk driven override left last_driven_at unset")
	}
}

func TestSanityCheckRepairsDrift(t *testing.T) {
	d := testDB(t)
	area, ids := seedArea(t, d)
	ctx := context.Background()

	// Remove one coverage row to fabricate a missing-state defect.
	if err := d.Exec("DELETE FROM coverage.coverage_states WHERE segment_id = ?", ids[0]).Error; err != nil {
		t.Fatal(err)
	}

	jm := jobs.NewManager(d)
	ingest := NewIngestionService(d, jm, nil, 100)
	rebuild := NewRebuildService(d, jm, ingest)

	report, err := rebuild.SanityCheckArea(ctx, area.ID, false)
	if err != nil {
		t.Fatalf("sanity check: %v", err)
	}
	if report.MissingCoverage != 1 {
		t.Errorf("missing=%d, want 1", report.MissingCoverage)
	}
	if report.CreatedCoverage != 0 {
		t.Errorf("dry run must not repair, created=%d", report.CreatedCoverage)
	}

	report, err = rebuild.SanityCheckArea(ctx, area.ID, true)
	if err != nil {
		t.Fatalf("sanity repair: %v", err)
	}
	if report.CreatedCoverage != 1 {
		t.Errorf("created=%d, want 1", report.CreatedCoverage)
	}

	var state CoverageState
	if err := d.First(&state, "segment_id = ?", ids[0]).Error; err != nil {
		t.Fatalf("repaired row missing: %v", err)
	}
	if state.Status != SegmentUndriven {
		t.Errorf("repaired row status=%s, want undriven", state.Status)
	}
}
