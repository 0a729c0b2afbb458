package jobs

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/DrivenStreets/DS-Backend/internal/db"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{StateQueued, StateRunning, true},
		{StateQueued, StateCancelled, true},
		{StateQueued, StateCompleted, false},
		{StateRunning, StateCompleted, true},
		{StateRunning, StateFailed, true},
		{StateRunning, StateCancelled, true},
		{StateRunning, StateQueued, false},
		{StateCompleted, StateRunning, false},
		{StateFailed, StateQueued, false},
		{StateCancelled, StateRunning, false},
	}
	for _, c := range cases {
		if got := ValidTransition(c.from, c.to); got != c.ok {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []string{StateCompleted, StateFailed, StateCancelled} {
		if !(Job{State: s}).Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []string{StateQueued, StateRunning} {
		if (Job{State: s}).Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestMetricsRoundTrip(t *testing.T) {
	m := Metrics{"segments": float64(42), "stage": "write"}
	v, err := m.Value()
	if err != nil {
		t.Fatal(err)
	}
	var back Metrics
	if err := back.Scan(v); err != nil {
		t.Fatal(err)
	}
	if back["segments"] != float64(42) || back["stage"] != "write" {
		t.Errorf("round trip lost data: %v", back)
	}

	var nilMetrics Metrics
	if err := nilMetrics.Scan(nil); err != nil {
		t.Fatal(err)
	}
	if nilMetrics != nil {
		t.Errorf("scan nil should leave metrics nil")
	}
}

// testDB opens the database named by TEST_DATABASE_URL, or skips.
func testDB(t *testing.T) *Manager {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	d, err := db.Connect(dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := Setup(d); err != nil {
		t.Fatalf("setup: %v", err)
	}
	return NewManager(d)
}

func TestJobLifecycle(t *testing.T) {
	m := testDB(t)
	ctx := context.Background()
	areaID := uuid.New()

	job, err := m.Create(ctx, TypeAreaIngestion, &areaID, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Second ingestion for the same area must trip the partial index.
	if _, err := m.Create(ctx, TypeAreaIngestion, &areaID, ""); !errors.Is(err, ErrActiveJobExists) {
		t.Fatalf("duplicate active job: got %v, want ErrActiveJobExists", err)
	}

	// Trip coverage jobs are not serialized.
	tc1, err := m.Create(ctx, TypeTripCoverage, &areaID, "trip-1")
	if err != nil {
		t.Fatalf("trip coverage 1: %v", err)
	}
	tc2, err := m.Create(ctx, TypeTripCoverage, &areaID, "trip-2")
	if err != nil {
		t.Fatalf("trip coverage 2: %v", err)
	}
	for _, id := range []uuid.UUID{tc1.ID, tc2.ID} {
		if err := m.Start(ctx, id); err != nil {
			t.Fatal(err)
		}
		if err := m.Complete(ctx, id, "", nil); err != nil {
			t.Fatal(err)
		}
	}

	if err := m.Start(ctx, job.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Update(ctx, job.ID, "segmenting", 40, "processing edges", Metrics{"edges": 10}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := m.Complete(ctx, job.ID, "done", Metrics{"segments": 120}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := m.Get(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != StateCompleted || got.Percent != 100 {
		t.Errorf("state=%s percent=%v after complete", got.State, got.Percent)
	}
	if got.Metrics["edges"] != float64(10) || got.Metrics["segments"] != float64(120) {
		t.Errorf("metrics not merged: %v", got.Metrics)
	}
	if got.CompletedAt == nil || got.StartedAt == nil {
		t.Error("timestamps not set")
	}

	// Terminal states reject further transitions.
	if err := m.Fail(ctx, job.ID, "late failure"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("fail after complete: got %v, want ErrInvalidTransition", err)
	}

	// The guard frees once the ingestion reached a terminal state, so a
	// rebuild can be queued now; queued jobs are cancellable.
	job2, err := m.Create(ctx, TypeRebuild, &areaID, "")
	if err != nil {
		t.Fatalf("rebuild job: %v", err)
	}
	if err := m.Cancel(ctx, job2.ID); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	if !m.Cancelled(ctx, job2.ID) {
		t.Error("Cancelled() should report true")
	}

	active, err := m.ActiveJobForArea(ctx, areaID)
	if err != nil {
		t.Fatal(err)
	}
	if active != nil {
		t.Errorf("expected no active job, got %+v", active)
	}
}
