package coverage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/DrivenStreets/DS-Backend/internal/geo"
	"github.com/DrivenStreets/DS-Backend/internal/jobs"
	"github.com/DrivenStreets/DS-Backend/internal/trips"
)

// RouteStarter starts a route-generation job; implemented by the
// routing service and injected so this package stays independent of
// it.
type RouteStarter interface {
	StartRoute(ctx context.Context, areaID uuid.UUID, start *orb.Point) (*jobs.Job, error)
}

// Handlers is the HTTP surface over the coverage engine.
type Handlers struct {
	areas   *AreaManager
	rebuild *RebuildService
	jobs    *jobs.Manager
	router  RouteStarter
}

func NewHandlers(areas *AreaManager, rebuild *RebuildService, jm *jobs.Manager, router RouteStarter) *Handlers {
	return &Handlers{areas: areas, rebuild: rebuild, jobs: jm, router: router}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrAreaNotFound),
		errors.Is(err, ErrSegmentNotFound),
		errors.Is(err, jobs.ErrJobNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrDuplicateName),
		errors.Is(err, jobs.ErrActiveJobExists):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func areaIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "areaID"))
	if err != nil {
		http.Error(w, "invalid area id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handlers) CreateArea(w http.ResponseWriter, r *http.Request) {
	var req CreateAreaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	area, err := h.areas.Create(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrDuplicateName) || errors.Is(err, ErrNoBoundary) {
			writeError(w, err)
			return
		}
		// Validation problems come back as plain errors.
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, area)
}

func (h *Handlers) ListAreas(w http.ResponseWriter, r *http.Request) {
	areas, err := h.areas.List(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, areas)
}

func (h *Handlers) GetArea(w http.ResponseWriter, r *http.Request) {
	id, ok := areaIDParam(w, r)
	if !ok {
		return
	}
	area, err := h.areas.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, area)
}

func (h *Handlers) DeleteArea(w http.ResponseWriter, r *http.Request) {
	id, ok := areaIDParam(w, r)
	if !ok {
		return
	}
	if err := h.areas.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) TriggerRebuild(w http.ResponseWriter, r *http.Request) {
	id, ok := areaIDParam(w, r)
	if !ok {
		return
	}
	preserve := true
	if v := r.URL.Query().Get("preserve_overrides"); v != "" {
		preserve, _ = strconv.ParseBool(v)
	}
	job, err := h.areas.TriggerRebuild(r.Context(), id, preserve)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *Handlers) SanityCheck(w http.ResponseWriter, r *http.Request) {
	id, ok := areaIDParam(w, r)
	if !ok {
		return
	}
	repair, _ := strconv.ParseBool(r.URL.Query().Get("repair"))

	// The audit runs synchronously but is recorded as a job for the
	// area's history.
	ctx := r.Context()
	job, jobErr := h.jobs.Create(ctx, jobs.TypeSanityCheck, &id, "")
	if jobErr == nil {
		_ = h.jobs.Start(ctx, job.ID)
	}

	report, err := h.rebuild.SanityCheckArea(ctx, id, repair)
	if err != nil {
		if jobErr == nil {
			_ = h.jobs.Fail(ctx, job.ID, err.Error())
		}
		writeError(w, err)
		return
	}
	if jobErr == nil {
		_ = h.jobs.Complete(ctx, job.ID, "sanity check complete", jobs.Metrics{
			"orphan_coverage":  report.OrphanCoverage,
			"missing_coverage": report.MissingCoverage,
			"stats_drift":      report.StatsDrift,
		})
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	id, ok := areaIDParam(w, r)
	if !ok {
		return
	}
	out, err := h.jobs.JobsForArea(r.Context(), id, 50)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) ActiveJob(w http.ResponseWriter, r *http.Request) {
	id, ok := areaIDParam(w, r)
	if !ok {
		return
	}
	job, err := h.jobs.ActiveJobForArea(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if job == nil {
		http.Error(w, "no active job", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	id, ok := areaIDParam(w, r)
	if !ok {
		return
	}
	area, err := h.areas.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, area.CachedStats)
}

func (h *Handlers) StreetsInBbox(w http.ResponseWriter, r *http.Request) {
	h.viewport(w, r, h.areas.StreetsInBbox)
}

func (h *Handlers) CoverageInBbox(w http.ResponseWriter, r *http.Request) {
	h.viewport(w, r, h.areas.CoverageInBbox)
}

func (h *Handlers) viewport(w http.ResponseWriter, r *http.Request,
	query func(context.Context, uuid.UUID, orb.Bound) (*ViewportResult, error)) {
	id, ok := areaIDParam(w, r)
	if !ok {
		return
	}
	bound, err := geo.ParseBbox(r.URL.Query().Get("bbox"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := query(r.Context(), id, bound)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type overrideRequest struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

func (h *Handlers) SetOverride(w http.ResponseWriter, r *http.Request) {
	id, ok := areaIDParam(w, r)
	if !ok {
		return
	}
	segmentID := chi.URLParam(r, "segmentID")

	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	state, err := h.areas.SetOverride(r.Context(), id, segmentID, req.Status, req.Note)
	if err != nil {
		if !errors.Is(err, ErrAreaNotFound) && !errors.Is(err, ErrSegmentNotFound) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handlers) ClearOverride(w http.ResponseWriter, r *http.Request) {
	id, ok := areaIDParam(w, r)
	if !ok {
		return
	}
	segmentID := chi.URLParam(r, "segmentID")
	if err := h.areas.ClearOverride(r.Context(), id, segmentID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bulkOverrideRequest struct {
	SegmentIDs []string `json:"segment_ids"`
	Status     string   `json:"status"`
	Note       string   `json:"note,omitempty"`
}

func (h *Handlers) BulkOverrides(w http.ResponseWriter, r *http.Request) {
	id, ok := areaIDParam(w, r)
	if !ok {
		return
	}
	var req bulkOverrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	updated, err := h.areas.BulkSetOverrides(r.Context(), id, req.SegmentIDs, req.Status, req.Note)
	if err != nil {
		if errors.Is(err, ErrAreaNotFound) {
			writeError(w, err)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}

type routeRequest struct {
	Start *[2]float64 `json:"start,omitempty"` // lon, lat
}

func (h *Handlers) GenerateRoute(w http.ResponseWriter, r *http.Request) {
	id, ok := areaIDParam(w, r)
	if !ok {
		return
	}
	var req routeRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	var start *orb.Point
	if req.Start != nil {
		start = &orb.Point{req.Start[0], req.Start[1]}
	}
	job, err := h.router.StartRoute(r.Context(), id, start)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// TripCompleted is the webhook the trip pipeline calls once a trip has
// been validated and matched.
func (h *Handlers) TripCompleted(w http.ResponseWriter, r *http.Request) {
	var evt trips.CompletedEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	spawned, err := h.areas.HandleTripCompleted(r.Context(), evt)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"trip_id": evt.TripID,
		"jobs":    spawned,
	})
}
