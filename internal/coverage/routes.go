package coverage

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SetupRoutes returns the /areas route tree.
func SetupRoutes(h *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Post("/", h.CreateArea)
	r.Get("/", h.ListAreas)

	r.Route("/{areaID}", func(r chi.Router) {
		r.Get("/", h.GetArea)
		r.Delete("/", h.DeleteArea)

		r.Post("/rebuild", h.TriggerRebuild)
		r.Post("/sanity-check", h.SanityCheck)

		r.Get("/jobs", h.ListJobs)
		r.Get("/jobs/active", h.ActiveJob)
		r.Get("/stats", h.GetStats)

		r.Get("/streets", h.StreetsInBbox)
		r.Get("/coverage", h.CoverageInBbox)

		r.Put("/segments/{segmentID}/override", h.SetOverride)
		r.Delete("/segments/{segmentID}/override", h.ClearOverride)
		r.Post("/overrides/bulk", h.BulkOverrides)

		r.Post("/route", h.GenerateRoute)
	})

	return r
}
