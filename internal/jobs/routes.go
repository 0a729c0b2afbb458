package jobs

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// SetupRoutes returns the /jobs route tree.
func SetupRoutes(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Get("/{jobID}", h.GetJob)
	r.Post("/{jobID}/cancel", h.CancelJob)
	return r
}
