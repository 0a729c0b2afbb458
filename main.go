package main

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"github.com/DrivenStreets/DS-Backend/internal/config"
	"github.com/DrivenStreets/DS-Backend/internal/coverage"
	"github.com/DrivenStreets/DS-Backend/internal/db"
	"github.com/DrivenStreets/DS-Backend/internal/jobs"
	"github.com/DrivenStreets/DS-Backend/internal/middleware"
	"github.com/DrivenStreets/DS-Backend/internal/osm"
	"github.com/DrivenStreets/DS-Backend/internal/routing"
	"github.com/DrivenStreets/DS-Backend/internal/trips"
)

func RootHandler(w http.ResponseWriter, r *http.Request) {
	response := "Server is up!"
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, response)
}

func main() {
	_ = godotenv.Load(".env.local")

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("[Main] config: %v", err)
	}

	d, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("[Main] database: %v", err)
	}
	if err := jobs.Setup(d); err != nil {
		log.Fatalf("[Main] jobs setup: %v", err)
	}
	if err := coverage.Setup(d); err != nil {
		log.Fatalf("[Main] coverage setup: %v", err)
	}

	jobManager := jobs.NewManager(d)

	nominatim := osm.NewNominatimClient(cfg.NominatimEndpoint)
	overpass := osm.NewOverpassClient(cfg.OverpassEndpoint)
	tripAPI := trips.NewClient(cfg.TripAPIEndpoint)

	ingestion := coverage.NewIngestionService(d, jobManager, overpass, cfg.Segmentation.BoundaryPaddingM)
	tripCoverage := coverage.NewCoverageService(d, jobManager, tripAPI)
	rebuild := coverage.NewRebuildService(d, jobManager, ingestion)
	areas := coverage.NewAreaManager(d, jobManager, ingestion, rebuild, tripCoverage, nominatim, cfg.Segmentation)

	router, err := routing.NewService(d, jobManager, cfg.RoutingCacheSize)
	if err != nil {
		log.Fatalf("[Main] routing: %v", err)
	}
	rebuild.SetCacheInvalidator(router)

	areaHandlers := coverage.NewHandlers(areas, rebuild, jobManager, router)
	jobHandlers := jobs.NewHandlers(jobManager)

	r := chi.NewRouter()
	r.Use(middleware.CORSMiddleware)
	r.Use(middleware.RequestLogger)
	r.Get("/", RootHandler)

	r.Mount("/areas", coverage.SetupRoutes(areaHandlers))
	r.Mount("/jobs", jobs.SetupRoutes(jobHandlers))
	r.Post("/trips/completed", areaHandlers.TripCompleted)

	log.Printf("[Main] listening on :%s", cfg.Port)
	if err := http.ListenAndServe("0.0.0.0:"+cfg.Port, r); err != nil {
		log.Fatalf("[Main] server: %v", err)
	}
}
