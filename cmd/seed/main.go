// Command seed creates an area from a GeoJSON boundary file and waits
// for its first ingestion to finish. Useful for bootstrapping a local
// database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/paulmach/orb/geojson"

	"github.com/DrivenStreets/DS-Backend/internal/config"
	"github.com/DrivenStreets/DS-Backend/internal/coverage"
	"github.com/DrivenStreets/DS-Backend/internal/db"
	"github.com/DrivenStreets/DS-Backend/internal/jobs"
	"github.com/DrivenStreets/DS-Backend/internal/osm"
)

func main() {
	godotenv.Load(".env.local")

	name := flag.String("name", "", "display name for the new area")
	boundaryPath := flag.String("boundary", "", "path to a GeoJSON geometry file (Polygon or MultiPolygon)")
	osmID := flag.Int64("osm-id", 0, "OSM relation id (alternative to -boundary)")
	flag.Parse()

	if *name == "" {
		log.Fatal("-name is required")
	}
	if *boundaryPath == "" && *osmID == 0 {
		log.Fatal("one of -boundary or -osm-id is required")
	}

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	d, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	if err := jobs.Setup(d); err != nil {
		log.Fatalf("jobs setup: %v", err)
	}
	if err := coverage.Setup(d); err != nil {
		log.Fatalf("coverage setup: %v", err)
	}

	jobManager := jobs.NewManager(d)
	overpass := osm.NewOverpassClient(cfg.OverpassEndpoint)
	nominatim := osm.NewNominatimClient(cfg.NominatimEndpoint)
	ingestion := coverage.NewIngestionService(d, jobManager, overpass, cfg.Segmentation.BoundaryPaddingM)
	rebuild := coverage.NewRebuildService(d, jobManager, ingestion)
	areas := coverage.NewAreaManager(d, jobManager, ingestion, rebuild, nil, nominatim, cfg.Segmentation)

	req := coverage.CreateAreaRequest{DisplayName: *name}
	if *boundaryPath != "" {
		raw, err := os.ReadFile(*boundaryPath)
		if err != nil {
			log.Fatalf("read boundary: %v", err)
		}
		geom, err := geojson.UnmarshalGeometry(raw)
		if err != nil {
			log.Fatalf("parse boundary: %v", err)
		}
		req.AreaType = coverage.AreaTypeCustom
		req.Geometry = geom
	} else {
		req.AreaType = coverage.AreaTypeOSM
		req.OSMID = *osmID
		req.OSMType = "relation"
	}

	ctx := context.Background()
	area, err := areas.Create(ctx, req)
	if err != nil {
		log.Fatalf("create area: %v", err)
	}
	fmt.Printf("Created area %s (%s), waiting for ingestion...\n", area.ID, area.DisplayName)

	for {
		time.Sleep(2 * time.Second)
		current, err := areas.Get(ctx, area.ID)
		if err != nil {
			log.Fatalf("poll area: %v", err)
		}
		if current.Status == coverage.StatusReady {
			fmt.Printf("Ingestion complete: %d segments, %.1f km driveable\n",
				current.CachedStats.TotalSegments, current.CachedStats.DriveableLengthM/1000)
			return
		}
		if current.Status == coverage.StatusError {
			log.Fatalf("ingestion failed: %s", current.LastError)
		}
		fmt.Printf("  status=%s\n", current.Status)
	}
}
