// Command sanity audits coverage invariants for every area (or one
// area by id) and optionally repairs what it finds.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/DrivenStreets/DS-Backend/internal/config"
	"github.com/DrivenStreets/DS-Backend/internal/coverage"
	"github.com/DrivenStreets/DS-Backend/internal/db"
	"github.com/DrivenStreets/DS-Backend/internal/jobs"
)

func main() {
	godotenv.Load(".env.local")

	repair := flag.Bool("repair", false, "delete orphan coverage rows and create missing ones")
	areaFlag := flag.String("area", "", "limit the audit to one area id")
	flag.Parse()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	d, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database: %v", err)
	}

	jobManager := jobs.NewManager(d)
	ingestion := coverage.NewIngestionService(d, jobManager, nil, cfg.Segmentation.BoundaryPaddingM)
	rebuild := coverage.NewRebuildService(d, jobManager, ingestion)
	areas := coverage.NewAreaManager(d, jobManager, ingestion, rebuild, nil, nil, cfg.Segmentation)

	ctx := context.Background()
	var targets []coverage.Area
	if *areaFlag != "" {
		id, err := uuid.Parse(*areaFlag)
		if err != nil {
			log.Fatalf("invalid -area: %v", err)
		}
		area, err := areas.Get(ctx, id)
		if err != nil {
			log.Fatalf("load area: %v", err)
		}
		targets = []coverage.Area{*area}
	} else {
		targets, err = areas.List(ctx, "")
		if err != nil {
			log.Fatalf("list areas: %v", err)
		}
	}

	dirty := 0
	for _, area := range targets {
		report, err := rebuild.SanityCheckArea(ctx, area.ID, *repair)
		if err != nil {
			log.Printf("area %s: %v", area.ID, err)
			continue
		}
		fmt.Printf("%s (%s) v%d: orphans=%d missing=%d drift=%v",
			area.DisplayName, area.ID, report.Version,
			report.OrphanCoverage, report.MissingCoverage, report.StatsDrift)
		if *repair {
			fmt.Printf(" deleted=%d created=%d", report.DeletedOrphans, report.CreatedCoverage)
		}
		fmt.Println()
		if report.OrphanCoverage > 0 || report.MissingCoverage > 0 || report.StatsDrift {
			dirty++
		}
	}

	fmt.Printf("\nChecked %d areas, %d with findings\n", len(targets), dirty)
	if dirty > 0 && !*repair {
		fmt.Println("Re-run with -repair to fix.")
	}
}
