// Command check_area dumps a coverage breakdown for one area, grouped
// by highway type. Debugging aid for segment classification.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	godotenv.Load(".env.local")

	if len(os.Args) < 2 {
		log.Fatal("usage: check_area <area-id>")
	}
	areaID := os.Args[1]

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL not set")
	}

	db, err := gorm.Open(postgres.Open(dbURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("DB connection error: %v", err)
	}

	type Row struct {
		Highway  string
		Status   string
		Segments int
		LengthM  float64
	}

	var rows []Row
	query := `
		SELECT
			s.highway,
			cs.status,
			COUNT(*) AS segments,
			SUM(s.length_m) AS length_m
		FROM coverage.streets s
		JOIN coverage.coverage_states cs ON cs.segment_id = s.segment_id
		JOIN coverage.areas a ON a.id = s.area_id AND a.current_version = s.area_version
		WHERE s.area_id = ?
		GROUP BY s.highway, cs.status
		ORDER BY s.highway, cs.status
	`

	if err := db.Raw(query, areaID).Scan(&rows).Error; err != nil {
		log.Fatalf("Query error: %v", err)
	}

	byHighway := make(map[string][]Row)
	var order []string
	for _, r := range rows {
		if _, seen := byHighway[r.Highway]; !seen {
			order = append(order, r.Highway)
		}
		byHighway[r.Highway] = append(byHighway[r.Highway], r)
	}

	total := 0
	for _, r := range rows {
		total += r.Segments
	}
	fmt.Printf("Total segments at current version: %d\n\n", total)

	for _, highway := range order {
		fmt.Printf("=== %s ===\n", highway)
		for _, r := range byHighway[highway] {
			fmt.Printf("  %-12s %6d segments  %8.1f km\n", r.Status, r.Segments, r.LengthM/1000)
		}
		fmt.Println()
	}
}
