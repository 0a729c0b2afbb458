package coverage

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/DrivenStreets/DS-Backend/internal/db"
)

// Setup creates the coverage schema, tables and indexes. Geometry
// column types come from the model tags; the spatial and partial
// indexes gorm cannot express are created here directly.
func Setup(d *gorm.DB) error {
	if err := db.EnsurePostGIS(d); err != nil {
		return fmt.Errorf("enable postgis: %w", err)
	}
	if err := db.EnsureSchema(d, "coverage"); err != nil {
		return fmt.Errorf("ensure coverage schema: %w", err)
	}
	if err := d.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`).Error; err != nil {
		return fmt.Errorf("enable uuid-ossp: %w", err)
	}

	if err := d.AutoMigrate(&Area{}, &Street{}, &CoverageState{}); err != nil {
		return fmt.Errorf("migrate coverage tables: %w", err)
	}

	stmts := []string{
		// Case insensitive unique for area display names.
		`CREATE UNIQUE INDEX IF NOT EXISTS areas_display_name_ci_unique
		 ON coverage.areas (LOWER(display_name))`,

		`CREATE INDEX IF NOT EXISTS areas_boundary_gist
		 ON coverage.areas USING GIST (boundary)`,

		`CREATE INDEX IF NOT EXISTS streets_geometry_gist
		 ON coverage.streets USING GIST (geometry)`,
		`CREATE INDEX IF NOT EXISTS streets_area_version
		 ON coverage.streets (area_id, area_version)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS coverage_states_area_version_segment
		 ON coverage.coverage_states (area_id, area_version, segment_id)`,
		`CREATE INDEX IF NOT EXISTS coverage_states_status
		 ON coverage.coverage_states (area_id, area_version, status)`,
	}
	for _, s := range stmts {
		if err := d.Exec(s).Error; err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}
