// Package config loads service configuration from an optional YAML
// file with environment variable overrides. Environment always wins so
// deployments can tweak a single knob without editing the file.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/goccy/go-yaml"
)

// Segmentation holds the per-area defaults applied when a create
// request does not override them.
type Segmentation struct {
	SegmentLengthM   float64 `yaml:"segment_length_m"`
	MatchBufferM     float64 `yaml:"match_buffer_m"`
	MinMatchLengthM  float64 `yaml:"min_match_length_m"`
	BoundaryPaddingM float64 `yaml:"boundary_padding_m"`
}

type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`

	NominatimEndpoint string `yaml:"nominatim_endpoint"`
	OverpassEndpoint  string `yaml:"overpass_endpoint"`
	TripAPIEndpoint   string `yaml:"trip_api_endpoint"`

	RoutingCacheSize int `yaml:"routing_cache_size"`

	Segmentation Segmentation `yaml:"segmentation"`
}

// Defaults mirror the reference deployment: 100m segments, a 15m GPS
// match corridor, and a 100m boundary pad so streets are not truncated
// at the area edge.
func defaults() Config {
	return Config{
		Port:              "5050",
		NominatimEndpoint: "https://nominatim.openstreetmap.org",
		OverpassEndpoint:  "https://overpass-api.de/api/interpreter",
		RoutingCacheSize:  16,
		Segmentation: Segmentation{
			SegmentLengthM:   100,
			MatchBufferM:     15,
			MinMatchLengthM:  5,
			BoundaryPaddingM: 100,
		},
	}
}

// Load reads the config file at path (skipped if path is empty or the
// file does not exist), then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read %s: %w", path, err)
		}
	}

	overrideString(&cfg.Port, "PORT")
	overrideString(&cfg.DatabaseURL, "DATABASE_URL")
	overrideString(&cfg.NominatimEndpoint, "NOMINATIM_ENDPOINT")
	overrideString(&cfg.OverpassEndpoint, "OVERPASS_ENDPOINT")
	overrideString(&cfg.TripAPIEndpoint, "TRIP_API_ENDPOINT")
	overrideInt(&cfg.RoutingCacheSize, "ROUTING_CACHE_SIZE")
	overrideFloat(&cfg.Segmentation.SegmentLengthM, "SEGMENT_LENGTH_M")
	overrideFloat(&cfg.Segmentation.MatchBufferM, "MATCH_BUFFER_M")
	overrideFloat(&cfg.Segmentation.MinMatchLengthM, "MIN_MATCH_LENGTH_M")
	overrideFloat(&cfg.Segmentation.BoundaryPaddingM, "BOUNDARY_PADDING_M")

	return cfg, nil
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func overrideFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
