package osm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/time/rate"
)

// BoundaryLookup resolves an OSM object (relation/way/node) to its
// boundary polygon and bbox.
type BoundaryLookup interface {
	Lookup(ctx context.Context, osmType string, osmID int64) (*Boundary, error)
}

// NominatimClient implements BoundaryLookup against a Nominatim
// /lookup endpoint. Requests are rate limited to stay inside the
// public instance's usage policy.
type NominatimClient struct {
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewNominatimClient(endpoint string) *NominatimClient {
	return &NominatimClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

type nominatimPlace struct {
	DisplayName string          `json:"display_name"`
	BoundingBox []string        `json:"boundingbox"` // minLat, maxLat, minLon, maxLon
	GeoJSON     json.RawMessage `json:"geojson"`
}

// Lookup fetches the polygon for one OSM id. osmType is "relation",
// "way" or "node".
func (c *NominatimClient) Lookup(ctx context.Context, osmType string, osmID int64) (*Boundary, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	prefix, err := osmTypePrefix(osmType)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("osm_ids", fmt.Sprintf("%s%d", prefix, osmID))
	q.Set("format", "json")
	q.Set("polygon_geojson", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.endpoint+"/lookup?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "DS-Backend")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("boundary lookup request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("boundary lookup returned HTTP %d", resp.StatusCode)
	}

	var places []nominatimPlace
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		return nil, fmt.Errorf("decoding boundary response: %w", err)
	}
	if len(places) == 0 {
		return nil, fmt.Errorf("no boundary found for %s %d", osmType, osmID)
	}

	p := places[0]
	b := &Boundary{DisplayName: p.DisplayName}

	if len(p.BoundingBox) == 4 {
		bound, err := parseBoundingBox(p.BoundingBox)
		if err != nil {
			return nil, err
		}
		b.Bound = bound
	}

	if len(p.GeoJSON) > 0 {
		g, err := geojson.UnmarshalGeometry(p.GeoJSON)
		if err != nil {
			return nil, fmt.Errorf("decoding boundary geojson: %w", err)
		}
		switch geom := g.Geometry().(type) {
		case orb.Polygon, orb.MultiPolygon:
			b.Geometry = geom
			if len(p.BoundingBox) != 4 {
				b.Bound = geom.Bound()
			}
		default:
			// Point/line results carry no usable boundary; the caller
			// substitutes the bbox polygon.
		}
	}

	return b, nil
}

func osmTypePrefix(osmType string) (string, error) {
	switch strings.ToLower(osmType) {
	case "relation":
		return "R", nil
	case "way":
		return "W", nil
	case "node":
		return "N", nil
	default:
		return "", fmt.Errorf("unknown osm type %q", osmType)
	}
}

func parseBoundingBox(bb []string) (orb.Bound, error) {
	var v [4]float64
	for i, s := range bb {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("boundingbox value %q: %w", s, err)
		}
		v[i] = f
	}
	// Nominatim order: minLat, maxLat, minLon, maxLon.
	return orb.Bound{
		Min: orb.Point{v[2], v[0]},
		Max: orb.Point{v[3], v[1]},
	}, nil
}
