// Package trips is the engine's view of the trip pipeline. Ingestion,
// validation and map matching happen elsewhere; this package only
// carries the completed-trip event and fetches a trip's best available
// geometry on demand.
package trips

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// CompletedEvent is emitted by the trip pipeline once a trip has been
// validated and map matched.
type CompletedEvent struct {
	TripID    string            `json:"trip_id"`
	Bbox      [4]float64        `json:"bbox"` // minLon, minLat, maxLon, maxLat
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Geometry  *geojson.Geometry `json:"geometry,omitempty"`
}

// Bound returns the event bbox as an orb.Bound.
func (e CompletedEvent) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{e.Bbox[0], e.Bbox[1]},
		Max: orb.Point{e.Bbox[2], e.Bbox[3]},
	}
}

// GeometryProvider returns a trip's best available geometry (matched
// geometry preferred over raw GPS; the pipeline chooses server-side).
type GeometryProvider interface {
	TripGeometry(ctx context.Context, tripID string) (orb.Geometry, error)
}

// Client fetches trip geometry from the trip pipeline's internal API.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type tripGeometryResponse struct {
	TripID   string          `json:"trip_id"`
	Geometry json.RawMessage `json:"geometry"`
}

func (c *Client) TripGeometry(ctx context.Context, tripID string) (orb.Geometry, error) {
	u := fmt.Sprintf("%s/trips/%s/geometry", c.endpoint, url.PathEscape(tripID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("trip geometry request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("trip %s has no geometry", tripID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("trip geometry returned HTTP %d", resp.StatusCode)
	}

	var parsed tripGeometryResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding trip geometry: %w", err)
	}
	if len(parsed.Geometry) == 0 {
		return nil, fmt.Errorf("trip %s has empty geometry", tripID)
	}

	g, err := geojson.UnmarshalGeometry(parsed.Geometry)
	if err != nil {
		return nil, fmt.Errorf("decoding trip geojson: %w", err)
	}
	return g.Geometry(), nil
}
