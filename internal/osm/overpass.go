package osm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"golang.org/x/time/rate"
)

// StreetGraphProvider fetches the routable street network inside a
// (padded) boundary polygon.
type StreetGraphProvider interface {
	StreetGraph(ctx context.Context, boundary orb.Geometry) ([]GraphEdge, error)
}

// OverpassClient implements StreetGraphProvider against an Overpass API
// interpreter endpoint.
type OverpassClient struct {
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewOverpassClient(endpoint string) *OverpassClient {
	return &OverpassClient{
		endpoint: endpoint,
		httpClient: &http.Client{
			// Large areas take a while server-side.
			Timeout: 5 * time.Minute,
		},
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
}

type overpassResponse struct {
	Elements []overpassElement `json:"elements"`
}

type overpassElement struct {
	Type     string            `json:"type"`
	ID       int64             `json:"id"`
	Tags     map[string]string `json:"tags"`
	Geometry []overpassCoord   `json:"geometry"`
}

type overpassCoord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// StreetGraph runs one Overpass query per outer ring of the boundary
// and concatenates the resulting ways.
func (c *OverpassClient) StreetGraph(ctx context.Context, boundary orb.Geometry) ([]GraphEdge, error) {
	rings, err := outerRings(boundary)
	if err != nil {
		return nil, err
	}

	var edges []GraphEdge
	seen := make(map[int64]bool)

	for _, ring := range rings {
		resp, err := c.query(ctx, ring)
		if err != nil {
			return nil, err
		}
		for _, el := range resp.Elements {
			if el.Type != "way" || seen[el.ID] || len(el.Geometry) < 2 {
				continue
			}
			seen[el.ID] = true

			line := make(orb.LineString, 0, len(el.Geometry))
			for _, pt := range el.Geometry {
				line = append(line, orb.Point{pt.Lon, pt.Lat})
			}
			edges = append(edges, GraphEdge{
				OSMWayID: el.ID,
				Name:     el.Tags["name"],
				Highway:  el.Tags["highway"],
				Geometry: line,
			})
		}
	}
	return edges, nil
}

func (c *OverpassClient) query(ctx context.Context, ring orb.Ring) (*overpassResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := fmt.Sprintf(
		`[out:json][timeout:180];way["highway"](poly:%q);out geom;`,
		polyFilter(ring),
	)

	form := url.Values{}
	form.Set("data", q)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "DS-Backend")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("overpass request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("overpass returned HTTP %d", resp.StatusCode)
	}

	var parsed overpassResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding overpass response: %w", err)
	}
	return &parsed, nil
}

// polyFilter renders a ring as the "lat lon lat lon ..." list the
// Overpass poly filter expects.
func polyFilter(ring orb.Ring) string {
	var sb strings.Builder
	for i, p := range ring {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%.7f %.7f", p[1], p[0])
	}
	return sb.String()
}

func outerRings(g orb.Geometry) ([]orb.Ring, error) {
	switch geom := g.(type) {
	case orb.Polygon:
		if len(geom) == 0 {
			return nil, fmt.Errorf("empty polygon")
		}
		return []orb.Ring{geom[0]}, nil
	case orb.MultiPolygon:
		var rings []orb.Ring
		for _, poly := range geom {
			if len(poly) > 0 {
				rings = append(rings, poly[0])
			}
		}
		if len(rings) == 0 {
			return nil, fmt.Errorf("empty multipolygon")
		}
		return rings, nil
	case orb.Bound:
		return []orb.Ring{geom.ToRing()}, nil
	default:
		return nil, fmt.Errorf("boundary must be a polygon, got %T", g)
	}
}
