package osm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/paulmach/orb"
)

func TestNominatimLookupPolygon(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("osm_ids"); got != "R146656" {
			t.Errorf("osm_ids = %q, want R146656", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{
			"display_name": "Test Town",
			"boundingbox": ["39.6", "39.9", "-86.3", "-86.0"],
			"geojson": {"type":"Polygon","coordinates":[[[-86.3,39.6],[-86.0,39.6],[-86.0,39.9],[-86.3,39.9],[-86.3,39.6]]]}
		}]`))
	}))
	defer srv.Close()

	c := NewNominatimClient(srv.URL)
	b, err := c.Lookup(context.Background(), "relation", 146656)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.DisplayName != "Test Town" {
		t.Errorf("display name = %q", b.DisplayName)
	}
	if _, ok := b.Geometry.(orb.Polygon); !ok {
		t.Fatalf("expected polygon geometry, got %T", b.Geometry)
	}
	// Nominatim bbox order is minLat, maxLat, minLon, maxLon.
	if b.Bound.Min[0] != -86.3 || b.Bound.Min[1] != 39.6 {
		t.Errorf("bound min = %v", b.Bound.Min)
	}
	if b.Bound.Max[0] != -86.0 || b.Bound.Max[1] != 39.9 {
		t.Errorf("bound max = %v", b.Bound.Max)
	}
}

func TestNominatimLookupNoPolygon(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{
			"display_name": "A Point",
			"boundingbox": ["39.6", "39.9", "-86.3", "-86.0"],
			"geojson": {"type":"Point","coordinates":[-86.1,39.7]}
		}]`))
	}))
	defer srv.Close()

	c := NewNominatimClient(srv.URL)
	b, err := c.Lookup(context.Background(), "node", 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Geometry != nil {
		t.Errorf("point result should leave Geometry nil, got %T", b.Geometry)
	}
	if b.Bound.Min[0] != -86.3 {
		t.Errorf("bound should still be populated: %v", b.Bound)
	}
}

func TestNominatimLookupEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewNominatimClient(srv.URL)
	if _, err := c.Lookup(context.Background(), "relation", 1); err == nil {
		t.Fatal("expected error for empty result")
	}
}

func TestNominatimUnknownType(t *testing.T) {
	c := NewNominatimClient("http://unused")
	if _, err := c.Lookup(context.Background(), "bogus", 1); err == nil {
		t.Fatal("expected error for unknown osm type")
	}
}

func TestOverpassStreetGraph(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if q := r.Form.Get("data"); q == "" {
			t.Error("missing data form field")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"elements":[
			{"type":"way","id":100,"tags":{"highway":"residential","name":"Elm St"},
			 "geometry":[{"lat":39.7,"lon":-86.2},{"lat":39.701,"lon":-86.2}]},
			{"type":"way","id":100,"tags":{"highway":"residential"},
			 "geometry":[{"lat":39.7,"lon":-86.2},{"lat":39.701,"lon":-86.2}]},
			{"type":"node","id":5},
			{"type":"way","id":101,"tags":{"highway":"footway"},
			 "geometry":[{"lat":39.7,"lon":-86.21},{"lat":39.7005,"lon":-86.21}]}
		]}`))
	}))
	defer srv.Close()

	boundary := orb.Polygon{{{-86.3, 39.6}, {-86.0, 39.6}, {-86.0, 39.9}, {-86.3, 39.6}}}

	c := NewOverpassClient(srv.URL)
	edges, err := c.StreetGraph(context.Background(), boundary)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Duplicate way 100 collapses, node is skipped.
	if len(edges) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(edges))
	}
	if edges[0].Name != "Elm St" || edges[0].Highway != "residential" {
		t.Errorf("unexpected first edge: %+v", edges[0])
	}
	if edges[0].Geometry[0] != (orb.Point{-86.2, 39.7}) {
		t.Errorf("coordinates not lon/lat ordered: %v", edges[0].Geometry[0])
	}
}

func TestOuterRingsRejectsNonAreal(t *testing.T) {
	if _, err := outerRings(orb.LineString{{0, 0}, {1, 1}}); err == nil {
		t.Fatal("expected error for linestring boundary")
	}
}
