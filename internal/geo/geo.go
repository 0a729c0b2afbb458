// Package geo holds the pure geometry math used by ingestion, coverage
// matching and routing: haversine lengths, arc-length line splitting,
// and the degree-based approximations we fall back to when PostGIS
// can't do the work for us.
package geo

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
)

// metersPerDegree is the length of one degree of latitude (and of
// longitude at the equator), used by the approximate conversions.
const metersPerDegree = 111320.0

// LengthMeters returns the haversine length of a geometry in meters.
func LengthMeters(g orb.Geometry) float64 {
	return orbgeo.LengthHaversine(g)
}

// DistanceMeters returns the haversine distance between two points.
func DistanceMeters(a, b orb.Point) float64 {
	return orbgeo.DistanceHaversine(a, b)
}

// Interpolate returns the point a fraction t of the way from a to b.
// Linear in lon/lat, which is fine at street-segment scale.
func Interpolate(a, b orb.Point, t float64) orb.Point {
	return orb.Point{
		a[0] + (b[0]-a[0])*t,
		a[1] + (b[1]-a[1])*t,
	}
}

// SplitLineString cuts a line into pieces of roughly targetMeters each
// by walking an arc-length cursor along the line and interpolating cut
// points at every multiple of the target length. The final piece of
// each input line is whatever remains, so it is usually shorter.
func SplitLineString(ls orb.LineString, targetMeters float64) []orb.LineString {
	if len(ls) < 2 {
		return nil
	}
	if targetMeters <= 0 {
		return []orb.LineString{ls}
	}

	var pieces []orb.LineString
	current := orb.LineString{ls[0]}
	remaining := targetMeters

	for i := 1; i < len(ls); i++ {
		from := current[len(current)-1]
		to := ls[i]
		segLen := DistanceMeters(from, to)

		for segLen >= remaining && segLen > 0 {
			cut := Interpolate(from, to, remaining/segLen)
			current = append(current, cut)
			pieces = append(pieces, current)

			current = orb.LineString{cut}
			from = cut
			segLen = DistanceMeters(from, to)
			remaining = targetMeters
		}

		if segLen > 0 {
			current = append(current, to)
			remaining -= segLen
		}
	}

	// Remainder piece, skipping degenerate slivers under a meter.
	if len(current) >= 2 && LengthMeters(current) > 1.0 {
		pieces = append(pieces, current)
	}
	return pieces
}

// MetersToDegrees converts a distance in meters to an approximate
// angular distance in degrees at the given latitude. Used for the
// degree-based buffer fallback when a geography-aware buffer fails.
func MetersToDegrees(meters, lat float64) float64 {
	scale := math.Cos(lat * math.Pi / 180)
	if scale < 0.01 {
		scale = 0.01
	}
	return meters / (metersPerDegree * scale)
}

// ExpandBound grows a bound by approximately the given number of
// meters on every side.
func ExpandBound(b orb.Bound, meters float64) orb.Bound {
	centerLat := (b.Min[1] + b.Max[1]) / 2
	dLat := meters / metersPerDegree
	dLon := MetersToDegrees(meters, centerLat)
	return orb.Bound{
		Min: orb.Point{b.Min[0] - dLon, b.Min[1] - dLat},
		Max: orb.Point{b.Max[0] + dLon, b.Max[1] + dLat},
	}
}

// RoundPoint snaps a coordinate to 5 decimal places (~1m), so segment
// endpoints that should touch resolve to the same routing graph node.
func RoundPoint(p orb.Point) orb.Point {
	const f = 1e5
	return orb.Point{
		math.Round(p[0]*f) / f,
		math.Round(p[1]*f) / f,
	}
}

// ParseBbox parses a "minLon,minLat,maxLon,maxLat" query parameter.
func ParseBbox(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox must be minLon,minLat,maxLon,maxLat")
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("bbox value %q: %w", p, err)
		}
		v[i] = f
	}
	if v[0] > v[2] || v[1] > v[3] {
		return orb.Bound{}, fmt.Errorf("bbox min must not exceed max")
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}
