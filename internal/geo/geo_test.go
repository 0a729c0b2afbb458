package geo

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
)

// northLine builds a line running due north from (0,0) with the given
// length in meters.
func northLine(meters float64) orb.LineString {
	const degPerMeter = 1.0 / 111319.49
	return orb.LineString{
		{0, 0},
		{0, meters * degPerMeter},
	}
}

func TestLengthMeters(t *testing.T) {
	if l := LengthMeters(northLine(100)); math.Abs(l-100) > 0.5 {
		t.Errorf("100m north line measured %.2fm", l)
	}
	// One degree of latitude is ~111.32km regardless of longitude.
	ls := orb.LineString{{-86.2, 39}, {-86.2, 40}}
	if l := LengthMeters(ls); math.Abs(l-111319.49) > 200 {
		t.Errorf("1 degree of latitude measured %.0fm", l)
	}
}

func TestSplitLineStringEvenHalves(t *testing.T) {
	pieces := SplitLineString(northLine(100), 50)
	if len(pieces) != 2 {
		t.Fatalf("expected 2 pieces, got %d", len(pieces))
	}
	for i, p := range pieces {
		l := LengthMeters(p)
		if math.Abs(l-50) > 1.0 {
			t.Errorf("piece %d: length %.2fm, want ~50m", i, l)
		}
	}
}

func TestSplitLineStringRemainder(t *testing.T) {
	pieces := SplitLineString(northLine(100), 30)
	if len(pieces) != 4 {
		t.Fatalf("expected 4 pieces, got %d", len(pieces))
	}
	last := LengthMeters(pieces[3])
	if math.Abs(last-10) > 1.0 {
		t.Errorf("remainder length %.2fm, want ~10m", last)
	}
}

func TestSplitLineStringShorterThanTarget(t *testing.T) {
	pieces := SplitLineString(northLine(20), 50)
	if len(pieces) != 1 {
		t.Fatalf("expected 1 piece, got %d", len(pieces))
	}
	if l := LengthMeters(pieces[0]); math.Abs(l-20) > 1.0 {
		t.Errorf("length %.2fm, want ~20m", l)
	}
}

func TestSplitLineStringPiecesCoverWhole(t *testing.T) {
	// Multi-vertex line: cut points must not lose length.
	ls := orb.LineString{{0, 0}, {0.001, 0}, {0.001, 0.001}, {0.002, 0.001}}
	total := LengthMeters(ls)

	var sum float64
	for _, p := range SplitLineString(ls, 40) {
		sum += LengthMeters(p)
	}
	if math.Abs(sum-total) > 1.0 {
		t.Errorf("pieces sum to %.2fm, original is %.2fm", sum, total)
	}
}

func TestSplitLineStringDegenerate(t *testing.T) {
	if got := SplitLineString(orb.LineString{{0, 0}}, 50); got != nil {
		t.Errorf("single-point line: expected nil, got %v", got)
	}
}

func TestMetersToDegrees(t *testing.T) {
	d := MetersToDegrees(111320, 0)
	if math.Abs(d-1.0) > 0.001 {
		t.Errorf("111320m at equator = %.4f deg, want ~1", d)
	}
	// At 60N a degree of longitude is half as long.
	d = MetersToDegrees(111320, 60)
	if math.Abs(d-2.0) > 0.01 {
		t.Errorf("111320m at 60N = %.4f deg, want ~2", d)
	}
}

func TestRoundPoint(t *testing.T) {
	p := RoundPoint(orb.Point{-86.1234567, 39.7654321})
	want := orb.Point{-86.12346, 39.76543}
	if p != want {
		t.Errorf("got %v, want %v", p, want)
	}
}

func TestParseBbox(t *testing.T) {
	b, err := ParseBbox("-86.2,39.7,-86.1,39.8")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Min[0] != -86.2 || b.Max[1] != 39.8 {
		t.Errorf("unexpected bound: %v", b)
	}

	for _, bad := range []string{"", "1,2,3", "a,b,c,d", "1,2,0,3"} {
		if _, err := ParseBbox(bad); err == nil {
			t.Errorf("ParseBbox(%q): expected error", bad)
		}
	}
}

func TestExpandBound(t *testing.T) {
	b := orb.Bound{Min: orb.Point{-86.2, 39.7}, Max: orb.Point{-86.1, 39.8}}
	e := ExpandBound(b, 1000)
	if e.Min[0] >= b.Min[0] || e.Max[1] <= b.Max[1] {
		t.Errorf("bound did not grow: %v -> %v", b, e)
	}
}
