package osm2sim

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
)

func TestProjectOntoLine(t *testing.T) {
	line := orb.LineString{{0, 0}, {10, 0}, {10, 10}}
	type testCase struct {
		pt       orb.Point
		point    orb.Point
		distance float64
		offset   float64
		along    float64
		segment  int
	}
	cases := []testCase{
		{orb.Point{5, 1}, orb.Point{5, 0}, 1, 1, 5, 0},
		{orb.Point{5, -2}, orb.Point{5, 0}, 2, -2, 5, 0},
		{orb.Point{11, 5}, orb.Point{10, 5}, 1, -1, 15, 1},
		{orb.Point{-3, 4}, orb.Point{0, 0}, 5, 5, 0, 0},
		{orb.Point{10, 12}, orb.Point{10, 10}, 2, 2, 20, 1},
	}
	for i, c := range cases {
		proj := projectOntoLine(line, c.pt)
		if proj.point != c.point {
			t.Errorf("Case %d: closest point must be %v, but got %v", i, c.point, proj.point)
		}
		if math.Abs(proj.distance-c.distance) > 1e-9 {
			t.Errorf("Case %d: distance must be %f, but got %f", i, c.distance, proj.distance)
		}
		if math.Abs(proj.offset-c.offset) > 1e-9 {
			t.Errorf("Case %d: offset must be %f, but got %f", i, c.offset, proj.offset)
		}
		if math.Abs(proj.along-c.along) > 1e-9 {
			t.Errorf("Case %d: along must be %f, but got %f", i, c.along, proj.along)
		}
		if proj.segmentIdx != c.segment {
			t.Errorf("Case %d: segment must be %d, but got %d", i, c.segment, proj.segmentIdx)
		}
	}
}

func TestProjectOntoDegenerateLine(t *testing.T) {
	proj := projectOntoLine(orb.LineString{{3, 4}}, orb.Point{0, 0})
	if proj.distance != 5 {
		t.Errorf("Distance to single point line must be 5, but got %f", proj.distance)
	}
	proj = projectOntoLine(orb.LineString{}, orb.Point{0, 0})
	if !math.IsInf(proj.distance, 1) {
		t.Errorf("Distance to empty line must be +Inf, but got %f", proj.distance)
	}
}

func TestFindMiddlePoint(t *testing.T) {
	line := orb.LineString{{0, 0}, {2, 0}, {2, 4}}
	idx, pt := findMiddlePoint(line)
	if idx != 1 {
		t.Errorf("Index of point before middle must be 1, but got %d", idx)
	}
	correct := orb.Point{2, 1}
	if pt != correct {
		t.Errorf("Middle point must be %v, but got %v", correct, pt)
	}
	_, pt = findMiddlePoint(orb.LineString{{2, 2}, {2, 2}})
	if pt != (orb.Point{2, 2}) {
		t.Errorf("Middle point of zero-length line must be its first point, but got %v", pt)
	}
}

func TestRepresentativePoint(t *testing.T) {
	cases := []struct {
		geom  orb.Geometry
		point orb.Point
	}{
		{orb.Point{1, 2}, orb.Point{1, 2}},
		{orb.LineString{{0, 0}, {10, 0}}, orb.Point{5, 0}},
		{orb.Polygon{{{0, 0}, {4, 0}, {4, 2}, {0, 2}, {0, 0}}}, orb.Point{2, 1}},
		{orb.MultiPoint{{0, 0}, {2, 6}}, orb.Point{1, 3}},
	}
	for i, c := range cases {
		pt, err := representativePoint(c.geom)
		if err != nil {
			t.Errorf("Case %d: %s", i, err)
			continue
		}
		if pt != c.point {
			t.Errorf("Case %d: point must be %v, but got %v", i, c.point, pt)
		}
	}
	if _, err := representativePoint(nil); err == nil {
		t.Error("Nil geometry must give error")
	}
	if _, err := representativePoint(orb.LineString{}); err == nil {
		t.Error("Empty line must give error")
	}
	if _, err := representativePoint(orb.Ring{{0, 0}, {1, 1}, {0, 0}}); err == nil {
		t.Error("Ring must give error")
	}
}

func TestLineIntersectsPolygon(t *testing.T) {
	polygon := orb.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}}
	cases := []struct {
		line orb.LineString
		want bool
	}{
		{orb.LineString{{1, 1}, {2, 2}}, true},
		{orb.LineString{{-5, 5}, {15, 5}}, true},
		{orb.LineString{{-5, -5}, {-1, -1}}, false},
		{orb.LineString{{10, 12}, {10, 20}}, false},
		{orb.LineString{{10, 5}, {20, 5}}, true},
	}
	for i, c := range cases {
		if got := lineIntersectsPolygon(c.line, polygon); got != c.want {
			t.Errorf("Case %d: intersection must be %t, but got %t", i, c.want, got)
		}
	}
}
