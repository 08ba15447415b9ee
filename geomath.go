package osm2sim

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/pkg/errors"
)

// lineProjection is the result of perpendicular projection of a point onto polyline
type lineProjection struct {
	// Closest point on polyline
	point orb.Point
	// Euclidean distance from the query point to the closest point
	distance float64
	// Signed distance: positive when query point is on the left side of polyline direction
	offset float64
	// Distance along polyline from its first point to the closest point
	along float64
	// Index of the segment holding the closest point
	segmentIdx int
}

// projectOntoLine returns perpendicular projection of given point onto polyline.
// First segment wins when several segments are equally close.
//
// Note: Euclidean space
//
func projectOntoLine(line orb.LineString, pt orb.Point) lineProjection {
	if len(line) == 0 {
		return lineProjection{distance: math.Inf(1), offset: math.Inf(1)}
	}
	if len(line) == 1 {
		d := planar.Distance(line[0], pt)
		return lineProjection{point: line[0], distance: d, offset: d}
	}
	best := lineProjection{distance: math.Inf(1)}
	cumulative := 0.0
	for i := 1; i < len(line); i++ {
		p := line[i-1]
		q := line[i]
		segLen := planar.Distance(p, q)
		fraction := segmentFraction(p, q, pt)
		closest := pointOnSegmentByFraction(p, q, fraction)
		d := planar.Distance(closest, pt)
		if d < best.distance {
			side := 1.0
			if crossProduct(p, q, pt) < 0 {
				side = -1.0
			}
			best = lineProjection{
				point:      closest,
				distance:   d,
				offset:     side * d,
				along:      cumulative + fraction*segLen,
				segmentIdx: i - 1,
			}
		}
		cumulative += segLen
	}
	return best
}

// distanceToLine returns Euclidean distance between point and polyline
func distanceToLine(line orb.LineString, pt orb.Point) float64 {
	return projectOntoLine(line, pt).distance
}

// segmentFraction returns clamped position [0;1] of point's projection onto segment p->q
func segmentFraction(p, q, pt orb.Point) float64 {
	dx := q.X() - p.X()
	dy := q.Y() - p.Y()
	lenSquared := dx*dx + dy*dy
	if lenSquared == 0 {
		return 0
	}
	t := ((pt.X()-p.X())*dx + (pt.Y()-p.Y())*dy) / lenSquared
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}

// crossProduct returns z-component of (q - p) x (pt - p)
func crossProduct(p, q, pt orb.Point) float64 {
	return (q.X()-p.X())*(pt.Y()-p.Y()) - (q.Y()-p.Y())*(pt.X()-p.X())
}

// pointOnSegmentByFraction returns a point on given segment using fraction of its length
func pointOnSegmentByFraction(p, q orb.Point, fraction float64) orb.Point {
	return orb.Point{
		(1-fraction)*p.X() + (fraction * q.X()),
		(1-fraction)*p.Y() + (fraction * q.Y()),
	}
}

// findMiddlePoint returns middle point for give line (not center point) and index of point in line right before middle one
// Purpose of returning index of point in line right before middle point is to give the ability to split line in a half
func findMiddlePoint(line orb.LineString) (int, orb.Point) {
	if len(line) == 0 {
		return 0, orb.Point{}
	}
	halfDistance := planar.Length(line) / 2.0
	if halfDistance == 0 {
		return 0, line[0]
	}
	cl := 0.0
	ol := 0.0
	for i := 1; i < len(line); i++ {
		ol = cl
		tmpDist := planar.Distance(line[i-1], line[i])
		cl += tmpDist
		if halfDistance <= cl && halfDistance > ol {
			halfSub := halfDistance - ol
			return i - 1, pointOnSegmentByFraction(line[i-1], line[i], halfSub/tmpDist)
		}
	}
	return len(line) - 2, line[len(line)-1]
}

// representativePoint returns a point used for matching given geometry:
// the point itself, the length-midpoint of line or the center of the bound for anything else
func representativePoint(geom orb.Geometry) (orb.Point, error) {
	switch g := geom.(type) {
	case orb.Point:
		return g, nil
	case orb.LineString:
		if len(g) == 0 {
			return orb.Point{}, errors.New("Empty line geometry")
		}
		_, mid := findMiddlePoint(g)
		return mid, nil
	case orb.Polygon:
		if len(g) == 0 || len(g[0]) == 0 {
			return orb.Point{}, errors.New("Empty polygon geometry")
		}
		return g.Bound().Center(), nil
	case orb.MultiPoint:
		if len(g) == 0 {
			return orb.Point{}, errors.New("Empty multipoint geometry")
		}
		return g.Bound().Center(), nil
	case nil:
		return orb.Point{}, errors.New("Nil geometry")
	default:
		return orb.Point{}, errors.Errorf("Geometry type '%s' is not handled yet", geom.GeoJSONType())
	}
}

// isFinitePoint checks that both coordinates are neither NaN nor infinite
func isFinitePoint(pt orb.Point) bool {
	return !math.IsNaN(pt.X()) && !math.IsNaN(pt.Y()) && !math.IsInf(pt.X(), 0) && !math.IsInf(pt.Y(), 0)
}

// orientation returns sign of turn p -> q -> r: 1 counterclockwise, -1 clockwise, 0 collinear
func orientation(p, q, r orb.Point) int {
	v := crossProduct(p, q, r)
	if v > 0 {
		return 1
	}
	if v < 0 {
		return -1
	}
	return 0
}

// onSegment checks if collinear point r lies on segment p-q
func onSegment(p, q, r orb.Point) bool {
	return r.X() <= math.Max(p.X(), q.X()) && r.X() >= math.Min(p.X(), q.X()) &&
		r.Y() <= math.Max(p.Y(), q.Y()) && r.Y() >= math.Min(p.Y(), q.Y())
}

// segmentsIntersect checks if segments p1-p2 and p3-p4 have at least one common point
func segmentsIntersect(p1, p2, p3, p4 orb.Point) bool {
	o1 := orientation(p1, p2, p3)
	o2 := orientation(p1, p2, p4)
	o3 := orientation(p3, p4, p1)
	o4 := orientation(p3, p4, p2)
	if o1 != o2 && o3 != o4 {
		return true
	}
	if o1 == 0 && onSegment(p1, p2, p3) {
		return true
	}
	if o2 == 0 && onSegment(p1, p2, p4) {
		return true
	}
	if o3 == 0 && onSegment(p3, p4, p1) {
		return true
	}
	if o4 == 0 && onSegment(p3, p4, p2) {
		return true
	}
	return false
}

// lineIntersectsPolygon checks if polyline has a vertex inside polygon or crosses any of its rings
func lineIntersectsPolygon(line orb.LineString, polygon orb.Polygon) bool {
	for _, pt := range line {
		if planar.PolygonContains(polygon, pt) {
			return true
		}
	}
	for _, ring := range polygon {
		for i := 1; i < len(ring); i++ {
			for j := 1; j < len(line); j++ {
				if segmentsIntersect(ring[i-1], ring[i], line[j-1], line[j]) {
					return true
				}
			}
		}
	}
	return false
}
