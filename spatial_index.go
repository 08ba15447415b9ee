package osm2sim

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"
)

const (
	DEFAULT_LEAF_CAPACITY = 8
	DEFAULT_MAX_DEPTH     = 16
	// Distances closer than this are considered equal; lower element ID wins
	TIE_EPSILON = 1e-9
)

// SpatialIndex is a bounding-box quadtree over network elements. It is read-only after build.
type SpatialIndex struct {
	root         *quadNode
	entries      []indexEntry
	extent       orb.Bound
	leafCapacity int
	maxDepth     int
}

type indexEntry struct {
	id    ElementID
	kind  ElementKind
	bound orb.Bound
	geom  orb.LineString
}

type quadNode struct {
	bound    orb.Bound
	entries  []int
	children []*quadNode
}

// Candidate is an element found close to the query point
type Candidate struct {
	ID       ElementID
	Point    orb.Point
	Distance float64
}

// BuildSpatialIndex builds quadtree over given elements. Every element gets exactly one entry.
func BuildSpatialIndex(elements []NetworkElement, options ...func(*SpatialIndex)) (*SpatialIndex, error) {
	if len(elements) == 0 {
		return nil, ErrEmptyNetwork
	}
	index := &SpatialIndex{
		entries:      make([]indexEntry, 0, len(elements)),
		leafCapacity: DEFAULT_LEAF_CAPACITY,
		maxDepth:     DEFAULT_MAX_DEPTH,
	}
	for _, option := range options {
		option(index)
	}
	if index.leafCapacity < 1 {
		index.leafCapacity = 1
	}

	seen := make(map[ElementID]struct{}, len(elements))
	for i := range elements {
		element := &elements[i]
		if _, ok := seen[element.ID]; ok {
			return nil, errors.Errorf("Duplicate network element ID '%d'", element.ID)
		}
		seen[element.ID] = struct{}{}
		if len(element.Geom) == 0 {
			return nil, errors.Errorf("Network element '%d' has empty geometry", element.ID)
		}
		bound := element.Bound()
		if len(index.entries) == 0 {
			index.extent = bound
		} else {
			index.extent = index.extent.Union(bound)
		}
		index.entries = append(index.entries, indexEntry{
			id:    element.ID,
			kind:  element.Kind,
			bound: bound,
			geom:  element.Geom,
		})
	}
	// Sorting by ID makes tree layout independent of input order
	sort.Slice(index.entries, func(i, j int) bool {
		return index.entries[i].id < index.entries[j].id
	})
	if index.extent.Max.X()-index.extent.Min.X() == 0 || index.extent.Max.Y()-index.extent.Min.Y() == 0 {
		index.extent = index.extent.Pad(1)
	}

	all := make([]int, len(index.entries))
	for i := range all {
		all[i] = i
	}
	index.root = index.partition(index.extent, all, 0)
	return index, nil
}

// WithLeafCapacity sets max number of entries kept by a leaf before it is split
func WithLeafCapacity(capacity int) func(*SpatialIndex) {
	return func(index *SpatialIndex) {
		index.leafCapacity = capacity
	}
}

// WithMaxDepth sets max depth of the tree
func WithMaxDepth(depth int) func(*SpatialIndex) {
	return func(index *SpatialIndex) {
		index.maxDepth = depth
	}
}

// partition recursively splits entries into quadrants. Entries straddling a split line stay in the node.
func (index *SpatialIndex) partition(bound orb.Bound, entries []int, depth int) *quadNode {
	node := &quadNode{bound: bound}
	if len(entries) <= index.leafCapacity || depth >= index.maxDepth {
		node.entries = entries
		return node
	}
	quadrants := splitBound(bound)
	buckets := make([][]int, 4)
	for _, entryIdx := range entries {
		placed := false
		for q := range quadrants {
			if boundContains(quadrants[q], index.entries[entryIdx].bound) {
				buckets[q] = append(buckets[q], entryIdx)
				placed = true
				break
			}
		}
		if !placed {
			node.entries = append(node.entries, entryIdx)
		}
	}
	if len(node.entries) == len(entries) {
		// Nothing fits into quadrants: do not go deeper
		return node
	}
	node.children = make([]*quadNode, 4)
	for q := range quadrants {
		node.children[q] = index.partition(quadrants[q], buckets[q], depth+1)
	}
	return node
}

func splitBound(bound orb.Bound) [4]orb.Bound {
	center := bound.Center()
	return [4]orb.Bound{
		{Min: bound.Min, Max: center},
		{Min: orb.Point{center.X(), bound.Min.Y()}, Max: orb.Point{bound.Max.X(), center.Y()}},
		{Min: orb.Point{bound.Min.X(), center.Y()}, Max: orb.Point{center.X(), bound.Max.Y()}},
		{Min: center, Max: bound.Max},
	}
}

// boundContains checks if inner bound is fully inside outer one (borders included)
func boundContains(outer, inner orb.Bound) bool {
	return inner.Min.X() >= outer.Min.X() && inner.Min.Y() >= outer.Min.Y() &&
		inner.Max.X() <= outer.Max.X() && inner.Max.Y() <= outer.Max.Y()
}

// Len returns number of indexed elements
func (index *SpatialIndex) Len() int {
	return len(index.entries)
}

// Extent returns bound of all indexed elements
func (index *SpatialIndex) Extent() orb.Bound {
	return index.extent
}

// Query returns IDs of elements whose bounding box intersects given one. Result is sorted by ID.
// It may contain elements which geometry does not touch the box, but never misses one that does.
func (index *SpatialIndex) Query(bbox orb.Bound) []ElementID {
	found := index.query(bbox, nil)
	ids := make([]ElementID, len(found))
	for i, entryIdx := range found {
		ids[i] = index.entries[entryIdx].id
	}
	return ids
}

func (index *SpatialIndex) query(bbox orb.Bound, dst []int) []int {
	stack := []*quadNode{index.root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !node.bound.Intersects(bbox) {
			continue
		}
		for _, entryIdx := range node.entries {
			if index.entries[entryIdx].bound.Intersects(bbox) {
				dst = append(dst, entryIdx)
			}
		}
		stack = append(stack, node.children...)
	}
	// Entries are sorted by ID, so are their positions
	sort.Ints(dst)
	return dst
}

// Nearest returns closest element within maxDistance from given point
func (index *SpatialIndex) Nearest(pt orb.Point, maxDistance float64) (ElementID, float64, bool) {
	return index.NearestFunc(pt, maxDistance, nil)
}

// NearestFunc is the same as Nearest but considers only elements accepted by filter (if provided)
//
// Search radius starts from the size of the leaf holding the point and doubles until
// a candidate within radius is met or maxDistance is exceeded
//
func (index *SpatialIndex) NearestFunc(pt orb.Point, maxDistance float64, accept func(ElementID, ElementKind) bool) (ElementID, float64, bool) {
	if math.IsNaN(maxDistance) || maxDistance < 0 || !isFinitePoint(pt) {
		return 0, 0, false
	}
	radius := math.Min(index.initialRadius(pt), maxDistance)
	var candidates []int
	for {
		candidates = index.query(pointBound(pt, radius), candidates[:0])
		bestID, bestDist, found := index.closestOf(candidates, pt, radius, accept)
		if found {
			return bestID, bestDist, true
		}
		if radius >= maxDistance {
			return 0, 0, false
		}
		radius = math.Min(radius*2, maxDistance)
	}
}

// closestOf picks the closest entry not farther than radius. Ties are broken by lower ID.
func (index *SpatialIndex) closestOf(candidates []int, pt orb.Point, radius float64, accept func(ElementID, ElementKind) bool) (ElementID, float64, bool) {
	var bestID ElementID
	bestDist := math.Inf(1)
	found := false
	for _, entryIdx := range candidates {
		entry := &index.entries[entryIdx]
		if accept != nil && !accept(entry.id, entry.kind) {
			continue
		}
		d := distanceToLine(entry.geom, pt)
		if d > radius {
			continue
		}
		if !found || d < bestDist-TIE_EPSILON || (math.Abs(d-bestDist) <= TIE_EPSILON && entry.id < bestID) {
			bestID = entry.id
			bestDist = d
			found = true
		}
	}
	return bestID, bestDist, found
}

// initialRadius returns half of the smaller side of the deepest node containing the point
func (index *SpatialIndex) initialRadius(pt orb.Point) float64 {
	node := index.root
	if node.bound.Contains(pt) {
		for len(node.children) > 0 {
			next := node
			for _, child := range node.children {
				if child.bound.Contains(pt) {
					next = child
					break
				}
			}
			if next == node {
				break
			}
			node = next
		}
	}
	width := node.bound.Max.X() - node.bound.Min.X()
	height := node.bound.Max.Y() - node.bound.Min.Y()
	radius := math.Min(width, height) / 2
	if radius <= 0 {
		radius = 1
	}
	return radius
}

// AllWithin returns every element within maxDistance from point with the closest point on it.
// Result is sorted by distance, then by ID.
func (index *SpatialIndex) AllWithin(pt orb.Point, maxDistance float64) []Candidate {
	if math.IsNaN(maxDistance) || maxDistance < 0 || !isFinitePoint(pt) {
		return nil
	}
	found := index.query(pointBound(pt, maxDistance), nil)
	result := make([]Candidate, 0, len(found))
	for _, entryIdx := range found {
		entry := &index.entries[entryIdx]
		proj := projectOntoLine(entry.geom, pt)
		if proj.distance <= maxDistance {
			result = append(result, Candidate{ID: entry.id, Point: proj.point, Distance: proj.distance})
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if math.Abs(result[i].Distance-result[j].Distance) > TIE_EPSILON {
			return result[i].Distance < result[j].Distance
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// InsidePolygon returns IDs of elements having at least one common point with polygon. Result is sorted by ID.
func (index *SpatialIndex) InsidePolygon(polygon orb.Polygon) []ElementID {
	if len(polygon) == 0 {
		return nil
	}
	found := index.query(polygon.Bound(), nil)
	ids := make([]ElementID, 0, len(found))
	for _, entryIdx := range found {
		entry := &index.entries[entryIdx]
		if lineIntersectsPolygon(entry.geom, polygon) {
			ids = append(ids, entry.id)
		}
	}
	return ids
}

func pointBound(pt orb.Point, radius float64) orb.Bound {
	return orb.Bound{
		Min: orb.Point{pt.X() - radius, pt.Y() - radius},
		Max: orb.Point{pt.X() + radius, pt.Y() + radius},
	}
}
