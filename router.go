package osm2sim

import (
	"log/slog"
	"sync"
	"time"

	"github.com/LdDl/ch"
	"github.com/paulmach/orb"
	"github.com/pkg/errors"
)

// Router returns travel distance between two points. Implementations must be safe for concurrent use
type Router interface {
	Distance(from, to orb.Point) (float64, bool)
}

// CHRouter computes network distances with contraction hierarchies over segments of the network
type CHRouter struct {
	mu       sync.Mutex
	graph    ch.Graph
	index    *SpatialIndex
	elements map[ElementID]*NetworkElement
	// Coordinate system of the network. Costs are always meters
	crs CoordinateSystem
	// Max distance for snapping points to the network
	snapDistance float64
}

// NewCHRouter prepares contraction hierarchies over segments. Segment length in meters is used as edge weight:
// lon/lat and mercator geometries are measured on the sphere
func NewCHRouter(net *Network, index *SpatialIndex, snapDistance float64, logger *slog.Logger) (*CHRouter, error) {
	if net == nil || len(net.Elements) == 0 || index == nil {
		return nil, ErrEmptyNetwork
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	router := &CHRouter{
		graph:        ch.Graph{},
		index:        index,
		elements:     net.elementsByID(),
		crs:          net.CRS,
		snapDistance: snapDistance,
	}
	st := time.Now()
	vertices := make(map[int64]struct{})
	createVertex := func(id int64) error {
		if _, ok := vertices[id]; ok {
			return nil
		}
		vertices[id] = struct{}{}
		return router.graph.CreateVertex(id)
	}
	edges := 0
	for i := range net.Elements {
		element := &net.Elements[i]
		if element.Kind != ELEMENT_SEGMENT || element.SourceNode == element.TargetNode {
			continue
		}
		if err := createVertex(element.SourceNode); err != nil {
			return nil, errors.Wrap(err, "Can't create source vertex")
		}
		if err := createVertex(element.TargetNode); err != nil {
			return nil, errors.Wrap(err, "Can't create target vertex")
		}
		cost := LengthMeters(element.Geom, router.crs)
		if err := router.graph.AddEdge(element.SourceNode, element.TargetNode, cost); err != nil {
			return nil, errors.Wrap(err, "Can't add forward edge")
		}
		edges++
		if !element.Oneway {
			if err := router.graph.AddEdge(element.TargetNode, element.SourceNode, cost); err != nil {
				return nil, errors.Wrap(err, "Can't add backward edge")
			}
			edges++
		}
	}
	if edges == 0 {
		return nil, errors.Wrap(ErrEmptyNetwork, "No segments with distinct endpoints")
	}
	router.graph.PrepareContractionHierarchies()
	logger.Info("contraction hierarchies prepared", "vertices", len(vertices), "edges", edges, "elapsed", time.Since(st))
	return router, nil
}

// snap returns segment closest to the point and distance along it
func (router *CHRouter) snap(pt orb.Point) (*NetworkElement, lineProjection, bool) {
	id, _, ok := router.index.NearestFunc(pt, router.snapDistance, func(_ ElementID, kind ElementKind) bool {
		return kind == ELEMENT_SEGMENT
	})
	if !ok {
		return nil, lineProjection{}, false
	}
	element := router.elements[id]
	if element == nil {
		return nil, lineProjection{}, false
	}
	return element, projectOntoLine(element.Geom, pt), true
}

// Distance snaps both points to the closest segments and returns shortest path length in meters between them.
// Snapping distances are not included. Second value is false when points can't be snapped or are not connected
func (router *CHRouter) Distance(from, to orb.Point) (float64, bool) {
	source, sourceProj, ok := router.snap(from)
	if !ok {
		return 0, false
	}
	target, targetProj, ok := router.snap(to)
	if !ok {
		return 0, false
	}
	sourceAlong := alongMeters(source.Geom, sourceProj, router.crs)
	targetAlong := alongMeters(target.Geom, targetProj, router.crs)
	if source.ID == target.ID {
		d := targetAlong - sourceAlong
		if d >= 0 || !source.Oneway {
			if d < 0 {
				d = -d
			}
			return d, true
		}
	}
	sourceLength := LengthMeters(source.Geom, router.crs)
	targetLength := LengthMeters(target.Geom, router.crs)

	// Leave source segment through its target node (and through its source node for two-way segments);
	// enter target segment through its source node (and through its target node for two-way segments)
	type exit struct {
		vertex int64
		cost   float64
	}
	exits := []exit{{source.TargetNode, sourceLength - sourceAlong}}
	if !source.Oneway {
		exits = append(exits, exit{source.SourceNode, sourceAlong})
	}
	entries := []exit{{target.SourceNode, targetAlong}}
	if !target.Oneway {
		entries = append(entries, exit{target.TargetNode, targetLength - targetAlong})
	}

	best := -1.0
	router.mu.Lock()
	defer router.mu.Unlock()
	for _, out := range exits {
		for _, in := range entries {
			cost := 0.0
			if out.vertex != in.vertex {
				var path []int64
				cost, path = router.graph.ShortestPath(out.vertex, in.vertex)
				if cost < 0 || len(path) == 0 {
					continue
				}
			}
			total := out.cost + cost + in.cost
			if best < 0 || total < best {
				best = total
			}
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}
