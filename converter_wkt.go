package osm2sim

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/pkg/errors"
)

// elementWKT returns WKT representation of element: POINT for intersections, LINESTRING for segments
func elementWKT(element *NetworkElement) string {
	if element.Kind == ELEMENT_INTERSECTION || len(element.Geom) == 1 {
		return wkt.MarshalString(element.Geom[0])
	}
	return wkt.MarshalString(element.Geom)
}

// ParseBoundaryWKT parses clip region. Both POLYGON and MULTIPOLYGON (first polygon only) are accepted
func ParseBoundaryWKT(text string) (orb.Polygon, error) {
	geom, err := wkt.Unmarshal(text)
	if err != nil {
		return nil, errors.Wrap(err, "Can't parse boundary WKT")
	}
	switch g := geom.(type) {
	case orb.Polygon:
		return g, nil
	case orb.MultiPolygon:
		if len(g) == 0 {
			return nil, errors.New("Empty boundary multipolygon")
		}
		return g[0], nil
	default:
		return nil, errors.Errorf("Boundary must be POLYGON, but got '%s'", geom.GeoJSONType())
	}
}

// ExportCSV writes network elements sorted by ID as 'Comma-Separated Values' with ';' delimiter
func (net *Network) ExportCSV(w io.Writer) error {
	writer := csv.NewWriter(w)
	writer.Comma = ';'
	// 		element_id - int64, ID of element
	// 		kind - segment / intersection
	// 		source_node, target_node - int64, IDs of graph vertices
	// 		road_class - string, class of road
	// 		oneway - bool
	// 		name - string
	// 		geom - WKT
	err := writer.Write([]string{"element_id", "kind", "source_node", "target_node", "road_class", "oneway", "name", "geom"})
	if err != nil {
		return errors.Wrap(err, "Can't write header")
	}
	order := make([]int, len(net.Elements))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		return net.Elements[order[i]].ID < net.Elements[order[j]].ID
	})
	for _, idx := range order {
		element := &net.Elements[idx]
		err = writer.Write([]string{
			fmt.Sprintf("%d", element.ID),
			element.Kind.String(),
			fmt.Sprintf("%d", element.SourceNode),
			fmt.Sprintf("%d", element.TargetNode),
			element.RoadClass.String(),
			fmt.Sprintf("%t", element.Oneway),
			element.Name,
			elementWKT(element),
		})
		if err != nil {
			return errors.Wrap(err, "Can't write element")
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return errors.Wrap(err, "Can't flush elements")
	}
	return nil
}
