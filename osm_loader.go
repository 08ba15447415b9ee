package osm2sim

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
	"github.com/paulmach/osm/osmxml"
	"github.com/pkg/errors"
)

// OSM_RECORDS_SOURCE is the source name of records extracted from OSM nodes
const OSM_RECORDS_SOURCE = "osm"

type OSMScanner interface {
	Scan() bool
	Close() error
	Err() error
	Object() osm.Object
}

// newScanner guesses file format by extension
func newScanner(ctx context.Context, file io.Reader, filename string) (OSMScanner, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".osm", ".xml":
		return osmxml.New(ctx, file), nil
	case ".pbf":
		return osmpbf.New(ctx, file, 4), nil
	default:
		return nil, fmt.Errorf("File extension '%s' for file '%s' is not handled yet", ext, filename)
	}
}

// wayData is filtered OSM way with resolved direction
type wayData struct {
	ID      osm.WayID
	Oneway  bool
	Nodes   []osm.NodeID
	highway HighwayType
	name    string
}

var junctionTypes = map[string]struct{}{
	"circular":   {},
	"roundabout": {},
}

// LoadNetworkFromOSM reads OSM file (.osm, .xml or .pbf) and builds network: ways are split into segments at shared
// nodes, nodes joining three or more segments (or signalized) become intersections.
// Segments are numbered from 1 in file order, intersections follow in node ID order.
// When cfg.ExtractRecords is set tagged nodes (amenities, parking, traffic signals) are returned as external records
func LoadNetworkFromOSM(ctx context.Context, filename string, cfg *OsmConfiguration, logger *slog.Logger) (*Network, []ExternalRecord, error) {
	if cfg == nil {
		cfg = DefaultOsmConfiguration()
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, errors.Wrap(err, "Bad OSM configuration")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	file, err := os.Open(filename)
	if err != nil {
		return nil, nil, errors.Wrap(err, "File open")
	}
	defer file.Close()

	/* Process ways */
	st := time.Now()
	ways, nodesSeen, err := scanWays(ctx, file, filename, cfg)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("ways scanned", "ways", len(ways), "elapsed", time.Since(st))

	// Seek file to start
	_, err = file.Seek(0, io.SeekStart)
	if err != nil {
		return nil, nil, errors.Wrap(err, "Can't repeat seeking after ways scanning")
	}

	/* Process nodes */
	st = time.Now()
	nodes, records, err := scanNodes(ctx, file, filename, cfg, nodesSeen)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("nodes scanned", "nodes", len(nodes), "records", len(records), "elapsed", time.Since(st))

	st = time.Now()
	net, err := buildNetwork(ways, nodes, cfg)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Project {
		for i := range records {
			records[i].Geom = transformGeometry(records[i].Geom, TransformWGS84ToWebMercator.Project)
			records[i].CRS = CRS_WEB_MERCATOR
		}
	}
	logger.Info("network prepared", "elements", len(net.Elements), "crs", net.CRS.String(), "elapsed", time.Since(st))
	return net, records, nil
}

func scanWays(ctx context.Context, file io.Reader, filename string, cfg *OsmConfiguration) ([]*wayData, map[osm.NodeID]struct{}, error) {
	scannerWays, err := newScanner(ctx, file, filename)
	if err != nil {
		return nil, nil, err
	}
	defer scannerWays.Close()

	ways := []*wayData{}
	nodesSeen := make(map[osm.NodeID]struct{})
	for scannerWays.Scan() {
		obj := scannerWays.Object()
		if obj.ObjectID().Type() != "way" {
			continue
		}
		way := obj.(*osm.Way)
		tag := way.Tags.Find(cfg.EntityName)
		if tag == "" || !cfg.CheckTag(tag) {
			continue
		}
		if way.Tags.Find("area") == "yes" || len(way.Nodes) < 2 {
			continue
		}
		oneway := false
		isReversed := false
		onewayText := way.Tags.Find("oneway")
		if onewayText != "" {
			if onewayText == "yes" || onewayText == "1" {
				oneway = true
			} else if onewayText == "-1" {
				oneway = true
				isReversed = true
			}
			// 'no', '0', reversible and alternating ways are two-way
		} else if _, ok := junctionTypes[way.Tags.Find("junction")]; ok {
			oneway = true
		}
		preparedWay := &wayData{
			ID:      way.ID,
			Oneway:  oneway,
			Nodes:   make([]osm.NodeID, 0, len(way.Nodes)),
			highway: getHighwayType(tag),
			name:    way.Tags.Find("name"),
		}
		// Mark way's nodes as seen to remove isolated nodes in further
		for _, node := range way.Nodes {
			nodesSeen[node.ID] = struct{}{}
			preparedWay.Nodes = append(preparedWay.Nodes, node.ID)
		}
		if isReversed {
			for i, j := 0, len(preparedWay.Nodes)-1; i < j; i, j = i+1, j-1 {
				preparedWay.Nodes[i], preparedWay.Nodes[j] = preparedWay.Nodes[j], preparedWay.Nodes[i]
			}
		}
		ways = append(ways, preparedWay)
	}
	if err := scannerWays.Err(); err != nil {
		return nil, nil, errors.Wrap(err, "Scanner error on Ways")
	}
	return ways, nodesSeen, nil
}

func scanNodes(ctx context.Context, file io.Reader, filename string, cfg *OsmConfiguration, nodesSeen map[osm.NodeID]struct{}) (map[osm.NodeID]*Node, []ExternalRecord, error) {
	scannerNodes, err := newScanner(ctx, file, filename)
	if err != nil {
		return nil, nil, err
	}
	defer scannerNodes.Close()

	nodes := make(map[osm.NodeID]*Node, len(nodesSeen))
	records := []ExternalRecord{}
	for scannerNodes.Scan() {
		obj := scannerNodes.Object()
		if obj.ObjectID().Type() != "node" {
			continue
		}
		node := obj.(*osm.Node)
		if cfg.ExtractRecords {
			if kind, ok := recordKindOfNode(node.Tags); ok {
				records = append(records, nodeRecord(node, kind))
			}
		}
		if _, ok := nodesSeen[node.ID]; !ok {
			continue
		}
		controlType := NOT_SIGNAL
		if node.Tags.Find("highway") == "traffic_signals" {
			controlType = IS_SIGNAL
		}
		nodes[node.ID] = &Node{
			ID:          node.ID,
			Point:       orb.Point{node.Lon, node.Lat},
			name:        node.Tags.Find("name"),
			controlType: controlType,
		}
	}
	if err := scannerNodes.Err(); err != nil {
		return nil, nil, errors.Wrap(err, "Scanner error on Nodes")
	}
	return nodes, records, nil
}

func nodeRecord(node *osm.Node, kind RecordKind) ExternalRecord {
	payload := make(map[string]string, len(node.Tags))
	for _, tag := range node.Tags {
		payload[tag.Key] = tag.Value
	}
	return ExternalRecord{
		ID:      RecordID(fmt.Sprintf("node/%d", node.ID)),
		Kind:    kind,
		Source:  OSM_RECORDS_SOURCE,
		CRS:     CRS_WGS84,
		Geom:    orb.Point{node.Lon, node.Lat},
		Payload: payload,
	}
}

// buildNetwork splits ways at nodes used more than once and numbers resulting elements
func buildNetwork(ways []*wayData, nodes map[osm.NodeID]*Node, cfg *OsmConfiguration) (*Network, error) {
	for _, way := range ways {
		for i, nodeID := range way.Nodes {
			node, ok := nodes[nodeID]
			if !ok {
				return nil, errors.Errorf("Missing node with id: %d (way %d)", nodeID, way.ID)
			}
			if i == 0 || i == len(way.Nodes)-1 {
				node.useCount += 2
			} else {
				node.useCount++
			}
		}
	}

	net := &Network{CRS: cfg.CRS()}
	nextID := ElementID(1)
	for _, way := range ways {
		source := way.Nodes[0]
		geometry := orb.LineString{nodes[source].Point}
		for i := 1; i < len(way.Nodes); i++ {
			node := nodes[way.Nodes[i]]
			geometry = append(geometry, node.Point)
			if node.useCount <= 1 && i != len(way.Nodes)-1 {
				continue
			}
			if cfg.Project {
				geometry = lineToProjection(geometry, TransformWGS84ToWebMercator.Project)
			}
			net.Elements = append(net.Elements, NetworkElement{
				ID:         nextID,
				Kind:       ELEMENT_SEGMENT,
				Geom:       geometry,
				SourceNode: int64(source),
				TargetNode: int64(node.ID),
				RoadClass:  linkTypeOf(way.highway),
				Oneway:     way.Oneway,
				Name:       way.name,
			})
			nextID++
			nodes[source].degree++
			node.degree++
			source = node.ID
			geometry = orb.LineString{node.Point}
		}
	}

	intersections := make([]*Node, 0)
	for _, node := range nodes {
		if node.isIntersection() {
			intersections = append(intersections, node)
		}
	}
	sort.Slice(intersections, func(i, j int) bool {
		return intersections[i].ID < intersections[j].ID
	})
	for _, node := range intersections {
		pt := node.Point
		if cfg.Project {
			pt = TransformWGS84ToWebMercator.Project(pt)
		}
		net.Elements = append(net.Elements, NetworkElement{
			ID:         nextID,
			Kind:       ELEMENT_INTERSECTION,
			Geom:       orb.LineString{pt},
			SourceNode: int64(node.ID),
			TargetNode: int64(node.ID),
			Name:       node.name,
		})
		nextID++
	}
	if len(net.Elements) == 0 {
		return nil, errors.Wrap(ErrEmptyNetwork, "No ways matched configured tags")
	}
	return net, nil
}
