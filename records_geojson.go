package osm2sim

import (
	"fmt"
	"io"

	geojson "github.com/paulmach/go.geojson"
	"github.com/paulmach/orb"
	"github.com/pkg/errors"
)

// ReadRecordsGeoJSON reads external records from GeoJSON FeatureCollection.
//
// Feature ID is taken from 'id' member or 'id' property; features without it get '<source>/<index>'.
// Optional 'kind' property overrides defaultKind. Every other property goes to payload.
//
func ReadRecordsGeoJSON(r io.Reader, source string, defaultKind RecordKind, crs CoordinateSystem) ([]ExternalRecord, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "Can't read GeoJSON")
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptRecord, "Can't parse GeoJSON: %v", err)
	}
	records := make([]ExternalRecord, 0, len(fc.Features))
	for i, feature := range fc.Features {
		geom, err := geometryFromGeoJSON(feature.Geometry)
		if err != nil {
			return nil, errors.Wrapf(ErrCorruptRecord, "Feature #%d of source '%s': %v", i, source, err)
		}
		record := ExternalRecord{
			ID:      featureRecordID(feature, source, i),
			Kind:    defaultKind,
			Source:  source,
			CRS:     crs,
			Geom:    geom,
			Payload: make(map[string]string, len(feature.Properties)),
		}
		for key, value := range feature.Properties {
			switch key {
			case "id":
				continue
			case "kind":
				kind, err := ParseRecordKind(fmt.Sprint(value))
				if err != nil {
					return nil, errors.Wrapf(ErrCorruptRecord, "Feature #%d of source '%s': %v", i, source, err)
				}
				record.Kind = kind
			default:
				record.Payload[key] = fmt.Sprint(value)
			}
		}
		records = append(records, record)
	}
	return records, nil
}

func featureRecordID(feature *geojson.Feature, source string, idx int) RecordID {
	if feature.ID != nil {
		return RecordID(fmt.Sprint(feature.ID))
	}
	if value, ok := feature.Properties["id"]; ok && value != nil {
		return RecordID(fmt.Sprint(value))
	}
	return RecordID(fmt.Sprintf("%s/%d", source, idx))
}

// geometryFromGeoJSON converts GeoJSON geometry into orb one
func geometryFromGeoJSON(g *geojson.Geometry) (orb.Geometry, error) {
	if g == nil {
		return nil, errors.New("Missing geometry")
	}
	switch g.Type {
	case geojson.GeometryPoint:
		if len(g.Point) < 2 {
			return nil, errors.New("Point must have at least 2 coordinates")
		}
		return orb.Point{g.Point[0], g.Point[1]}, nil
	case geojson.GeometryLineString:
		line, err := lineFromCoordinates(g.LineString)
		if err != nil {
			return nil, err
		}
		return line, nil
	case geojson.GeometryMultiPoint:
		line, err := lineFromCoordinates(g.MultiPoint)
		if err != nil {
			return nil, err
		}
		return orb.MultiPoint(line), nil
	case geojson.GeometryPolygon:
		polygon := make(orb.Polygon, 0, len(g.Polygon))
		for _, coords := range g.Polygon {
			ring, err := lineFromCoordinates(coords)
			if err != nil {
				return nil, err
			}
			polygon = append(polygon, orb.Ring(ring))
		}
		return polygon, nil
	default:
		return nil, errors.Errorf("Geometry type '%s' is not handled yet", g.Type)
	}
}

func lineFromCoordinates(coords [][]float64) (orb.LineString, error) {
	if len(coords) == 0 {
		return nil, errors.New("Empty coordinates")
	}
	line := make(orb.LineString, len(coords))
	for i, coord := range coords {
		if len(coord) < 2 {
			return nil, errors.Errorf("Coordinate #%d must have at least 2 values", i)
		}
		line[i] = orb.Point{coord[0], coord[1]}
	}
	return line, nil
}
