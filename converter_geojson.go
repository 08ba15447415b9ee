package osm2sim

import (
	"math"

	geojson "github.com/paulmach/go.geojson"
	"github.com/paulmach/orb"
	"github.com/pkg/errors"
)

// elementToFeature returns GeoJSON representation of network element: Point for intersections, LineString for segments
func elementToFeature(element *NetworkElement) *geojson.Feature {
	var feature *geojson.Feature
	if element.Kind == ELEMENT_INTERSECTION || len(element.Geom) == 1 {
		pt := element.Geom[0]
		feature = geojson.NewPointFeature([]float64{pt.X(), pt.Y()})
	} else {
		pts2d := make([][]float64, len(element.Geom))
		for i, pt := range element.Geom {
			pts2d[i] = []float64{pt.X(), pt.Y()}
		}
		feature = geojson.NewLineStringFeature(pts2d)
	}
	feature.ID = int64(element.ID)
	feature.SetProperty("id", int64(element.ID))
	feature.SetProperty("kind", element.Kind.String())
	feature.SetProperty("source_node", element.SourceNode)
	feature.SetProperty("target_node", element.TargetNode)
	feature.SetProperty("road_class", element.RoadClass.String())
	feature.SetProperty("oneway", element.Oneway)
	if element.Name != "" {
		feature.SetProperty("name", element.Name)
	}
	return feature
}

// featureToElement is the inverse of elementToFeature
func featureToElement(feature *geojson.Feature) (NetworkElement, error) {
	element := NetworkElement{}
	id, err := propertyInt64(feature, "id")
	if err != nil {
		return element, errors.Wrap(err, "Can't read element ID")
	}
	element.ID = ElementID(id)
	kindName, err := feature.PropertyString("kind")
	if err != nil {
		return element, errors.Wrapf(err, "Element '%d'", id)
	}
	if element.Kind, err = ParseElementKind(kindName); err != nil {
		return element, errors.Wrapf(err, "Element '%d'", id)
	}
	source, err := propertyInt64(feature, "source_node")
	if err != nil {
		return element, errors.Wrapf(err, "Element '%d'", id)
	}
	target, err := propertyInt64(feature, "target_node")
	if err != nil {
		return element, errors.Wrapf(err, "Element '%d'", id)
	}
	element.SourceNode = source
	element.TargetNode = target
	roadClass, err := feature.PropertyString("road_class")
	if err != nil {
		return element, errors.Wrapf(err, "Element '%d'", id)
	}
	if element.RoadClass, err = ParseLinkType(roadClass); err != nil {
		return element, errors.Wrapf(err, "Element '%d'", id)
	}
	element.Oneway = feature.PropertyMustBool("oneway", false)
	element.Name = feature.PropertyMustString("name", "")

	geom, err := geometryFromGeoJSON(feature.Geometry)
	if err != nil {
		return element, errors.Wrapf(err, "Element '%d'", id)
	}
	switch g := geom.(type) {
	case orb.Point:
		element.Geom = orb.LineString{g}
	case orb.LineString:
		element.Geom = g
	default:
		return element, errors.Errorf("Element '%d' has unexpected geometry '%s'", id, geom.GeoJSONType())
	}
	return element, nil
}

// propertyInt64 reads integer property which could be decoded from JSON as float64
func propertyInt64(feature *geojson.Feature, key string) (int64, error) {
	switch v := feature.Properties[key].(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, errors.Errorf("Property '%s' must be integer, but got %f", key, v)
		}
		return int64(v), nil
	default:
		return 0, errors.Errorf("Property '%s' is missing or not a number", key)
	}
}
