package osm2sim

import (
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/project"
	"github.com/pkg/errors"
)

// CoordinateSystem is the declared coordinate reference system of a network or a dataset
type CoordinateSystem uint16

const (
	CRS_WGS84 = CoordinateSystem(iota + 1)
	CRS_WEB_MERCATOR
	CRS_PLANAR
	CRS_UNDEFINED = CoordinateSystem(0)
)

func (iotaIdx CoordinateSystem) String() string {
	return [...]string{"undefined", "EPSG:4326", "EPSG:3857", "planar"}[iotaIdx]
}

// MarshalText implements encoding.TextMarshaler
func (iotaIdx CoordinateSystem) MarshalText() ([]byte, error) {
	return []byte(iotaIdx.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (iotaIdx *CoordinateSystem) UnmarshalText(text []byte) error {
	crs, err := ParseCoordinateSystem(string(text))
	if err != nil {
		return err
	}
	*iotaIdx = crs
	return nil
}

var coordinateSystems = map[string]CoordinateSystem{
	"epsg:4326":    CRS_WGS84,
	"wgs84":        CRS_WGS84,
	"epsg:3857":    CRS_WEB_MERCATOR,
	"mercator":     CRS_WEB_MERCATOR,
	"web_mercator": CRS_WEB_MERCATOR,
	"planar":       CRS_PLANAR,
	"undefined":    CRS_UNDEFINED,
	"":             CRS_UNDEFINED,
}

// ParseCoordinateSystem returns coordinate system for given name (case-insensitive)
func ParseCoordinateSystem(name string) (CoordinateSystem, error) {
	if crs, ok := coordinateSystems[strings.ToLower(strings.TrimSpace(name))]; ok {
		return crs, nil
	}
	return CRS_UNDEFINED, errors.Errorf("Unknown coordinate system '%s'", name)
}

// CoordinateTransform converts points from one coordinate system to another
type CoordinateTransform struct {
	From    CoordinateSystem
	To      CoordinateSystem
	Project orb.Projection
}

// TransformWGS84ToWebMercator converts lon/lat degrees into spherical mercator meters
var TransformWGS84ToWebMercator = CoordinateTransform{
	From:    CRS_WGS84,
	To:      CRS_WEB_MERCATOR,
	Project: project.WGS84.ToMercator,
}

// TransformWebMercatorToWGS84 converts spherical mercator meters into lon/lat degrees
var TransformWebMercatorToWGS84 = CoordinateTransform{
	From:    CRS_WEB_MERCATOR,
	To:      CRS_WGS84,
	Project: project.Mercator.ToWGS84,
}

type transformKey struct {
	from CoordinateSystem
	to   CoordinateSystem
}

// transformGeometry applies projection to every point of supported geometry. Returns new geometry.
func transformGeometry(geom orb.Geometry, proj orb.Projection) orb.Geometry {
	if geom == nil {
		return nil
	}
	return project.Geometry(orb.Clone(geom), proj)
}

func lineToProjection(line orb.LineString, proj orb.Projection) orb.LineString {
	newLine := make(orb.LineString, len(line))
	for i, pt := range line {
		newLine[i] = proj(pt)
	}
	return newLine
}

// DistanceMeters returns distance in meters between two points given in crs.
// Lon/lat uses haversine, mercator points are unprojected first, planar (and undefined) coordinates are meters already
func DistanceMeters(a, b orb.Point, crs CoordinateSystem) float64 {
	switch crs {
	case CRS_WGS84:
		return geo.DistanceHaversine(a, b)
	case CRS_WEB_MERCATOR:
		return geo.DistanceHaversine(project.Mercator.ToWGS84(a), project.Mercator.ToWGS84(b))
	default:
		return planar.Distance(a, b)
	}
}

// LengthMeters returns length of polyline in meters. See DistanceMeters
func LengthMeters(line orb.LineString, crs CoordinateSystem) float64 {
	if crs != CRS_WGS84 && crs != CRS_WEB_MERCATOR {
		return planar.Length(line)
	}
	total := 0.0
	for i := 1; i < len(line); i++ {
		total += DistanceMeters(line[i-1], line[i], crs)
	}
	return total
}

// alongMeters returns distance in meters from the first point of polyline to its projected point
func alongMeters(line orb.LineString, proj lineProjection, crs CoordinateSystem) float64 {
	if crs != CRS_WGS84 && crs != CRS_WEB_MERCATOR {
		return proj.along
	}
	if len(line) < 2 {
		return 0
	}
	total := 0.0
	for i := 1; i <= proj.segmentIdx; i++ {
		total += DistanceMeters(line[i-1], line[i], crs)
	}
	return total + DistanceMeters(line[proj.segmentIdx], proj.point, crs)
}

// ReprojectPoint converts point between coordinate systems. Undefined or equal systems leave point as is.
// Pairs other than lon/lat <-> mercator give ErrCoordinateSystemMismatch
func ReprojectPoint(pt orb.Point, from, to CoordinateSystem) (orb.Point, error) {
	if from == CRS_UNDEFINED || to == CRS_UNDEFINED || from == to {
		return pt, nil
	}
	switch {
	case from == CRS_WGS84 && to == CRS_WEB_MERCATOR:
		return TransformWGS84ToWebMercator.Project(pt), nil
	case from == CRS_WEB_MERCATOR && to == CRS_WGS84:
		return TransformWebMercatorToWGS84.Project(pt), nil
	}
	return pt, errors.Wrapf(ErrCoordinateSystemMismatch, "Can't convert '%s' into '%s'", from, to)
}
