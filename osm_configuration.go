package osm2sim

import (
	"github.com/pkg/errors"
)

// OsmConfiguration Allows to filter ways by certain tags from OSM data
type OsmConfiguration struct {
	EntityName string // Currrently we support 'highway' only
	Tags       []string
	// Reproject lon/lat into spherical mercator meters. Network CRS becomes EPSG:3857
	Project bool
	// Extract amenity, parking and traffic signal nodes as external records
	ExtractRecords bool
}

// DefaultOsmConfiguration returns configuration for drivable, cyclable and walkable roads
func DefaultOsmConfiguration() *OsmConfiguration {
	return &OsmConfiguration{
		EntityName: "highway",
		Tags: []string{
			"motorway", "motorway_link",
			"trunk", "trunk_link",
			"primary", "primary_link",
			"secondary", "secondary_link",
			"tertiary", "tertiary_link",
			"residential", "living_street", "service",
			"unclassified", "road",
			"cycleway", "footway", "pedestrian",
		},
		Project:        true,
		ExtractRecords: true,
	}
}

// CheckTag Checks if incoming tag is represented in configuration
func (cfg *OsmConfiguration) CheckTag(tag string) bool {
	for i := range cfg.Tags {
		if cfg.Tags[i] == tag {
			return true
		}
	}
	return false
}

// Validate checks that ways can be filtered at all
func (cfg *OsmConfiguration) Validate() error {
	if cfg.EntityName != "highway" {
		return errors.Errorf("Entity '%s' is not supported. Only 'highway' is supported", cfg.EntityName)
	}
	if len(cfg.Tags) == 0 {
		return errors.New("No tags to filter ways by")
	}
	for _, tag := range cfg.Tags {
		if getHighwayType(tag) == HIGHWAY_UNDEFINED {
			return errors.Errorf("Unknown highway tag '%s'", tag)
		}
	}
	return nil
}

// CRS returns coordinate system of the produced network
func (cfg *OsmConfiguration) CRS() CoordinateSystem {
	if cfg.Project {
		return CRS_WEB_MERCATOR
	}
	return CRS_WGS84
}
