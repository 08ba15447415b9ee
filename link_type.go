package osm2sim

import (
	"strings"

	"github.com/pkg/errors"
)

// LinkType is road class of network segment
type LinkType uint16

const (
	LINK_MOTORWAY = LinkType(iota + 1)
	LINK_TRUNK
	LINK_PRIMARY
	LINK_SECONDARY
	LINK_TERTIARY
	LINK_RESIDENTIAL
	LINK_LIVING_STREET
	LINK_SERVICE
	LINK_CYCLEWAY
	LINK_FOOTWAY
	LINK_TRACK
	LINK_UNCLASSIFIED
	LINK_UNDEFINED = LinkType(0)
)

func (iotaIdx LinkType) String() string {
	return [...]string{"undefined", "motorway", "trunk", "primary", "secondary", "tertiary", "residential", "living_street", "service", "cycleway", "footway", "track", "unclassified"}[iotaIdx]
}

// ParseLinkType returns road class for given name
func ParseLinkType(name string) (LinkType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for linkType := LINK_MOTORWAY; linkType <= LINK_UNCLASSIFIED; linkType++ {
		if linkType.String() == name {
			return linkType, nil
		}
	}
	if name == "undefined" || name == "" {
		return LINK_UNDEFINED, nil
	}
	return LINK_UNDEFINED, errors.Errorf("Unknown link type '%s'", name)
}
