package osm2sim

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
)

type Node struct {
	ID    osm.NodeID
	Point orb.Point
	name  string

	useCount    int
	degree      int
	controlType ControlType
}

type ControlType uint16

const (
	NOT_SIGNAL = ControlType(iota + 1)
	IS_SIGNAL
	CONTROL_UNDEFINED = ControlType(0)
)

func (iotaIdx ControlType) String() string {
	return [...]string{"undefined", "common", "signal"}[iotaIdx]
}

// isIntersection returns true when node joins at least three segments or is signalized
func (node *Node) isIntersection() bool {
	return node.degree >= 3 || (node.controlType == IS_SIGNAL && node.degree > 0)
}

// recordKindOfNode returns kind of external record represented by OSM node tags
func recordKindOfNode(tags osm.Tags) (RecordKind, bool) {
	if tags.Find("highway") == "traffic_signals" {
		return RECORD_TRAFFIC_SIGNAL, true
	}
	switch amenity := tags.Find("amenity"); amenity {
	case "":
		return RECORD_UNDEFINED, false
	case "parking", "parking_entrance", "parking_space":
		return RECORD_PARKING, true
	case "bicycle_parking":
		return RECORD_BIKE_PARKING, true
	default:
		return RECORD_AMENITY, true
	}
}
