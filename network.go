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

// ElementID is stable identifier of network element
type ElementID int64

// ElementKind distinguishes roadway segments and intersection nodes
type ElementKind uint16

const (
	ELEMENT_SEGMENT = ElementKind(iota + 1)
	ELEMENT_INTERSECTION
	ELEMENT_UNDEFINED = ElementKind(0)
)

func (iotaIdx ElementKind) String() string {
	return [...]string{"undefined", "segment", "intersection"}[iotaIdx]
}

// ParseElementKind returns element kind for given name
func ParseElementKind(name string) (ElementKind, error) {
	switch name {
	case "segment":
		return ELEMENT_SEGMENT, nil
	case "intersection":
		return ELEMENT_INTERSECTION, nil
	default:
		return ELEMENT_UNDEFINED, errors.Errorf("Unknown element kind '%s'", name)
	}
}

// NetworkElement is either a roadway segment or an intersection node
type NetworkElement struct {
	ID   ElementID
	Kind ElementKind
	// Ordered points of the shape. Intersections have exactly one point
	Geom orb.LineString
	// Vertices of the underlying graph. Both equal to the node for intersections
	SourceNode int64
	TargetNode int64
	RoadClass  LinkType
	Oneway     bool
	Name       string
}

// Bound returns bounding box of element's shape
func (element *NetworkElement) Bound() orb.Bound {
	return element.Geom.Bound()
}

// Network is an ordered collection of elements in a single planar coordinate system
type Network struct {
	CRS      CoordinateSystem
	Elements []NetworkElement
}

// Validate checks preconditions of the core: at least one element, unique identifiers, non-empty shapes
func (net *Network) Validate() error {
	if net == nil || len(net.Elements) == 0 {
		return ErrEmptyNetwork
	}
	seen := make(map[ElementID]struct{}, len(net.Elements))
	for i := range net.Elements {
		element := &net.Elements[i]
		if _, ok := seen[element.ID]; ok {
			return errors.Errorf("Duplicate network element ID '%d'", element.ID)
		}
		seen[element.ID] = struct{}{}
		if len(element.Geom) == 0 {
			return errors.Errorf("Network element '%d' has empty geometry", element.ID)
		}
		for _, pt := range element.Geom {
			if !isFinitePoint(pt) {
				return errors.Errorf("Network element '%d' has non-finite coordinates", element.ID)
			}
		}
	}
	return nil
}

// elementsByID returns lookup table for elements
func (net *Network) elementsByID() map[ElementID]*NetworkElement {
	lookup := make(map[ElementID]*NetworkElement, len(net.Elements))
	for i := range net.Elements {
		lookup[net.Elements[i].ID] = &net.Elements[i]
	}
	return lookup
}

// subset returns new network holding only elements with given IDs. Order of elements is preserved
func (net *Network) subset(keep map[ElementID]struct{}) *Network {
	out := &Network{
		CRS:      net.CRS,
		Elements: make([]NetworkElement, 0, len(keep)),
	}
	for _, element := range net.Elements {
		if _, ok := keep[element.ID]; ok {
			out.Elements = append(out.Elements, element)
		}
	}
	return out
}

// EnrichedNetwork is the network plus conflated attachments
type EnrichedNetwork struct {
	Network     *Network
	Attachments []Attachment
}

// NewEnrichedNetwork prepares enriched network with attachments sorted by (element, record)
func NewEnrichedNetwork(net *Network, attachments []Attachment) *EnrichedNetwork {
	sorted := make([]Attachment, len(attachments))
	copy(sorted, attachments)
	sortAttachments(sorted)
	return &EnrichedNetwork{
		Network:     net,
		Attachments: sorted,
	}
}

// AttachmentsOf returns attachments of the given element
func (enriched *EnrichedNetwork) AttachmentsOf(id ElementID) []Attachment {
	from := sort.Search(len(enriched.Attachments), func(i int) bool {
		return enriched.Attachments[i].ElementID >= id
	})
	to := from
	for to < len(enriched.Attachments) && enriched.Attachments[to].ElementID == id {
		to++
	}
	return enriched.Attachments[from:to]
}

// ExportAttachmentsCSV writes attachments as 'Comma-Separated Values' with ';' delimiter
func (enriched *EnrichedNetwork) ExportAttachmentsCSV(w io.Writer) error {
	writer := csv.NewWriter(w)
	writer.Comma = ';'

	err := writer.Write([]string{"record_id", "element_id", "kind", "source", "offset", "distance", "along", "confidence", "geom"})
	if err != nil {
		return errors.Wrap(err, "Can't write header")
	}
	for _, attachment := range enriched.Attachments {
		err = writer.Write([]string{
			string(attachment.RecordID),
			fmt.Sprintf("%d", attachment.ElementID),
			attachment.Kind.String(),
			attachment.Source,
			fmt.Sprintf("%f", attachment.Offset),
			fmt.Sprintf("%f", attachment.Distance),
			fmt.Sprintf("%f", attachment.Along),
			fmt.Sprintf("%f", attachment.Confidence),
			wkt.MarshalString(attachment.Point),
		})
		if err != nil {
			return errors.Wrap(err, "Can't write attachment")
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return errors.Wrap(err, "Can't flush attachments")
	}
	return nil
}
