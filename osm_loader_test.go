package osm2sim

import (
	"context"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadNetworkFromOSM(t *testing.T) {
	cfg := DefaultOsmConfiguration()
	cfg.Project = false
	net, records, err := LoadNetworkFromOSM(context.Background(), "./testdata/sample.osm", cfg, nil)
	require.NoError(t, err)
	require.NoError(t, net.Validate())
	assert.Equal(t, CRS_WGS84, net.CRS)

	// Two ways split at shared node give four segments plus one intersection
	require.Len(t, net.Elements, 5)
	type expected struct {
		kind   ElementKind
		source int64
		target int64
		class  LinkType
		oneway bool
	}
	correct := []expected{
		{ELEMENT_SEGMENT, 1, 2, LINK_RESIDENTIAL, false},
		{ELEMENT_SEGMENT, 2, 3, LINK_RESIDENTIAL, false},
		{ELEMENT_SEGMENT, 4, 2, LINK_PRIMARY, true},
		{ELEMENT_SEGMENT, 2, 5, LINK_PRIMARY, true},
		{ELEMENT_INTERSECTION, 2, 2, LINK_UNDEFINED, false},
	}
	for i, element := range net.Elements {
		assert.Equal(t, ElementID(i+1), element.ID)
		assert.Equal(t, correct[i].kind, element.Kind, "element %d", element.ID)
		assert.Equal(t, correct[i].source, element.SourceNode, "element %d", element.ID)
		assert.Equal(t, correct[i].target, element.TargetNode, "element %d", element.ID)
		assert.Equal(t, correct[i].class, element.RoadClass, "element %d", element.ID)
		assert.Equal(t, correct[i].oneway, element.Oneway, "element %d", element.ID)
	}
	assert.Equal(t, "Main street", net.Elements[0].Name)
	assert.Equal(t, orb.LineString{{37.6000, 55.7500}, {37.6010, 55.7500}}, net.Elements[0].Geom)
	assert.Equal(t, orb.LineString{{37.6010, 55.7500}}, net.Elements[4].Geom)

	require.Len(t, records, 2)
	assert.Equal(t, RecordID("node/6"), records[0].ID)
	assert.Equal(t, RECORD_PARKING, records[0].Kind)
	assert.Equal(t, "Central parking", records[0].Payload["name"])
	assert.Equal(t, OSM_RECORDS_SOURCE, records[0].Source)
	assert.Equal(t, RecordID("node/7"), records[1].ID)
	assert.Equal(t, RECORD_TRAFFIC_SIGNAL, records[1].Kind)
}

func TestLoadNetworkFromOSMProjected(t *testing.T) {
	net, records, err := LoadNetworkFromOSM(context.Background(), "./testdata/sample.osm", DefaultOsmConfiguration(), nil)
	require.NoError(t, err)
	assert.Equal(t, CRS_WEB_MERCATOR, net.CRS)
	for _, record := range records {
		assert.Equal(t, CRS_WEB_MERCATOR, record.CRS)
	}
	// Mercator meters are far beyond degree range
	pt := net.Elements[0].Geom[0]
	assert.InDelta(t, 4185612.85, pt.X(), 1.0)
	assert.Greater(t, pt.Y(), 7000000.0)
}

func TestLoadNetworkFromOSMErrors(t *testing.T) {
	_, _, err := LoadNetworkFromOSM(context.Background(), "./testdata/missing.osm", nil, nil)
	assert.Error(t, err)

	_, _, err = LoadNetworkFromOSM(context.Background(), "./testdata/sample.txt", nil, nil)
	assert.Error(t, err)

	cfg := DefaultOsmConfiguration()
	cfg.Tags = []string{"motorway"}
	_, _, err = LoadNetworkFromOSM(context.Background(), "./testdata/sample.osm", cfg, nil)
	assert.ErrorIs(t, err, ErrEmptyNetwork)

	cfg.Tags = []string{"not_a_highway"}
	_, _, err = LoadNetworkFromOSM(context.Background(), "./testdata/sample.osm", cfg, nil)
	assert.Error(t, err)
}

func TestRecordKindOfNode(t *testing.T) {
	correct := map[string]RecordKind{
		"parking":         RECORD_PARKING,
		"bicycle_parking": RECORD_BIKE_PARKING,
		"cafe":            RECORD_AMENITY,
	}
	for amenity, kind := range correct {
		found, ok := recordKindOfNode(osm.Tags{{Key: "amenity", Value: amenity}})
		assert.True(t, ok, amenity)
		assert.Equal(t, kind, found, amenity)
	}
	found, ok := recordKindOfNode(osm.Tags{{Key: "highway", Value: "traffic_signals"}})
	assert.True(t, ok)
	assert.Equal(t, RECORD_TRAFFIC_SIGNAL, found)

	_, ok = recordKindOfNode(nil)
	assert.False(t, ok)
}
