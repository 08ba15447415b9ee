package osm2sim

import (
	"sync"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/project"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func routerNetwork(t *testing.T) (*Network, *SpatialIndex) {
	t.Helper()
	net := &Network{
		CRS: CRS_PLANAR,
		Elements: []NetworkElement{
			{ID: 1, Kind: ELEMENT_SEGMENT, Geom: orb.LineString{{0, 0}, {100, 0}}, SourceNode: 1, TargetNode: 2},
			{ID: 2, Kind: ELEMENT_SEGMENT, Geom: orb.LineString{{100, 0}, {100, 100}}, SourceNode: 2, TargetNode: 3},
			{ID: 3, Kind: ELEMENT_SEGMENT, Geom: orb.LineString{{100, 100}, {0, 100}}, SourceNode: 3, TargetNode: 4, Oneway: true},
			{ID: 4, Kind: ELEMENT_INTERSECTION, Geom: orb.LineString{{100, 0}}, SourceNode: 2, TargetNode: 2},
			{ID: 5, Kind: ELEMENT_SEGMENT, Geom: orb.LineString{{500, 500}, {600, 500}}, SourceNode: 8, TargetNode: 9},
		},
	}
	index, err := BuildSpatialIndex(net.Elements)
	require.NoError(t, err)
	return net, index
}

func TestCHRouterDistance(t *testing.T) {
	net, index := routerNetwork(t)
	router, err := NewCHRouter(net, index, 20, nil)
	require.NoError(t, err)

	cases := []struct {
		name     string
		from, to orb.Point
		distance float64
		ok       bool
	}{
		{"through node", orb.Point{10, 1}, orb.Point{99, 50}, 140, true},
		{"backwards through node", orb.Point{99, 50}, orb.Point{10, 1}, 140, true},
		{"same segment", orb.Point{10, 0}, orb.Point{60, 0}, 50, true},
		{"same segment reversed", orb.Point{60, 0}, orb.Point{10, 0}, 50, true},
		{"oneway forward", orb.Point{80, 100}, orb.Point{20, 100}, 60, true},
		{"oneway against", orb.Point{20, 100}, orb.Point{80, 100}, 0, false},
		{"onto oneway", orb.Point{10, 0}, orb.Point{50, 101}, 90 + 100 + 50, true},
		{"disconnected", orb.Point{10, 0}, orb.Point{550, 500}, 0, false},
		{"not snapped", orb.Point{300, 300}, orb.Point{10, 0}, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			distance, ok := router.Distance(tc.from, tc.to)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.InDelta(t, tc.distance, distance, 1e-9)
			}
		})
	}
}

func TestCHRouterDistanceConcurrent(t *testing.T) {
	net, index := routerNetwork(t)
	router, err := NewCHRouter(net, index, 20, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	distances := make([]float64, 16)
	for i := range distances {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			distances[i], _ = router.Distance(orb.Point{10, 1}, orb.Point{99, 50})
		}(i)
	}
	wg.Wait()
	for i := range distances {
		assert.InDelta(t, 140.0, distances[i], 1e-9)
	}
}

func lonLatNetwork(t *testing.T, proj orb.Projection) (*Network, *SpatialIndex) {
	t.Helper()
	crs := CRS_WGS84
	if proj != nil {
		crs = CRS_WEB_MERCATOR
	} else {
		proj = func(pt orb.Point) orb.Point { return pt }
	}
	net := &Network{
		CRS: crs,
		Elements: []NetworkElement{
			{ID: 1, Kind: ELEMENT_SEGMENT, Geom: orb.LineString{proj(orb.Point{37.5, 55.75}), proj(orb.Point{37.575, 55.75})}, SourceNode: 1, TargetNode: 2},
			{ID: 2, Kind: ELEMENT_SEGMENT, Geom: orb.LineString{proj(orb.Point{37.575, 55.75}), proj(orb.Point{37.6, 55.75}), proj(orb.Point{37.65, 55.75})}, SourceNode: 2, TargetNode: 3},
		},
	}
	index, err := BuildSpatialIndex(net.Elements)
	require.NoError(t, err)
	return net, index
}

func TestCHRouterDistanceInMeters(t *testing.T) {
	west := orb.Point{37.5, 55.75}
	middle := orb.Point{37.575, 55.75}
	inner := orb.Point{37.62, 55.75}
	east := orb.Point{37.65, 55.75}
	through := geo.DistanceHaversine(west, middle) + geo.DistanceHaversine(middle, orb.Point{37.6, 55.75}) + geo.DistanceHaversine(orb.Point{37.6, 55.75}, east)

	net, index := lonLatNetwork(t, nil)
	router, err := NewCHRouter(net, index, 0.001, nil)
	require.NoError(t, err)

	distance, ok := router.Distance(west, east)
	require.True(t, ok)
	assert.InDelta(t, through, distance, 1e-6)
	assert.InDelta(t, 9397.0, distance, 10)

	distance, ok = router.Distance(orb.Point{37.52, 55.75}, orb.Point{37.56, 55.75})
	require.True(t, ok)
	assert.InDelta(t, geo.DistanceHaversine(orb.Point{37.52, 55.75}, orb.Point{37.56, 55.75}), distance, 1e-6)

	distance, ok = router.Distance(inner, west)
	require.True(t, ok)
	assert.InDelta(t, geo.DistanceHaversine(west, middle)+geo.DistanceHaversine(middle, orb.Point{37.6, 55.75})+geo.DistanceHaversine(orb.Point{37.6, 55.75}, inner), distance, 1e-6)

	// Same network in mercator meters gives the same distances on the ground
	net, index = lonLatNetwork(t, project.WGS84.ToMercator)
	router, err = NewCHRouter(net, index, 100, nil)
	require.NoError(t, err)
	distance, ok = router.Distance(project.WGS84.ToMercator(west), project.WGS84.ToMercator(east))
	require.True(t, ok)
	assert.InDelta(t, through, distance, 1e-3)
}

func TestNewCHRouterErrors(t *testing.T) {
	_, err := NewCHRouter(&Network{}, nil, 10, nil)
	assert.ErrorIs(t, err, ErrEmptyNetwork)

	net := &Network{
		CRS:      CRS_PLANAR,
		Elements: []NetworkElement{intersection(1, orb.Point{0, 0})},
	}
	index, err := BuildSpatialIndex(net.Elements)
	require.NoError(t, err)
	_, err = NewCHRouter(net, index, 10, nil)
	assert.ErrorIs(t, err, ErrEmptyNetwork)
}
