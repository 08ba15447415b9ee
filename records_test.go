package osm2sim

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const collisionsCSV = `id;x;y;severity;kind
c1;5;1;fatal;
c2;20;20;minor;
s1;10;0.5;;traffic_signal
`

const collisionsGeoJSON = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "id": "c1", "geometry": {"type": "Point", "coordinates": [5, 1]}, "properties": {"severity": "fatal"}},
    {"type": "Feature", "id": 7, "geometry": {"type": "LineString", "coordinates": [[0, 1], [4, 1]]}, "properties": {"kind": "parking"}},
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [1, 2]}, "properties": {"id": "p3"}},
    {"type": "Feature", "geometry": {"type": "Polygon", "coordinates": [[[0, 0], [2, 0], [2, 2], [0, 2], [0, 0]]]}, "properties": {}}
  ]
}`

func TestReadRecordsCSV(t *testing.T) {
	records, err := ReadRecordsCSV(strings.NewReader(collisionsCSV), "collisions", RECORD_COLLISION, CRS_PLANAR)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, RecordID("c1"), records[0].ID)
	assert.Equal(t, RECORD_COLLISION, records[0].Kind)
	assert.Equal(t, "collisions", records[0].Source)
	assert.Equal(t, CRS_PLANAR, records[0].CRS)
	assert.Equal(t, orb.Point{5, 1}, records[0].Geom)
	assert.Equal(t, map[string]string{"severity": "fatal"}, records[0].Payload)
	assert.Equal(t, RECORD_TRAFFIC_SIGNAL, records[2].Kind)
}

func TestReadRecordsCSVWKT(t *testing.T) {
	data := "id;wkt\nl1;LINESTRING(0 0,10 0)\n"
	records, err := ReadRecordsCSV(strings.NewReader(data), "lines", RECORD_COLLISION, CRS_UNDEFINED)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, orb.LineString{{0, 0}, {10, 0}}, records[0].Geom)
}

func TestReadRecordsCSVErrors(t *testing.T) {
	cases := []string{
		"",
		"x;y\n1;2\n",
		"id;name\na;b\n",
		"id;x;y\na;1;oops\n",
		"id;x;y\n;1;2\n",
		"id;x;y;kind\na;1;2;meteor\n",
		"id;geom\na;NOT WKT\n",
	}
	for i, data := range cases {
		_, err := ReadRecordsCSV(strings.NewReader(data), "bad", RECORD_COLLISION, CRS_PLANAR)
		assert.ErrorIs(t, err, ErrCorruptRecord, "case %d", i)
	}
}

func TestReadRecordsGeoJSON(t *testing.T) {
	records, err := ReadRecordsGeoJSON(strings.NewReader(collisionsGeoJSON), "mixed", RECORD_COLLISION, CRS_WGS84)
	require.NoError(t, err)
	require.Len(t, records, 4)

	assert.Equal(t, RecordID("c1"), records[0].ID)
	assert.Equal(t, orb.Point{5, 1}, records[0].Geom)
	assert.Equal(t, "fatal", records[0].Payload["severity"])
	assert.Equal(t, CRS_WGS84, records[0].CRS)

	assert.Equal(t, RecordID("7"), records[1].ID)
	assert.Equal(t, RECORD_PARKING, records[1].Kind)
	assert.Equal(t, orb.LineString{{0, 1}, {4, 1}}, records[1].Geom)
	assert.NotContains(t, records[1].Payload, "kind")

	assert.Equal(t, RecordID("p3"), records[2].ID)
	assert.NotContains(t, records[2].Payload, "id")

	assert.Equal(t, RecordID("mixed/3"), records[3].ID)
	_, ok := records[3].Geom.(orb.Polygon)
	assert.True(t, ok)
}

func TestReadRecordsGeoJSONErrors(t *testing.T) {
	_, err := ReadRecordsGeoJSON(strings.NewReader("{not json"), "bad", RECORD_COLLISION, CRS_PLANAR)
	assert.ErrorIs(t, err, ErrCorruptRecord)

	data := `{"type": "FeatureCollection", "features": [{"type": "Feature", "geometry": {"type": "Point", "coordinates": [1, 2]}, "properties": {"kind": "ufo"}}]}`
	_, err = ReadRecordsGeoJSON(strings.NewReader(data), "bad", RECORD_COLLISION, CRS_PLANAR)
	assert.ErrorIs(t, err, ErrCorruptRecord)
}

func TestLoadRecordsFile(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "collisions.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(collisionsCSV), 0644))
	geojsonPath := filepath.Join(dir, "mixed.geojson")
	require.NoError(t, os.WriteFile(geojsonPath, []byte(collisionsGeoJSON), 0644))

	records, err := LoadRecordsFile(RecordsSource{Name: "collisions", Kind: RECORD_COLLISION, Path: csvPath, CRS: CRS_PLANAR})
	require.NoError(t, err)
	assert.Len(t, records, 3)

	records, err = LoadRecordsFile(RecordsSource{Name: "mixed", Kind: RECORD_AMENITY, Path: geojsonPath})
	require.NoError(t, err)
	assert.Len(t, records, 4)

	_, err = LoadRecordsFile(RecordsSource{Name: "x", Path: filepath.Join(dir, "records.shp")})
	assert.Error(t, err)

	_, err = LoadRecordsFile(RecordsSource{Name: "x", Path: filepath.Join(dir, "missing.csv")})
	assert.Error(t, err)
}

func TestReadPopulationCSV(t *testing.T) {
	data := "id;lon;lat;population;jobs;households\nb;1.5;2;100;10;40\na;0;0;0;250;0\n"
	cells, err := ReadPopulationCSV(strings.NewReader(data))
	require.NoError(t, err)
	require.Len(t, cells, 2)
	// Order of rows is kept
	assert.Equal(t, PopulationCell{ID: "b", Centroid: orb.Point{1.5, 2}, Population: 100, Jobs: 10, Households: 40}, cells[0])
	assert.Equal(t, "a", cells[1].ID)

	bad := []string{
		"id;x;y;population\n",
		"id;x;y;population;jobs;households\na;0;0;1;1;1\na;1;1;1;1;1\n",
		"id;x;y;population;jobs;households\na;0;0;-1;1;1\n",
		"id;x;y;population;jobs;households\na;zero;0;1;1;1\n",
	}
	for i, data := range bad {
		_, err := ReadPopulationCSV(strings.NewReader(data))
		assert.Error(t, err, "case %d", i)
	}
}

func TestParseRecordKind(t *testing.T) {
	kind, err := ParseRecordKind(" Bike_Parking ")
	require.NoError(t, err)
	assert.Equal(t, RECORD_BIKE_PARKING, kind)

	text, err := kind.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "bike_parking", string(text))

	_, err = ParseRecordKind("meteor")
	assert.Error(t, err)
}
