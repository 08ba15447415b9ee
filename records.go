package osm2sim

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"
)

// RecordID is identifier of external record. Unique within a source
type RecordID string

// RecordKind is the closed set of supported external datasets
type RecordKind uint16

const (
	RECORD_COLLISION = RecordKind(iota + 1)
	RECORD_PARKING
	RECORD_AMENITY
	RECORD_BIKE_PARKING
	RECORD_TRAFFIC_SIGNAL
	RECORD_UNDEFINED = RecordKind(0)
)

func (iotaIdx RecordKind) String() string {
	return [...]string{"undefined", "collision", "parking", "amenity", "bike_parking", "traffic_signal"}[iotaIdx]
}

// MarshalText implements encoding.TextMarshaler
func (iotaIdx RecordKind) MarshalText() ([]byte, error) {
	return []byte(iotaIdx.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (iotaIdx *RecordKind) UnmarshalText(text []byte) error {
	kind, err := ParseRecordKind(string(text))
	if err != nil {
		return err
	}
	*iotaIdx = kind
	return nil
}

var recordKinds = map[string]RecordKind{
	"collision":      RECORD_COLLISION,
	"parking":        RECORD_PARKING,
	"amenity":        RECORD_AMENITY,
	"bike_parking":   RECORD_BIKE_PARKING,
	"traffic_signal": RECORD_TRAFFIC_SIGNAL,
}

// ParseRecordKind returns record kind for given name
func ParseRecordKind(name string) (RecordKind, error) {
	if kind, ok := recordKinds[strings.ToLower(strings.TrimSpace(name))]; ok {
		return kind, nil
	}
	return RECORD_UNDEFINED, errors.Errorf("Unknown record kind '%s'", name)
}

// ExternalRecord is a point or short line annotation coming from an external dataset
type ExternalRecord struct {
	ID      RecordID
	Kind    RecordKind
	Source  string
	CRS     CoordinateSystem
	Geom    orb.Geometry
	Payload map[string]string
}

// RecordsFormat is the on-disk format of an external dataset
type RecordsFormat uint16

const (
	RECORDS_GEOJSON = RecordsFormat(iota + 1)
	RECORDS_CSV
	RECORDS_UNDEFINED = RecordsFormat(0)
)

func (iotaIdx RecordsFormat) String() string {
	return [...]string{"undefined", "geojson", "csv"}[iotaIdx]
}

// ParseRecordsFormat returns format for given name
func ParseRecordsFormat(name string) (RecordsFormat, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "geojson", "json":
		return RECORDS_GEOJSON, nil
	case "csv", "txt":
		return RECORDS_CSV, nil
	default:
		return RECORDS_UNDEFINED, errors.Errorf("Records format '%s' is not handled yet", name)
	}
}

// RecordsSource describes how to read a single external dataset
type RecordsSource struct {
	Name   string
	Kind   RecordKind
	Path   string
	Format RecordsFormat
	CRS    CoordinateSystem
}

// LoadRecordsFile reads external dataset guessing its format by file extension when it is not set
func LoadRecordsFile(src RecordsSource) ([]ExternalRecord, error) {
	format := src.Format
	if format == RECORDS_UNDEFINED {
		ext := strings.TrimPrefix(filepath.Ext(src.Path), ".")
		var err error
		format, err = ParseRecordsFormat(ext)
		if err != nil {
			return nil, errors.Wrapf(err, "File extension '%s' for file '%s'", ext, src.Path)
		}
	}
	file, err := os.Open(src.Path)
	if err != nil {
		return nil, errors.Wrap(err, "Can't open records file")
	}
	defer file.Close()

	switch format {
	case RECORDS_GEOJSON:
		return ReadRecordsGeoJSON(file, src.Name, src.Kind, src.CRS)
	case RECORDS_CSV:
		return ReadRecordsCSV(file, src.Name, src.Kind, src.CRS)
	default:
		return nil, errors.Errorf("Records format '%s' is not handled yet", format)
	}
}
