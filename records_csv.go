package osm2sim

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/pkg/errors"
)

// ReadRecordsCSV reads external records from 'Comma-Separated Values' with ';' delimiter.
//
// Header row is required. Recognized columns:
// 	id - record identifier (required)
// 	kind - optional, overrides defaultKind
// 	x / lon, y / lat - point coordinates
// 	geom / wkt - WKT geometry (used when coordinates are not present)
// Every other column goes to payload.
//
func ReadRecordsCSV(r io.Reader, source string, defaultKind RecordKind, crs CoordinateSystem) ([]ExternalRecord, error) {
	reader := csv.NewReader(r)
	reader.Comma = ';'
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, errors.Wrap(ErrCorruptRecord, "Missing CSV header")
		}
		return nil, errors.Wrap(err, "Can't read CSV header")
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	idIdx, ok := columns["id"]
	if !ok {
		return nil, errors.Wrap(ErrCorruptRecord, "CSV header must contain 'id' column")
	}
	xIdx := columnIndex(columns, "x", "lon")
	yIdx := columnIndex(columns, "y", "lat")
	geomIdx := columnIndex(columns, "geom", "wkt")
	kindIdx := columnIndex(columns, "kind")
	if (xIdx < 0 || yIdx < 0) && geomIdx < 0 {
		return nil, errors.Wrap(ErrCorruptRecord, "CSV header must contain either 'x;y' ('lon;lat') or 'geom' columns")
	}

	records := []ExternalRecord{}
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(ErrCorruptRecord, "Line %d: %v", line, err)
		}
		record := ExternalRecord{
			ID:      RecordID(row[idIdx]),
			Kind:    defaultKind,
			Source:  source,
			CRS:     crs,
			Payload: make(map[string]string),
		}
		if record.ID == "" {
			return nil, errors.Wrapf(ErrCorruptRecord, "Line %d: empty id", line)
		}
		if kindIdx >= 0 && row[kindIdx] != "" {
			record.Kind, err = ParseRecordKind(row[kindIdx])
			if err != nil {
				return nil, errors.Wrapf(ErrCorruptRecord, "Line %d: %v", line, err)
			}
		}
		if xIdx >= 0 && yIdx >= 0 && row[xIdx] != "" && row[yIdx] != "" {
			x, errX := strconv.ParseFloat(row[xIdx], 64)
			y, errY := strconv.ParseFloat(row[yIdx], 64)
			if errX != nil || errY != nil {
				return nil, errors.Wrapf(ErrCorruptRecord, "Line %d: bad coordinates '%s;%s'", line, row[xIdx], row[yIdx])
			}
			record.Geom = orb.Point{x, y}
		} else if geomIdx >= 0 {
			record.Geom, err = wkt.Unmarshal(row[geomIdx])
			if err != nil {
				return nil, errors.Wrapf(ErrCorruptRecord, "Line %d: bad WKT: %v", line, err)
			}
		} else {
			return nil, errors.Wrapf(ErrCorruptRecord, "Line %d: missing geometry", line)
		}
		for name, idx := range columns {
			if idx == idIdx || idx == xIdx || idx == yIdx || idx == geomIdx || idx == kindIdx {
				continue
			}
			record.Payload[name] = row[idx]
		}
		records = append(records, record)
	}
	return records, nil
}

func columnIndex(columns map[string]int, names ...string) int {
	for _, name := range names {
		if idx, ok := columns[name]; ok {
			return idx
		}
	}
	return -1
}
