package osm2sim

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	geojson "github.com/paulmach/go.geojson"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// MAP_FORMAT_VERSION is the version of enriched map artifact layout
const MAP_FORMAT_VERSION = 1

// Compression of scenario artifact
type Compression uint16

const (
	COMPRESSION_NONE = Compression(iota + 1)
	COMPRESSION_ZSTD
	COMPRESSION_LZ4
	COMPRESSION_UNDEFINED = Compression(0)
)

func (iotaIdx Compression) String() string {
	return [...]string{"undefined", "none", "zstd", "lz4"}[iotaIdx]
}

// Extension returns file name suffix of compressed JSON
func (iotaIdx Compression) Extension() string {
	return [...]string{".json", ".json", ".json.zst", ".json.lz4"}[iotaIdx]
}

// ParseCompression returns compression for given name. Empty name means no compression
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return COMPRESSION_NONE, nil
	case "zstd", "zst":
		return COMPRESSION_ZSTD, nil
	case "lz4":
		return COMPRESSION_LZ4, nil
	default:
		return COMPRESSION_UNDEFINED, errors.Errorf("Compression '%s' is not handled yet", name)
	}
}

// compressionByPath guesses compression by file extension
func compressionByPath(path string) Compression {
	switch {
	case strings.HasSuffix(path, ".zst"):
		return COMPRESSION_ZSTD
	case strings.HasSuffix(path, ".lz4"):
		return COMPRESSION_LZ4
	default:
		return COMPRESSION_NONE
	}
}

// ArtifactWriter writes artifacts into a directory. Every write is atomic: data goes to a temporary file
// in the same directory which is renamed to the canonical path only after it is completely written and synced
type ArtifactWriter struct {
	dir         string
	compression Compression
	logger      *slog.Logger
}

// NewArtifactWriter returns writer for given directory
func NewArtifactWriter(dir string, options ...func(*ArtifactWriter)) *ArtifactWriter {
	writer := &ArtifactWriter{
		dir:         dir,
		compression: COMPRESSION_NONE,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, option := range options {
		option(writer)
	}
	return writer
}

// WithCompression sets compression of scenario artifacts
func WithCompression(compression Compression) func(*ArtifactWriter) {
	return func(writer *ArtifactWriter) {
		if compression != COMPRESSION_UNDEFINED {
			writer.compression = compression
		}
	}
}

// WithArtifactLogger sets logger
func WithArtifactLogger(logger *slog.Logger) func(*ArtifactWriter) {
	return func(writer *ArtifactWriter) {
		if logger != nil {
			writer.logger = logger
		}
	}
}

// Dir returns target directory
func (writer *ArtifactWriter) Dir() string {
	return writer.dir
}

// mapArtifact is the on-disk layout of enriched map
type mapArtifact struct {
	Version     int                        `json:"version"`
	CRS         CoordinateSystem           `json:"crs"`
	Network     *geojson.FeatureCollection `json:"network"`
	Attachments []Attachment               `json:"attachments"`
}

// WriteMap writes enriched network as JSON: elements as GeoJSON features sorted by ID plus sorted attachments
func (writer *ArtifactWriter) WriteMap(enriched *EnrichedNetwork) (string, error) {
	path := filepath.Join(writer.dir, "map.json")
	if enriched == nil || enriched.Network == nil {
		return "", &SerializationError{Path: path, Err: ErrEmptyNetwork}
	}
	elements := make([]*NetworkElement, len(enriched.Network.Elements))
	for i := range enriched.Network.Elements {
		elements[i] = &enriched.Network.Elements[i]
	}
	sort.Slice(elements, func(i, j int) bool {
		return elements[i].ID < elements[j].ID
	})
	fc := geojson.NewFeatureCollection()
	for _, element := range elements {
		if len(element.Geom) == 0 {
			return "", &SerializationError{Path: path, Err: errors.Errorf("Element '%d' has empty geometry", element.ID)}
		}
		fc.AddFeature(elementToFeature(element))
	}
	attachments := make([]Attachment, len(enriched.Attachments))
	copy(attachments, enriched.Attachments)
	sortAttachments(attachments)

	data, err := json.Marshal(mapArtifact{
		Version:     MAP_FORMAT_VERSION,
		CRS:         enriched.Network.CRS,
		Network:     fc,
		Attachments: attachments,
	})
	if err != nil {
		return "", &SerializationError{Path: path, Err: errors.Wrap(err, "Can't marshal map")}
	}
	err = writeAtomic(path, func(w io.Writer) error {
		_, err := w.Write(append(data, '\n'))
		return err
	})
	if err != nil {
		return "", err
	}
	writer.logger.Info("map written", "path", path, "elements", len(elements), "attachments", len(attachments))
	return path, nil
}

// ReadMap reads enriched network written by WriteMap. Elements come sorted by ID
func ReadMap(path string) (*EnrichedNetwork, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &SerializationError{Path: path, Err: errors.Wrap(err, "Can't read map")}
	}
	var artifact mapArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, &SerializationError{Path: path, Err: errors.Wrap(err, "Can't unmarshal map")}
	}
	if artifact.Version != MAP_FORMAT_VERSION {
		return nil, &SerializationError{Path: path, Err: errors.Errorf("Unsupported map version %d", artifact.Version)}
	}
	if artifact.Network == nil {
		return nil, &SerializationError{Path: path, Err: errors.New("Missing network")}
	}
	net := &Network{
		CRS:      artifact.CRS,
		Elements: make([]NetworkElement, 0, len(artifact.Network.Features)),
	}
	for _, feature := range artifact.Network.Features {
		element, err := featureToElement(feature)
		if err != nil {
			return nil, &SerializationError{Path: path, Err: err}
		}
		net.Elements = append(net.Elements, element)
	}
	if artifact.Attachments == nil {
		artifact.Attachments = []Attachment{}
	}
	return NewEnrichedNetwork(net, artifact.Attachments), nil
}

// WriteAttachmentsCSV writes attachments as ';'-separated CSV with WKT point column
func (writer *ArtifactWriter) WriteAttachmentsCSV(enriched *EnrichedNetwork) (string, error) {
	path := filepath.Join(writer.dir, "attachments.csv")
	sorted := NewEnrichedNetwork(enriched.Network, enriched.Attachments)
	if err := writeAtomic(path, sorted.ExportAttachmentsCSV); err != nil {
		return "", err
	}
	return path, nil
}

// WriteElementsCSV writes network elements as ';'-separated CSV with WKT geometry column
func (writer *ArtifactWriter) WriteElementsCSV(net *Network) (string, error) {
	path := filepath.Join(writer.dir, "elements.csv")
	if err := writeAtomic(path, net.ExportCSV); err != nil {
		return "", err
	}
	return path, nil
}

// WriteScenario writes scenario as JSON compressed with configured compression.
// File name is scenario name plus extension of compression
func (writer *ArtifactWriter) WriteScenario(scenario *Scenario) (string, error) {
	name := scenario.Name
	if name == "" {
		name = "scenario"
	}
	path := filepath.Join(writer.dir, filepath.Base(name)+writer.compression.Extension())
	data, err := json.Marshal(scenario)
	if err != nil {
		return "", &SerializationError{Path: path, Err: errors.Wrap(err, "Can't marshal scenario")}
	}
	data = append(data, '\n')
	compression := writer.compression
	err = writeAtomic(path, func(w io.Writer) error {
		return writeCompressed(w, compression, data)
	})
	if err != nil {
		return "", err
	}
	writer.logger.Info("scenario written", "path", path, "trips", len(scenario.Trips), "compression", compression.String())
	return path, nil
}

func writeCompressed(w io.Writer, compression Compression, data []byte) error {
	switch compression {
	case COMPRESSION_ZSTD:
		// Single encoder goroutine keeps output stable between runs
		encoder, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return errors.Wrap(err, "Can't create zstd encoder")
		}
		if _, err := encoder.Write(data); err != nil {
			encoder.Close()
			return errors.Wrap(err, "Can't compress with zstd")
		}
		return encoder.Close()
	case COMPRESSION_LZ4:
		encoder := lz4.NewWriter(w)
		if _, err := encoder.Write(data); err != nil {
			encoder.Close()
			return errors.Wrap(err, "Can't compress with lz4")
		}
		return encoder.Close()
	default:
		_, err := w.Write(data)
		return err
	}
}

// ReadScenario reads scenario written by WriteScenario. Compression is guessed by extension. Checksum is verified
func ReadScenario(path string) (*Scenario, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &SerializationError{Path: path, Err: errors.Wrap(err, "Can't open scenario")}
	}
	defer file.Close()

	var r io.Reader = file
	switch compressionByPath(path) {
	case COMPRESSION_ZSTD:
		decoder, err := zstd.NewReader(file)
		if err != nil {
			return nil, &SerializationError{Path: path, Err: errors.Wrap(err, "Can't create zstd decoder")}
		}
		defer decoder.Close()
		r = decoder
	case COMPRESSION_LZ4:
		r = lz4.NewReader(file)
	}
	var scenario Scenario
	if err := json.NewDecoder(r).Decode(&scenario); err != nil {
		return nil, &SerializationError{Path: path, Err: errors.Wrap(err, "Can't decode scenario")}
	}
	if err := scenario.VerifyChecksum(); err != nil {
		return nil, &SerializationError{Path: path, Err: err}
	}
	return &scenario, nil
}

// WriteReport writes run report as indented JSON
func (writer *ArtifactWriter) WriteReport(run *PipelineRun) (string, error) {
	path := filepath.Join(writer.dir, "report.json")
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return "", &SerializationError{Path: path, Err: errors.Wrap(err, "Can't marshal report")}
	}
	err = writeAtomic(path, func(w io.Writer) error {
		_, err := w.Write(append(data, '\n'))
		return err
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

// writeAtomic stages output in a temporary file next to path and renames it into place on success.
// On any failure the temporary file is removed and the canonical path is left untouched
func writeAtomic(path string, write func(w io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &SerializationError{Path: path, Err: errors.Wrap(err, "Can't create directory")}
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return &SerializationError{Path: path, Err: errors.Wrap(err, "Can't create temporary file")}
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	buffered := bufio.NewWriter(tmp)
	if err = write(buffered); err != nil {
		return &SerializationError{Path: path, Err: err}
	}
	if err = buffered.Flush(); err != nil {
		return &SerializationError{Path: path, Err: errors.Wrap(err, "Can't flush")}
	}
	if err = tmp.Sync(); err != nil {
		return &SerializationError{Path: path, Err: errors.Wrap(err, "Can't sync")}
	}
	if err = tmp.Close(); err != nil {
		return &SerializationError{Path: path, Err: errors.Wrap(err, "Can't close")}
	}
	if err = os.Chmod(tmpName, 0o644); err != nil {
		return &SerializationError{Path: path, Err: errors.Wrap(err, "Can't chmod")}
	}
	if err = os.Rename(tmpName, path); err != nil {
		return &SerializationError{Path: path, Err: errors.Wrap(err, "Can't rename")}
	}
	return nil
}
