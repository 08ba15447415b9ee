package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/LdDl/osm2sim"
	"github.com/go-playground/validator/v10"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ENV_PREFIX is prepended to every environment override name
const ENV_PREFIX = "OSM2SIM_"

// NetworkConfig points to OSM extract which road network is built from
type NetworkConfig struct {
	Path string `yaml:"path" validate:"required"`
	// Highway tags to keep. Empty means default set
	Tags []string `yaml:"tags"`
	// EPSG:3857 projects network into meters, EPSG:4326 keeps degrees
	CRS string `yaml:"crs" validate:"omitempty,oneof=EPSG:4326 EPSG:3857"`
}

// SourceConfig is a single external dataset
type SourceConfig struct {
	Name   string `yaml:"name" validate:"required"`
	Kind   string `yaml:"kind" validate:"required,oneof=collision parking amenity bike_parking traffic_signal"`
	Path   string `yaml:"path" validate:"required"`
	Format string `yaml:"format" validate:"omitempty,oneof=csv geojson"`
	CRS    string `yaml:"crs"`
}

// CellConfig is a population cell given inline
type CellConfig struct {
	ID         string  `yaml:"id" validate:"required"`
	X          float64 `yaml:"x"`
	Y          float64 `yaml:"y"`
	Population int     `yaml:"population" validate:"gte=0"`
	Jobs       int     `yaml:"jobs" validate:"gte=0"`
	Households int     `yaml:"households" validate:"gte=0"`
}

// PopulationConfig is either path to CSV file or inline cells
type PopulationConfig struct {
	Path  string       `yaml:"path" validate:"required_without=Cells"`
	Cells []CellConfig `yaml:"cells" validate:"dive"`
	// Coordinate system of cell centroids
	CRS string `yaml:"crs"`
}

// DistributionConfig is a discrete distribution
type DistributionConfig struct {
	Values  []float64 `yaml:"values" validate:"required,min=1"`
	Weights []float64 `yaml:"weights" validate:"required,min=1"`
}

// SurveyConfig holds travel survey distributions
type SurveyConfig struct {
	TripRate        DistributionConfig `yaml:"trip_rate"`
	ModeShare       map[string]float64 `yaml:"mode_share" validate:"required,min=1"`
	DepartureHours  DistributionConfig `yaml:"departure_hours"`
	Purposes        map[string]float64 `yaml:"purposes"`
	MaxTripsPerCell int                `yaml:"max_trips_per_cell" validate:"gte=0"`
	MaxWalkMeters   float64            `yaml:"max_walk_meters" validate:"gte=0"`
	MaxBikeMeters   float64            `yaml:"max_bike_meters" validate:"gte=0"`
}

// OutputConfig is where artifacts are written
type OutputConfig struct {
	Dir          string `yaml:"dir" validate:"required"`
	Compression  string `yaml:"compression" validate:"omitempty,oneof=none zstd lz4"`
	ScenarioName string `yaml:"scenario_name"`
	// Prometheus text file written after the run. Empty disables it
	MetricsFile string `yaml:"metrics_file"`
}

// LogConfig is logger setup
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// ReportConfig enables publication of run reports to Kafka
type ReportConfig struct {
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic" validate:"required_with=KafkaBrokers"`
}

// Config is the whole application configuration
type Config struct {
	Tolerance          float64 `yaml:"tolerance" validate:"gte=0"`
	Seed               uint64  `yaml:"seed"`
	UnmatchedThreshold float64 `yaml:"unmatched_threshold" validate:"gte=0,lte=1"`
	// WKT polygon. Empty means no clipping
	Boundary string `yaml:"boundary"`
	// Coordinate system of boundary. Empty means network one
	BoundaryCRS        string           `yaml:"boundary_crs"`
	Workers            int              `yaml:"workers" validate:"gte=0"`
	RouterSnapDistance float64          `yaml:"router_snap_distance" validate:"gte=0"`
	Network            NetworkConfig    `yaml:"network"`
	Sources            []SourceConfig   `yaml:"sources" validate:"dive"`
	Population         PopulationConfig `yaml:"population"`
	Survey             SurveyConfig     `yaml:"survey"`
	Output             OutputConfig     `yaml:"output"`
	Log                LogConfig        `yaml:"log"`
	Report             ReportConfig     `yaml:"report"`
}

// Default returns configuration with every optional field set
func Default() Config {
	return Config{
		Tolerance:          15,
		UnmatchedThreshold: 0.1,
		Network: NetworkConfig{
			CRS: osm2sim.CRS_WEB_MERCATOR.String(),
		},
		Output: OutputConfig{
			Dir:          "out",
			Compression:  "none",
			ScenarioName: "scenario",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads YAML file, applies environment overrides and validates result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "Can't read configuration file")
	}
	return Parse(data, os.LookupEnv)
}

// Parse decodes YAML over defaults, applies overrides taken from lookup and validates result
func Parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "Can't decode configuration")
	}
	if lookup != nil {
		if err := cfg.applyEnv(lookup); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and cross-field rules
func (cfg *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return errors.Wrap(err, "Bad configuration")
	}
	names := make(map[string]struct{}, len(cfg.Sources))
	for _, src := range cfg.Sources {
		if _, ok := names[src.Name]; ok {
			return errors.Errorf("Duplicate source name '%s'", src.Name)
		}
		names[src.Name] = struct{}{}
		if _, err := osm2sim.ParseCoordinateSystem(src.CRS); err != nil {
			return errors.Wrapf(err, "Source '%s'", src.Name)
		}
	}
	if _, err := osm2sim.ParseCoordinateSystem(cfg.Population.CRS); err != nil {
		return errors.Wrap(err, "Population")
	}
	if cfg.Boundary != "" {
		if _, err := cfg.BoundaryPolygon(); err != nil {
			return err
		}
	}
	if _, err := cfg.Survey.Distributions(); err != nil {
		return err
	}
	return nil
}

func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {
	var err error
	if v, ok := lookup(ENV_PREFIX + "TOLERANCE"); ok {
		if cfg.Tolerance, err = strconv.ParseFloat(v, 64); err != nil {
			return errors.Wrapf(err, "Bad %sTOLERANCE", ENV_PREFIX)
		}
	}
	if v, ok := lookup(ENV_PREFIX + "SEED"); ok {
		if cfg.Seed, err = strconv.ParseUint(v, 10, 64); err != nil {
			return errors.Wrapf(err, "Bad %sSEED", ENV_PREFIX)
		}
	}
	if v, ok := lookup(ENV_PREFIX + "UNMATCHED_THRESHOLD"); ok {
		if cfg.UnmatchedThreshold, err = strconv.ParseFloat(v, 64); err != nil {
			return errors.Wrapf(err, "Bad %sUNMATCHED_THRESHOLD", ENV_PREFIX)
		}
	}
	if v, ok := lookup(ENV_PREFIX + "WORKERS"); ok {
		if cfg.Workers, err = strconv.Atoi(v); err != nil {
			return errors.Wrapf(err, "Bad %sWORKERS", ENV_PREFIX)
		}
	}
	if v, ok := lookup(ENV_PREFIX + "BOUNDARY"); ok {
		cfg.Boundary = v
	}
	if v, ok := lookup(ENV_PREFIX + "OUTPUT_DIR"); ok {
		cfg.Output.Dir = v
	}
	if v, ok := lookup(ENV_PREFIX + "COMPRESSION"); ok {
		cfg.Output.Compression = strings.ToLower(v)
	}
	if v, ok := lookup(ENV_PREFIX + "LOG_LEVEL"); ok {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v, ok := lookup(ENV_PREFIX + "LOG_FORMAT"); ok {
		cfg.Log.Format = strings.ToLower(v)
	}
	if v, ok := lookup(ENV_PREFIX + "KAFKA_BROKERS"); ok {
		cfg.Report.KafkaBrokers = parseBrokers(v)
	}
	if v, ok := lookup(ENV_PREFIX + "KAFKA_TOPIC"); ok {
		cfg.Report.KafkaTopic = v
	}
	return nil
}

// parseBrokers splits comma-separated list dropping empty items
func parseBrokers(s string) []string {
	parts := strings.Split(s, ",")
	brokers := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			brokers = append(brokers, part)
		}
	}
	return brokers
}

// NetworkCRS returns coordinate system network is built in
func (cfg *Config) NetworkCRS() osm2sim.CoordinateSystem {
	crs, err := osm2sim.ParseCoordinateSystem(cfg.Network.CRS)
	if err != nil || crs == osm2sim.CRS_UNDEFINED {
		return osm2sim.CRS_WEB_MERCATOR
	}
	return crs
}

// OsmConfiguration returns OSM loader settings
func (cfg *Config) OsmConfiguration() *osm2sim.OsmConfiguration {
	osmCfg := osm2sim.DefaultOsmConfiguration()
	if len(cfg.Network.Tags) > 0 {
		osmCfg.Tags = append([]string{}, cfg.Network.Tags...)
	}
	osmCfg.Project = cfg.NetworkCRS() == osm2sim.CRS_WEB_MERCATOR
	return osmCfg
}

// BoundaryPolygon parses clip region and converts it into network coordinate system. Nil means no clipping
func (cfg *Config) BoundaryPolygon() (orb.Polygon, error) {
	if cfg.Boundary == "" {
		return nil, nil
	}
	polygon, err := osm2sim.ParseBoundaryWKT(cfg.Boundary)
	if err != nil {
		return nil, err
	}
	crs, err := osm2sim.ParseCoordinateSystem(cfg.BoundaryCRS)
	if err != nil {
		return nil, errors.Wrap(err, "Boundary")
	}
	to := cfg.NetworkCRS()
	if crs == osm2sim.CRS_UNDEFINED || crs == to {
		return polygon, nil
	}
	var proj orb.Projection
	switch {
	case crs == osm2sim.CRS_WGS84 && to == osm2sim.CRS_WEB_MERCATOR:
		proj = project.WGS84.ToMercator
	case crs == osm2sim.CRS_WEB_MERCATOR && to == osm2sim.CRS_WGS84:
		proj = project.Mercator.ToWGS84
	default:
		return nil, errors.Wrapf(osm2sim.ErrCoordinateSystemMismatch, "Boundary declares '%s' while network uses '%s'", crs, to)
	}
	return project.Polygon(polygon, proj), nil
}

// RecordsSources returns dataset descriptions in configured order
func (cfg *Config) RecordsSources() ([]osm2sim.RecordsSource, error) {
	sources := make([]osm2sim.RecordsSource, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		kind, err := osm2sim.ParseRecordKind(src.Kind)
		if err != nil {
			return nil, errors.Wrapf(err, "Source '%s'", src.Name)
		}
		format := osm2sim.RECORDS_UNDEFINED
		if src.Format != "" {
			if format, err = osm2sim.ParseRecordsFormat(src.Format); err != nil {
				return nil, errors.Wrapf(err, "Source '%s'", src.Name)
			}
		}
		crs, err := osm2sim.ParseCoordinateSystem(src.CRS)
		if err != nil {
			return nil, errors.Wrapf(err, "Source '%s'", src.Name)
		}
		sources = append(sources, osm2sim.RecordsSource{
			Name:   src.Name,
			Kind:   kind,
			Path:   src.Path,
			Format: format,
			CRS:    crs,
		})
	}
	return sources, nil
}

// InlineCells returns cells given in configuration file
func (population *PopulationConfig) InlineCells() []osm2sim.PopulationCell {
	cells := make([]osm2sim.PopulationCell, 0, len(population.Cells))
	for _, cell := range population.Cells {
		cells = append(cells, osm2sim.PopulationCell{
			ID:         cell.ID,
			Centroid:   orb.Point{cell.X, cell.Y},
			Population: cell.Population,
			Jobs:       cell.Jobs,
			Households: cell.Households,
		})
	}
	return cells
}

// Distributions converts survey section into synthesis distributions
func (survey *SurveyConfig) Distributions() (osm2sim.SurveyDistributions, error) {
	out := osm2sim.SurveyDistributions{
		TripRate:        osm2sim.Distribution{Values: survey.TripRate.Values, Weights: survey.TripRate.Weights},
		DepartureHours:  osm2sim.Distribution{Values: survey.DepartureHours.Values, Weights: survey.DepartureHours.Weights},
		ModeShare:       make(map[osm2sim.TripMode]float64, len(survey.ModeShare)),
		MaxTripsPerCell: survey.MaxTripsPerCell,
	}
	for name, share := range survey.ModeShare {
		mode, err := osm2sim.ParseTripMode(name)
		if err != nil {
			return out, errors.Wrap(err, "Survey mode share")
		}
		out.ModeShare[mode] = share
	}
	if len(survey.Purposes) > 0 {
		out.Purposes = make(map[osm2sim.TripPurpose]float64, len(survey.Purposes))
		for name, share := range survey.Purposes {
			purpose, err := osm2sim.ParseTripPurpose(name)
			if err != nil {
				return out, errors.Wrap(err, "Survey purposes")
			}
			out.Purposes[purpose] = share
		}
	}
	if err := out.Validate(); err != nil {
		return out, errors.Wrap(err, "Bad survey")
	}
	return out, nil
}

// PipelineConfig returns run parameters of the pipeline
func (cfg *Config) PipelineConfig() (osm2sim.PipelineConfig, error) {
	boundary, err := cfg.BoundaryPolygon()
	if err != nil {
		return osm2sim.PipelineConfig{}, err
	}
	survey, err := cfg.Survey.Distributions()
	if err != nil {
		return osm2sim.PipelineConfig{}, err
	}
	return osm2sim.PipelineConfig{
		Tolerance:          cfg.Tolerance,
		Seed:               cfg.Seed,
		UnmatchedThreshold: cfg.UnmatchedThreshold,
		Boundary:           boundary,
		Survey:             survey,
		ScenarioName:       cfg.Output.ScenarioName,
		Workers:            cfg.Workers,
		RouterSnapDistance: cfg.RouterSnapDistance,
		Geodesic:           cfg.NetworkCRS() == osm2sim.CRS_WGS84,
		MaxWalkMeters:      cfg.Survey.MaxWalkMeters,
		MaxBikeMeters:      cfg.Survey.MaxBikeMeters,
	}, nil
}
