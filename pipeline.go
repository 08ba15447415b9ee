package osm2sim

import (
	"context"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"time"

	"github.com/LdDl/osm2sim/observability"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/planar"
	"github.com/pkg/errors"
)

// SourceInput is a single external dataset already loaded in memory
type SourceInput struct {
	Name    string
	Kind    RecordKind
	Records []ExternalRecord
}

// PipelineConfig holds run parameters
type PipelineConfig struct {
	// Max matching distance in network units
	Tolerance float64
	Seed      uint64
	// Fraction [0;1] of unmatched records (or failed cells) tolerated before a stage is marked Failed
	UnmatchedThreshold float64
	// Clip region in network coordinate system. Nil means no clipping
	Boundary     orb.Polygon
	Survey       SurveyDistributions
	ScenarioName string
	// Zero means GOMAXPROCS
	Workers int
	// Positive value enables network distances in mode choice: points are snapped to segments within this distance
	RouterSnapDistance float64
	// Cell centroids are lon/lat degrees whatever the network CRS is
	Geodesic      bool
	MaxWalkMeters float64
	MaxBikeMeters float64
}

// Validate checks run parameters
func (cfg *PipelineConfig) Validate() error {
	if math.IsNaN(cfg.Tolerance) || math.IsInf(cfg.Tolerance, 0) || cfg.Tolerance < 0 {
		return errors.Errorf("Tolerance must be finite non-negative number, but got %f", cfg.Tolerance)
	}
	if math.IsNaN(cfg.UnmatchedThreshold) || cfg.UnmatchedThreshold < 0 || cfg.UnmatchedThreshold > 1 {
		return errors.Errorf("Unmatched threshold must be in [0;1], but got %f", cfg.UnmatchedThreshold)
	}
	if cfg.Boundary != nil && (len(cfg.Boundary) == 0 || len(cfg.Boundary[0]) < 4) {
		return errors.New("Boundary must be a polygon with closed outer ring")
	}
	return nil
}

// PipelineOutput holds everything produced by a run. Run is never nil
type PipelineOutput struct {
	Run      *PipelineRun
	Enriched *EnrichedNetwork
	Scenario *Scenario
}

// Pipeline sequences index build, conflation of every source, synthesis and artifact writing
type Pipeline struct {
	cfg        PipelineConfig
	writer     *ArtifactWriter
	logger     *slog.Logger
	clock      clockwork.Clock
	metrics    *observability.Metrics
	transforms []CoordinateTransform
	newRunID   func() string
}

// NewPipeline returns pipeline. Nil writer disables artifact writing
func NewPipeline(cfg PipelineConfig, writer *ArtifactWriter, options ...func(*Pipeline)) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "Bad pipeline configuration")
	}
	p := &Pipeline{
		cfg:      cfg,
		writer:   writer,
		logger:   slog.New(slog.DiscardHandler),
		clock:    clockwork.NewRealClock(),
		newRunID: uuid.NewString,
	}
	for _, option := range options {
		option(p)
	}
	return p, nil
}

// WithPipelineLogger sets logger. It is passed to every stage
func WithPipelineLogger(logger *slog.Logger) func(*Pipeline) {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithClock sets time source of run timestamps and stage durations
func WithClock(clock clockwork.Clock) func(*Pipeline) {
	return func(p *Pipeline) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithMetrics enables Prometheus metrics
func WithMetrics(metrics *observability.Metrics) func(*Pipeline) {
	return func(p *Pipeline) {
		p.metrics = metrics
	}
}

// WithPipelineTransform registers coordinate transform for records declaring another coordinate system
func WithPipelineTransform(transform CoordinateTransform) func(*Pipeline) {
	return func(p *Pipeline) {
		p.transforms = append(p.transforms, transform)
	}
}

// WithRunID sets generator of run identifiers
func WithRunID(newRunID func() string) func(*Pipeline) {
	return func(p *Pipeline) {
		if newRunID != nil {
			p.newRunID = newRunID
		}
	}
}

// runState carries a single run through stages
type runState struct {
	ctx     context.Context
	run     *PipelineRun
	out     *PipelineOutput
	net     *Network
	index   *SpatialIndex
	stageSt time.Time
}

// Run executes every stage in dependency order. The first failed stage halts the run: later sources stay Pending
// and the run is reported Failed. Returned output (and its Run) is never nil, error describes the failure.
// Cancellation is checked between stages only
func (p *Pipeline) Run(ctx context.Context, net *Network, sources []SourceInput, cells []PopulationCell) (*PipelineOutput, error) {
	stages := make([]SourceRun, 0, len(sources)+1)
	for _, src := range sources {
		stages = append(stages, SourceRun{Name: src.Name, Kind: src.Kind.String()})
	}
	stages = append(stages, SourceRun{Name: SYNTHESIS_STAGE, Kind: SYNTHESIS_STAGE})

	state := &runState{
		ctx: ctx,
		run: NewPipelineRun(p.newRunID(), stages),
	}
	state.out = &PipelineOutput{Run: state.run}
	if err := state.run.Start(p.clock.Now()); err != nil {
		return state.out, err
	}
	if p.metrics != nil {
		p.metrics.PipelineRunning.Set(1)
		defer p.metrics.PipelineRunning.Set(0)
	}
	logger := p.logger.With("run_id", state.run.RunID)
	logger.Info("pipeline started", "sources", len(sources), "cells", len(cells))

	if err := p.buildIndex(state, net, logger); err != nil {
		return p.finish(state, err, logger)
	}

	attachments := []Attachment{}
	for i := range sources {
		if err := ctx.Err(); err != nil {
			return p.finish(state, err, logger)
		}
		sourceAttachments, err := p.conflateSource(state, &sources[i], &state.run.Sources[i], logger)
		if err != nil {
			return p.finish(state, err, logger)
		}
		attachments = append(attachments, sourceAttachments...)
	}
	state.out.Enriched = NewEnrichedNetwork(state.net, attachments)

	if err := ctx.Err(); err != nil {
		return p.finish(state, err, logger)
	}
	if err := p.synthesize(state, cells, &state.run.Sources[len(sources)], logger); err != nil {
		return p.finish(state, err, logger)
	}

	if err := ctx.Err(); err != nil {
		return p.finish(state, err, logger)
	}
	if err := p.writeArtifacts(state, logger); err != nil {
		return p.finish(state, err, logger)
	}
	return p.finish(state, nil, logger)
}

func (p *Pipeline) startStage(state *runState) {
	state.stageSt = p.clock.Now()
}

func (p *Pipeline) endStage(state *runState, stage string, logger *slog.Logger) {
	elapsed := p.clock.Since(state.stageSt)
	if p.metrics != nil {
		p.metrics.StageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	}
	logger.Info("stage done", "stage", stage, "elapsed", elapsed)
}

// buildIndex validates network, clips it by boundary and builds spatial index over what is left
func (p *Pipeline) buildIndex(state *runState, net *Network, logger *slog.Logger) error {
	p.startStage(state)
	defer p.endStage(state, "index", logger)
	if net == nil {
		return ErrEmptyNetwork
	}
	if err := net.Validate(); err != nil {
		return errors.Wrap(err, "Bad network")
	}
	index, err := BuildSpatialIndex(net.Elements)
	if err != nil {
		return errors.Wrap(err, "Can't build spatial index")
	}
	if p.cfg.Boundary != nil {
		ids := index.InsidePolygon(p.cfg.Boundary)
		if len(ids) == 0 {
			return errors.Wrap(ErrEmptyNetwork, "No network elements inside boundary")
		}
		keep := make(map[ElementID]struct{}, len(ids))
		for _, id := range ids {
			keep[id] = struct{}{}
		}
		logger.Info("network clipped", "elements", len(net.Elements), "inside", len(ids))
		net = net.subset(keep)
		index, err = BuildSpatialIndex(net.Elements)
		if err != nil {
			return errors.Wrap(err, "Can't build spatial index over clipped network")
		}
	}
	state.net = net
	state.index = index
	return nil
}

// conflateSource moves source through its states and returns its attachments.
// Error is returned when source ends Failed
func (p *Pipeline) conflateSource(state *runState, src *SourceInput, srcRun *SourceRun, logger *slog.Logger) ([]Attachment, error) {
	p.startStage(state)
	defer p.endStage(state, "conflation", logger)
	logger = logger.With("source", src.Name)

	if err := srcRun.transition(STATUS_RUNNING, p.clock.Now()); err != nil {
		return nil, err
	}
	if len(src.Records) == 0 {
		err := errors.Wrapf(ErrEmptyInputSet, "Source '%s' has no records", src.Name)
		return nil, p.failSource(srcRun, err)
	}
	records, clipped := p.clipRecords(src.Records, state.net.CRS)
	srcRun.Clipped = clipped

	options := []func(*Conflator){
		WithConflationLogger(logger),
		WithConflationWorkers(p.workers()),
	}
	for _, transform := range p.transforms {
		options = append(options, WithTransform(transform))
	}
	result := &ConflationResult{Attachments: []Attachment{}, Unmatched: []RecordID{}}
	if len(records) > 0 {
		var err error
		result, err = Conflate(state.ctx, state.index, state.net, records, p.cfg.Tolerance, options...)
		if err != nil {
			return nil, p.failSource(srcRun, errors.Wrapf(err, "Source '%s'", src.Name))
		}
	}
	srcRun.Total = len(records)
	srcRun.Matched = len(result.Attachments)
	srcRun.Unmatched = len(result.Unmatched)
	examples := make([]string, 0, len(result.Unmatched))
	for _, id := range result.Unmatched {
		examples = append(examples, string(id))
	}
	srcRun.UnmatchedExamples = firstExamples(examples)
	if p.metrics != nil {
		p.metrics.RecordsProcessed.WithLabelValues(src.Name, "matched").Add(float64(srcRun.Matched))
		p.metrics.RecordsProcessed.WithLabelValues(src.Name, "unmatched").Add(float64(srcRun.Unmatched))
		p.metrics.RecordsProcessed.WithLabelValues(src.Name, "clipped").Add(float64(srcRun.Clipped))
	}
	if err := srcRun.finish(p.cfg.UnmatchedThreshold, p.clock.Now()); err != nil {
		return nil, err
	}
	p.recordStatus(srcRun)
	logger.Info("source conflated",
		"status", srcRun.Status.String(),
		"total", srcRun.Total,
		"matched", srcRun.Matched,
		"unmatched", srcRun.Unmatched,
		"clipped", srcRun.Clipped,
	)
	if srcRun.Status == STATUS_FAILED {
		return nil, errors.Wrapf(ErrRecordMatchFailure, "Source '%s': %s", src.Name, srcRun.Error)
	}
	return result.Attachments, nil
}

func (p *Pipeline) failSource(srcRun *SourceRun, err error) error {
	if errT := srcRun.fail(err, p.clock.Now()); errT != nil {
		return errT
	}
	p.recordStatus(srcRun)
	return err
}

func (p *Pipeline) recordStatus(srcRun *SourceRun) {
	if p.metrics != nil {
		p.metrics.SourceStatus.WithLabelValues(srcRun.Name, srcRun.Status.String()).Inc()
	}
}

// clipRecords drops records whose representative point is outside boundary.
// Records which can't be evaluated are kept so conflation reports them
func (p *Pipeline) clipRecords(records []ExternalRecord, crs CoordinateSystem) ([]ExternalRecord, int) {
	if p.cfg.Boundary == nil {
		return records, 0
	}
	kept := make([]ExternalRecord, 0, len(records))
	for i := range records {
		geom := records[i].Geom
		if records[i].CRS != CRS_UNDEFINED && records[i].CRS != crs {
			found := false
			for _, transform := range p.transforms {
				if transform.From == records[i].CRS && transform.To == crs {
					geom = transformGeometry(geom, transform.Project)
					found = true
					break
				}
			}
			if !found {
				kept = append(kept, records[i])
				continue
			}
		}
		pt, err := representativePoint(geom)
		if err != nil || planar.PolygonContains(p.cfg.Boundary, pt) {
			kept = append(kept, records[i])
		}
	}
	return kept, len(records) - len(kept)
}

// synthesize runs demand synthesis over cells inside boundary. Parking attachments boost drive share
func (p *Pipeline) synthesize(state *runState, cells []PopulationCell, srcRun *SourceRun, logger *slog.Logger) error {
	p.startStage(state)
	defer p.endStage(state, SYNTHESIS_STAGE, logger)

	if err := srcRun.transition(STATUS_RUNNING, p.clock.Now()); err != nil {
		return err
	}
	if len(cells) == 0 {
		return p.failSource(srcRun, errors.Wrap(ErrEmptyInputSet, "No population cells"))
	}
	kept := cells
	if p.cfg.Boundary != nil {
		kept = make([]PopulationCell, 0, len(cells))
		for i := range cells {
			if planar.PolygonContains(p.cfg.Boundary, cells[i].Centroid) {
				kept = append(kept, cells[i])
			}
		}
		srcRun.Clipped = len(cells) - len(kept)
		if len(kept) == 0 {
			return p.failSource(srcRun, errors.Wrap(ErrEmptyInputSet, "No population cells inside boundary"))
		}
	}

	options := []func(*Synthesizer){
		WithSynthesisLogger(logger),
		WithSynthesisWorkers(p.workers()),
		WithDistanceCRS(state.net.CRS),
		WithParkingDensity(ParkingDensity(state.out.Enriched, kept)),
	}
	if p.cfg.Geodesic {
		options = append(options, WithGeodesicDistance(true))
	}
	if p.cfg.ScenarioName != "" {
		options = append(options, WithScenarioName(p.cfg.ScenarioName))
	}
	if p.cfg.MaxWalkMeters > 0 {
		options = append(options, WithMaxWalkDistance(p.cfg.MaxWalkMeters))
	}
	if p.cfg.MaxBikeMeters > 0 {
		options = append(options, WithMaxBikeDistance(p.cfg.MaxBikeMeters))
	}
	if p.cfg.RouterSnapDistance > 0 {
		router, err := NewCHRouter(state.net, state.index, p.cfg.RouterSnapDistance, logger)
		if err != nil {
			logger.Warn("network router is not available, straight-line distances are used", "error", err)
		} else {
			options = append(options, WithRouter(router))
		}
	}
	scenario, err := Synthesize(state.ctx, kept, p.cfg.Survey, p.cfg.Seed, options...)
	if err != nil {
		return p.failSource(srcRun, errors.Wrap(err, "Synthesis"))
	}
	if p.cfg.Boundary != nil {
		scenario.Boundary = wkt.MarshalString(p.cfg.Boundary)
	}
	state.out.Scenario = scenario

	failed := make([]string, 0, len(scenario.Warnings))
	for _, warning := range scenario.Warnings {
		failed = append(failed, warning.CellID)
	}
	sort.Strings(failed)
	srcRun.Total = len(kept)
	srcRun.Unmatched = len(failed)
	srcRun.Matched = srcRun.Total - srcRun.Unmatched
	srcRun.Trips = len(scenario.Trips)
	srcRun.UnmatchedExamples = firstExamples(failed)
	if p.metrics != nil {
		p.metrics.TripsGenerated.Add(float64(len(scenario.Trips)))
		p.metrics.FailedCells.Add(float64(len(failed)))
	}
	if err := srcRun.finish(p.cfg.UnmatchedThreshold, p.clock.Now()); err != nil {
		return err
	}
	p.recordStatus(srcRun)
	for _, warning := range scenario.Warnings {
		logger.Warn("cell skipped", "cell", warning.CellID, "trips", warning.Skipped, "error", warning.Message)
	}
	if srcRun.Status == STATUS_FAILED {
		return errors.Wrapf(ErrNoValidDestination, "Synthesis: %s", srcRun.Error)
	}
	return nil
}

func (p *Pipeline) writeArtifacts(state *runState, logger *slog.Logger) error {
	if p.writer == nil {
		return nil
	}
	p.startStage(state)
	defer p.endStage(state, "artifacts", logger)

	var err error
	artifacts := &state.run.Artifacts
	if artifacts.Map, err = p.writer.WriteMap(state.out.Enriched); err != nil {
		return err
	}
	if artifacts.Elements, err = p.writer.WriteElementsCSV(state.out.Enriched.Network); err != nil {
		return err
	}
	if artifacts.Attachments, err = p.writer.WriteAttachmentsCSV(state.out.Enriched); err != nil {
		return err
	}
	if artifacts.Scenario, err = p.writer.WriteScenario(state.out.Scenario); err != nil {
		return err
	}
	return nil
}

// finish finalizes run and writes report. Report is written even for failed runs
func (p *Pipeline) finish(state *runState, runErr error, logger *slog.Logger) (*PipelineOutput, error) {
	if p.writer != nil {
		state.run.Artifacts.Report = filepath.Join(p.writer.Dir(), "report.json")
	}
	if err := state.run.Finalize(p.clock.Now(), runErr); err != nil {
		return state.out, err
	}
	if p.metrics != nil {
		p.metrics.RunsTotal.WithLabelValues(state.run.Status.String()).Inc()
	}
	if runErr != nil {
		logger.Error("pipeline failed", "status", state.run.Status.String(), "error", runErr)
	} else {
		logger.Info("pipeline done", "status", state.run.Status.String(), "elapsed", state.run.FinishedAt.Sub(state.run.StartedAt))
	}
	if p.writer != nil {
		if _, err := p.writer.WriteReport(state.run); err != nil {
			if runErr != nil {
				return state.out, errors.Wrapf(runErr, "Can't write report: %v", err)
			}
			return state.out, err
		}
	}
	return state.out, runErr
}

func (p *Pipeline) workers() int {
	return p.cfg.Workers
}

// ParkingDensity returns parking attachments per household for every cell. Each parking attachment
// is assigned to the cell with the closest centroid in meters (lower index wins ties)
func ParkingDensity(enriched *EnrichedNetwork, cells []PopulationCell) map[string]float64 {
	density := make(map[string]float64, len(cells))
	if enriched == nil || len(cells) == 0 {
		return density
	}
	crs := CRS_UNDEFINED
	if enriched.Network != nil {
		crs = enriched.Network.CRS
	}
	counts := make([]int, len(cells))
	for _, attachment := range enriched.Attachments {
		if attachment.Kind != RECORD_PARKING {
			continue
		}
		best := 0
		bestDist := math.Inf(1)
		for i := range cells {
			d := DistanceMeters(attachment.Point, cells[i].Centroid, crs)
			if d < bestDist {
				best = i
				bestDist = d
			}
		}
		counts[best]++
	}
	for i := range cells {
		if counts[i] == 0 {
			continue
		}
		households := cells[i].Households
		if households < 1 {
			households = 1
		}
		density[cells[i].ID] = float64(counts[i]) / float64(households)
	}
	return density
}
