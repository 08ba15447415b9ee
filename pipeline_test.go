package osm2sim

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/LdDl/osm2sim/observability"
	"github.com/jonboulle/clockwork"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pipelineStart = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func pipelineNetwork() *Network {
	return &Network{
		CRS: CRS_PLANAR,
		Elements: []NetworkElement{
			{ID: 1, Kind: ELEMENT_SEGMENT, Geom: orb.LineString{{0, 0}, {1000, 0}}, SourceNode: 1, TargetNode: 2, RoadClass: LINK_RESIDENTIAL},
			{ID: 2, Kind: ELEMENT_SEGMENT, Geom: orb.LineString{{1000, 0}, {1000, 1000}}, SourceNode: 2, TargetNode: 3, RoadClass: LINK_PRIMARY},
		},
	}
}

func pipelineSources() []SourceInput {
	return []SourceInput{
		{
			Name: "collisions",
			Kind: RECORD_COLLISION,
			Records: []ExternalRecord{
				pointRecord("c1", RECORD_COLLISION, 500, 5),
				pointRecord("c2", RECORD_COLLISION, 1005, 500),
			},
		},
		{
			Name: "parking",
			Kind: RECORD_PARKING,
			Records: []ExternalRecord{
				pointRecord("p1", RECORD_PARKING, 900, 10),
				pointRecord("p2", RECORD_PARKING, 3000, 3000),
			},
		},
	}
}

func pipelineCells() []PopulationCell {
	return []PopulationCell{
		{ID: "home", Centroid: orb.Point{100, 100}, Population: 100, Households: 10},
		{ID: "office", Centroid: orb.Point{900, 900}, Jobs: 50},
		{ID: "outside", Centroid: orb.Point{5000, 5000}, Population: 10, Jobs: 1, Households: 4},
	}
}

func pipelineConfig() PipelineConfig {
	return PipelineConfig{
		Tolerance:          20,
		Seed:               42,
		UnmatchedThreshold: 0.5,
		Survey:             testSurvey(),
		ScenarioName:       "weekday",
		Workers:            2,
	}
}

func newTestPipeline(t *testing.T, cfg PipelineConfig, dir string, metrics *observability.Metrics) *Pipeline {
	t.Helper()
	pipeline, err := NewPipeline(cfg, NewArtifactWriter(dir),
		WithClock(clockwork.NewFakeClockAt(pipelineStart)),
		WithRunID(func() string { return "run-1" }),
		WithMetrics(metrics),
	)
	require.NoError(t, err)
	return pipeline
}

func TestPipelineRun(t *testing.T) {
	dir := t.TempDir()
	metrics := observability.NewMetricsForTesting()
	pipeline := newTestPipeline(t, pipelineConfig(), dir, metrics)

	out, err := pipeline.Run(context.Background(), pipelineNetwork(), pipelineSources(), pipelineCells())
	require.NoError(t, err)
	run := out.Run
	assert.True(t, run.Finalized())
	assert.Equal(t, "run-1", run.RunID)
	assert.Equal(t, STATUS_PARTIALLY_MATCHED, run.Status)
	assert.Equal(t, pipelineStart, run.StartedAt)
	assert.Equal(t, pipelineStart, run.FinishedAt)

	collisions := run.Source("collisions")
	require.NotNil(t, collisions)
	assert.Equal(t, STATUS_SUCCEEDED, collisions.Status)
	assert.Equal(t, 2, collisions.Matched)

	parking := run.Source("parking")
	require.NotNil(t, parking)
	assert.Equal(t, STATUS_PARTIALLY_MATCHED, parking.Status)
	assert.Equal(t, 2, parking.Total)
	assert.Equal(t, 1, parking.Unmatched)
	assert.Equal(t, []string{"p2"}, parking.UnmatchedExamples)

	synthesis := run.Source(SYNTHESIS_STAGE)
	require.NotNil(t, synthesis)
	assert.Equal(t, STATUS_SUCCEEDED, synthesis.Status)
	assert.Equal(t, 33, synthesis.Trips)

	require.NotNil(t, out.Enriched)
	assert.Len(t, out.Enriched.Attachments, 3)
	require.NotNil(t, out.Scenario)
	assert.Len(t, out.Scenario.Trips, 33)

	for _, path := range []string{run.Artifacts.Map, run.Artifacts.Elements, run.Artifacts.Attachments, run.Artifacts.Scenario, run.Artifacts.Report} {
		require.NotEmpty(t, path)
		_, err := os.Stat(path)
		assert.NoError(t, err, path)
	}
	data, err := os.ReadFile(run.Artifacts.Report)
	require.NoError(t, err)
	var report PipelineRun
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, STATUS_PARTIALLY_MATCHED, report.Status)
	assert.Len(t, report.Sources, 3)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RunsTotal.WithLabelValues("partially_matched")))
	assert.Equal(t, 33.0, testutil.ToFloat64(metrics.TripsGenerated))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RecordsProcessed.WithLabelValues("parking", "unmatched")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.PipelineRunning))
}

func TestPipelineIdempotent(t *testing.T) {
	var scenarios, maps [][]byte
	for i := 0; i < 2; i++ {
		dir := t.TempDir()
		cfg := pipelineConfig()
		cfg.Workers = i*3 + 1
		out, err := newTestPipeline(t, cfg, dir, nil).Run(context.Background(), pipelineNetwork(), pipelineSources(), pipelineCells())
		require.NoError(t, err)
		scenario, err := os.ReadFile(out.Run.Artifacts.Scenario)
		require.NoError(t, err)
		scenarios = append(scenarios, scenario)
		enriched, err := os.ReadFile(out.Run.Artifacts.Map)
		require.NoError(t, err)
		maps = append(maps, enriched)
	}
	assert.Equal(t, scenarios[0], scenarios[1])
	assert.Equal(t, maps[0], maps[1])
}

func TestPipelineThresholdHalts(t *testing.T) {
	dir := t.TempDir()
	cfg := pipelineConfig()
	cfg.UnmatchedThreshold = 0.1
	out, err := newTestPipeline(t, cfg, dir, nil).Run(context.Background(), pipelineNetwork(), pipelineSources(), pipelineCells())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRecordMatchFailure)

	run := out.Run
	assert.Equal(t, STATUS_FAILED, run.Status)
	assert.Equal(t, STATUS_SUCCEEDED, run.Source("collisions").Status)
	assert.Equal(t, STATUS_FAILED, run.Source("parking").Status)
	assert.NotEmpty(t, run.Source("parking").Error)
	assert.Equal(t, STATUS_PENDING, run.Source(SYNTHESIS_STAGE).Status)
	assert.Nil(t, out.Scenario)

	// Only report is written
	assert.Empty(t, run.Artifacts.Map)
	assert.Empty(t, run.Artifacts.Scenario)
	_, err = os.Stat(filepath.Join(dir, "report.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "map.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestPipelineBoundary(t *testing.T) {
	cfg := pipelineConfig()
	cfg.Boundary = orb.Polygon{{{-10, -10}, {1100, -10}, {1100, 1100}, {-10, 1100}, {-10, -10}}}
	out, err := newTestPipeline(t, cfg, t.TempDir(), nil).Run(context.Background(), pipelineNetwork(), pipelineSources(), pipelineCells())
	require.NoError(t, err)
	run := out.Run
	assert.Equal(t, STATUS_SUCCEEDED, run.Status)

	parking := run.Source("parking")
	assert.Equal(t, 1, parking.Clipped)
	assert.Equal(t, 1, parking.Total)
	assert.Equal(t, 0, parking.Unmatched)

	synthesis := run.Source(SYNTHESIS_STAGE)
	assert.Equal(t, 1, synthesis.Clipped)
	assert.Equal(t, 2, synthesis.Total)
	assert.Equal(t, 30, synthesis.Trips)
	assert.NotEmpty(t, out.Scenario.Boundary)
	for _, trip := range out.Scenario.Trips {
		assert.NotEqual(t, "outside", trip.DestinationCell)
	}
}

func TestPipelineEverythingUnmatched(t *testing.T) {
	cfg := pipelineConfig()
	cfg.UnmatchedThreshold = 1
	sources := pipelineSources()
	sources[1].Records = sources[1].Records[1:]
	out, err := newTestPipeline(t, cfg, t.TempDir(), nil).Run(context.Background(), pipelineNetwork(), sources, pipelineCells())
	assert.ErrorIs(t, err, ErrRecordMatchFailure)

	parking := out.Run.Source("parking")
	require.NotNil(t, parking)
	assert.Equal(t, 1, parking.Total)
	assert.Equal(t, 1, parking.Unmatched)
	assert.Equal(t, STATUS_FAILED, parking.Status)
	assert.Equal(t, STATUS_FAILED, out.Run.Status)
	assert.Equal(t, STATUS_PENDING, out.Run.Source(SYNTHESIS_STAGE).Status)
}

func TestPipelineFailures(t *testing.T) {
	ctx := context.Background()

	out, err := newTestPipeline(t, pipelineConfig(), t.TempDir(), nil).Run(ctx, &Network{CRS: CRS_PLANAR}, pipelineSources(), pipelineCells())
	assert.ErrorIs(t, err, ErrEmptyNetwork)
	assert.Equal(t, STATUS_FAILED, out.Run.Status)
	assert.Equal(t, STATUS_PENDING, out.Run.Sources[0].Status)

	sources := pipelineSources()
	sources[1].Records = nil
	out, err = newTestPipeline(t, pipelineConfig(), t.TempDir(), nil).Run(ctx, pipelineNetwork(), sources, pipelineCells())
	assert.ErrorIs(t, err, ErrEmptyInputSet)
	assert.Equal(t, STATUS_FAILED, out.Run.Source("parking").Status)
	assert.Equal(t, STATUS_FAILED, out.Run.Status)

	out, err = newTestPipeline(t, pipelineConfig(), t.TempDir(), nil).Run(ctx, pipelineNetwork(), pipelineSources(), nil)
	assert.ErrorIs(t, err, ErrEmptyInputSet)
	assert.Equal(t, STATUS_FAILED, out.Run.Source(SYNTHESIS_STAGE).Status)

	mismatched := pipelineSources()
	mismatched[0].Records[0].CRS = CRS_WGS84
	out, err = newTestPipeline(t, pipelineConfig(), t.TempDir(), nil).Run(ctx, pipelineNetwork(), mismatched, pipelineCells())
	assert.ErrorIs(t, err, ErrCoordinateSystemMismatch)
	assert.Equal(t, STATUS_FAILED, out.Run.Status)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	out, err = newTestPipeline(t, pipelineConfig(), t.TempDir(), nil).Run(canceled, pipelineNetwork(), pipelineSources(), pipelineCells())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, STATUS_FAILED, out.Run.Status)

	cfg := pipelineConfig()
	cfg.UnmatchedThreshold = 2
	_, err = NewPipeline(cfg, nil)
	assert.Error(t, err)
}

func TestParkingDensity(t *testing.T) {
	enriched := NewEnrichedNetwork(pipelineNetwork(), []Attachment{
		{RecordID: "p1", ElementID: 1, Kind: RECORD_PARKING, Point: orb.Point{100, 0}},
		{RecordID: "p2", ElementID: 1, Kind: RECORD_PARKING, Point: orb.Point{150, 0}},
		{RecordID: "c1", ElementID: 1, Kind: RECORD_COLLISION, Point: orb.Point{100, 0}},
		{RecordID: "p3", ElementID: 2, Kind: RECORD_PARKING, Point: orb.Point{1000, 900}},
	})
	density := ParkingDensity(enriched, pipelineCells())
	assert.InDelta(t, 0.2, density["home"], 1e-12)
	// No households counts as one
	assert.InDelta(t, 1.0, density["office"], 1e-12)
	assert.NotContains(t, density, "outside")
}

func TestParkingDensityMercator(t *testing.T) {
	toMercator := TransformWGS84ToWebMercator.Project
	cells := []PopulationCell{
		{ID: "south", Centroid: toMercator(orb.Point{0, 50}), Households: 1},
		{ID: "east", Centroid: toMercator(orb.Point{18.5, 60}), Households: 1},
	}
	attachments := []Attachment{{RecordID: "p", ElementID: 1, Kind: RECORD_PARKING, Point: toMercator(orb.Point{0, 60})}}

	// About 1026 km to the east cell against 1113 km to the south cell
	density := ParkingDensity(NewEnrichedNetwork(&Network{CRS: CRS_WEB_MERCATOR}, attachments), cells)
	assert.Equal(t, map[string]float64{"east": 1}, density)

	// Raw mercator units favour the south cell
	density = ParkingDensity(NewEnrichedNetwork(&Network{CRS: CRS_PLANAR}, attachments), cells)
	assert.Equal(t, map[string]float64{"south": 1}, density)
}
