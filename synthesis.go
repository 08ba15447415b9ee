package osm2sim

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math"
	"math/rand/v2"
	"runtime"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	DEFAULT_MAX_WALK_METERS = 2000.0
	DEFAULT_MAX_BIKE_METERS = 8000.0
	secondsPerHour          = 3600
	secondsPerDay           = 86400
)

var (
	tripNamespace   = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/LdDl/osm2sim/trip"))
	personNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/LdDl/osm2sim/person"))
)

// Synthesizer turns population cells and survey distributions into trips
type Synthesizer struct {
	workers           int
	logger            *slog.Logger
	router            Router
	crs               CoordinateSystem
	destinationFilter func(origin, candidate *PopulationCell) bool
	parkingDensity    map[string]float64
	maxWalkMeters     float64
	maxBikeMeters     float64
	name              string
}

// NewSynthesizer returns synthesizer with default settings: GOMAXPROCS workers, straight-line planar distances,
// every cell having jobs is a destination candidate
func NewSynthesizer(options ...func(*Synthesizer)) *Synthesizer {
	synthesizer := &Synthesizer{
		workers:       runtime.GOMAXPROCS(0),
		logger:        slog.New(slog.DiscardHandler),
		maxWalkMeters: DEFAULT_MAX_WALK_METERS,
		maxBikeMeters: DEFAULT_MAX_BIKE_METERS,
		name:          "scenario",
	}
	for _, option := range options {
		option(synthesizer)
	}
	if synthesizer.workers < 1 {
		synthesizer.workers = 1
	}
	return synthesizer
}

// WithSynthesisWorkers sets number of parallel workers. Output does not depend on it
func WithSynthesisWorkers(workers int) func(*Synthesizer) {
	return func(synthesizer *Synthesizer) {
		synthesizer.workers = workers
	}
}

// WithSynthesisLogger sets logger
func WithSynthesisLogger(logger *slog.Logger) func(*Synthesizer) {
	return func(synthesizer *Synthesizer) {
		if logger != nil {
			synthesizer.logger = logger
		}
	}
}

// WithRouter makes mode choice use network distances. Straight-line distance is used when router can't connect points
func WithRouter(router Router) func(*Synthesizer) {
	return func(synthesizer *Synthesizer) {
		synthesizer.router = router
	}
}

// WithGeodesicDistance treats centroids as lon/lat degrees and uses haversine distance in meters
func WithGeodesicDistance(geodesic bool) func(*Synthesizer) {
	return func(synthesizer *Synthesizer) {
		if geodesic {
			synthesizer.crs = CRS_WGS84
		} else if synthesizer.crs == CRS_WGS84 {
			synthesizer.crs = CRS_UNDEFINED
		}
	}
}

// WithDistanceCRS sets coordinate system of centroids. Straight-line distances are converted into meters accordingly
func WithDistanceCRS(crs CoordinateSystem) func(*Synthesizer) {
	return func(synthesizer *Synthesizer) {
		synthesizer.crs = crs
	}
}

// WithDestinationFilter restricts destination candidates of each origin cell. Candidates without jobs are never chosen
func WithDestinationFilter(filter func(origin, candidate *PopulationCell) bool) func(*Synthesizer) {
	return func(synthesizer *Synthesizer) {
		synthesizer.destinationFilter = filter
	}
}

// WithParkingDensity sets parking attachments per household by cell ID. Drive weight is multiplied by (1 + density) of destination cell
func WithParkingDensity(density map[string]float64) func(*Synthesizer) {
	return func(synthesizer *Synthesizer) {
		synthesizer.parkingDensity = density
	}
}

// WithMaxWalkDistance sets max trip distance for walking
func WithMaxWalkDistance(meters float64) func(*Synthesizer) {
	return func(synthesizer *Synthesizer) {
		synthesizer.maxWalkMeters = meters
	}
}

// WithMaxBikeDistance sets max trip distance for cycling
func WithMaxBikeDistance(meters float64) func(*Synthesizer) {
	return func(synthesizer *Synthesizer) {
		synthesizer.maxBikeMeters = meters
	}
}

// WithScenarioName sets name of produced scenario
func WithScenarioName(name string) func(*Synthesizer) {
	return func(synthesizer *Synthesizer) {
		synthesizer.name = name
	}
}

// Synthesize is shorthand for NewSynthesizer(options...).Synthesize(...)
func Synthesize(ctx context.Context, cells []PopulationCell, survey SurveyDistributions, seed uint64, options ...func(*Synthesizer)) (*Scenario, error) {
	return NewSynthesizer(options...).Synthesize(ctx, cells, survey, seed)
}

// stream is a random stream whose state depends only on (seed, label, ordinal)
type stream struct {
	pcg *rand.PCG
}

func newStream(seed uint64, label string, ordinal uint64) stream {
	var buf [8]byte
	h := xxhash.New()
	binary.LittleEndian.PutUint64(buf[:], seed)
	h.Write(buf[:])
	h.WriteString(label)
	binary.LittleEndian.PutUint64(buf[:], ordinal)
	h.Write(buf[:])
	return stream{pcg: rand.NewPCG(h.Sum64(), seed^ordinal)}
}

// float64 returns uniform number in [0;1) with 53 bits of precision
func (s stream) float64() float64 {
	return float64(s.pcg.Uint64()>>11) / (1 << 53)
}

// cellPlan is the outcome of the first stage: trip count and destination pool of a cell
type cellPlan struct {
	count   int
	pool    []int
	sampler sampler
	warning *SynthesisWarning
}

type compiledSurvey struct {
	tripRate   sampler
	hours      sampler
	hourValues []float64
	modeShare  []float64
	purposes   sampler
	hasPurpose bool
}

// Synthesize generates trips for given cells.
//
// Cells are processed in caller order. Trip count of a cell depends on (seed, cell ordinal) only,
// every trip draw depends on (seed, trip ordinal) only, so output does not depend on number of workers.
// Cells without valid destinations are reported in scenario warnings; error is returned when every populated cell fails
func (synthesizer *Synthesizer) Synthesize(ctx context.Context, cells []PopulationCell, survey SurveyDistributions, seed uint64) (*Scenario, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(cells) == 0 {
		return nil, errors.Wrap(ErrEmptyInputSet, "No population cells")
	}
	if err := survey.Validate(); err != nil {
		return nil, errors.Wrap(err, "Bad survey distributions")
	}
	for i := range cells {
		if !isFinitePoint(cells[i].Centroid) {
			return nil, errors.Errorf("Cell #%d ('%s') has non-finite centroid", i, cells[i].ID)
		}
		if cells[i].Population < 0 || cells[i].Jobs < 0 || cells[i].Households < 0 {
			return nil, errors.Errorf("Cell #%d ('%s') has negative counts", i, cells[i].ID)
		}
	}
	st := time.Now()
	compiled := compiledSurvey{
		tripRate:   newSampler(survey.TripRate.Weights),
		hours:      newSampler(survey.DepartureHours.Weights),
		hourValues: survey.DepartureHours.Values,
		modeShare:  modeWeights(survey.ModeShare, tripModes),
	}
	if len(survey.Purposes) > 0 {
		compiled.purposes = newSampler(purposeWeights(survey.Purposes))
		compiled.hasPurpose = true
	}

	plans, err := synthesizer.planCells(ctx, cells, &survey, &compiled, seed)
	if err != nil {
		return nil, err
	}

	scenario := &Scenario{
		Name: synthesizer.name,
		Seed: seed,
		Parameters: ScenarioParameters{
			Survey:          survey,
			Cells:           len(cells),
			MaxWalkMeters:   synthesizer.maxWalkMeters,
			MaxBikeMeters:   synthesizer.maxBikeMeters,
			NetworkDistance: synthesizer.router != nil,
			Geodesic:        synthesizer.crs == CRS_WGS84 || synthesizer.crs == CRS_WEB_MERCATOR,
		},
		Warnings: []SynthesisWarning{},
	}
	attempted := 0
	offsets := make([]uint64, len(cells))
	total := uint64(0)
	for i := range plans {
		offsets[i] = total
		if plans[i].warning != nil {
			attempted++
			scenario.Warnings = append(scenario.Warnings, *plans[i].warning)
			continue
		}
		if plans[i].count > 0 {
			attempted++
		}
		total += uint64(plans[i].count)
	}
	if len(scenario.Warnings) > 0 && len(scenario.Warnings) == attempted {
		return nil, errors.Wrapf(ErrNoValidDestination, "Every populated cell failed (%d)", attempted)
	}

	scenario.Trips = make([]TripRecord, total)
	if err := synthesizer.generateTrips(ctx, cells, plans, offsets, &compiled, seed, scenario.Trips); err != nil {
		return nil, err
	}
	scenario.Checksum, err = scenario.ComputeChecksum()
	if err != nil {
		return nil, errors.Wrap(err, "Can't compute scenario checksum")
	}
	synthesizer.logger.Info("synthesis done",
		"cells", len(cells),
		"trips", len(scenario.Trips),
		"failed_cells", len(scenario.Warnings),
		"elapsed", time.Since(st),
	)
	return scenario, nil
}

// planCells draws trip count and prepares destination pool for every cell in parallel
func (synthesizer *Synthesizer) planCells(ctx context.Context, cells []PopulationCell, survey *SurveyDistributions, compiled *compiledSurvey, seed uint64) ([]cellPlan, error) {
	var sharedPool []int
	var sharedSampler sampler
	if synthesizer.destinationFilter == nil {
		sharedPool, sharedSampler = synthesizer.destinationPool(cells, nil)
	}
	plans := make([]cellPlan, len(cells))
	err := synthesizer.parallel(ctx, len(cells), func(i int) error {
		cell := &cells[i]
		if cell.Population == 0 {
			return nil
		}
		s := newStream(seed, "cell", uint64(i))
		rate := survey.TripRate.Values[compiled.tripRate.pick(s.float64())]
		count := int(math.Round(rate * float64(cell.Population)))
		if survey.MaxTripsPerCell > 0 && count > survey.MaxTripsPerCell {
			count = survey.MaxTripsPerCell
		}
		if count == 0 {
			return nil
		}
		pool, poolSampler := sharedPool, sharedSampler
		if synthesizer.destinationFilter != nil {
			pool, poolSampler = synthesizer.destinationPool(cells, cell)
		}
		if len(pool) == 0 || poolSampler.empty() {
			plans[i].warning = &SynthesisWarning{
				CellID:      cell.ID,
				CellOrdinal: i,
				Skipped:     count,
				Message:     ErrNoValidDestination.Error(),
				Err:         ErrNoValidDestination,
			}
			return nil
		}
		plans[i] = cellPlan{count: count, pool: pool, sampler: poolSampler}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "Can't plan cells")
	}
	return plans, nil
}

// destinationPool returns candidate cells with jobs weights. Nil origin means no filtering
func (synthesizer *Synthesizer) destinationPool(cells []PopulationCell, origin *PopulationCell) ([]int, sampler) {
	pool := []int{}
	weights := []float64{}
	for j := range cells {
		if cells[j].Jobs <= 0 {
			continue
		}
		if origin != nil && !synthesizer.destinationFilter(origin, &cells[j]) {
			continue
		}
		pool = append(pool, j)
		weights = append(weights, float64(cells[j].Jobs))
	}
	return pool, newSampler(weights)
}

// generateTrips fills trips of every cell at their global offsets
func (synthesizer *Synthesizer) generateTrips(ctx context.Context, cells []PopulationCell, plans []cellPlan, offsets []uint64, compiled *compiledSurvey, seed uint64, trips []TripRecord) error {
	err := synthesizer.parallel(ctx, len(cells), func(i int) error {
		plan := &plans[i]
		origin := &cells[i]
		for k := 0; k < plan.count; k++ {
			ordinal := offsets[i] + uint64(k)
			trips[ordinal] = synthesizer.drawTrip(cells, origin, i, k, plan, compiled, seed, ordinal)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "Can't generate trips")
	}
	return nil
}

// drawTrip makes draws in fixed order: destination, mode, hour, second within hour, purpose
func (synthesizer *Synthesizer) drawTrip(cells []PopulationCell, origin *PopulationCell, cellOrdinal, k int, plan *cellPlan, compiled *compiledSurvey, seed, ordinal uint64) TripRecord {
	s := newStream(seed, "trip", ordinal)
	destination := &cells[plan.pool[plan.sampler.pick(s.float64())]]
	distance := synthesizer.distance(origin.Centroid, destination.Centroid)

	weights := make([]float64, len(compiled.modeShare))
	copy(weights, compiled.modeShare)
	for m, mode := range tripModes {
		switch mode {
		case MODE_WALK:
			if distance > synthesizer.maxWalkMeters {
				weights[m] = 0
			}
		case MODE_BIKE:
			if distance > synthesizer.maxBikeMeters {
				weights[m] = 0
			}
		case MODE_DRIVE:
			weights[m] *= 1 + synthesizer.parkingDensity[destination.ID]
		}
	}
	modeSampler := newSampler(weights)
	if modeSampler.empty() {
		// Every allowed mode has been filtered out: fall back to plain share
		modeSampler = newSampler(compiled.modeShare)
	}
	mode := tripModes[modeSampler.pick(s.float64())]

	hour := compiled.hourValues[compiled.hours.pick(s.float64())]
	departure := int(math.Floor(hour*secondsPerHour)) + int(s.float64()*secondsPerHour)
	if departure >= secondsPerDay {
		departure = secondsPerDay - 1
	}

	purpose := PURPOSE_WORK
	if compiled.hasPurpose {
		purpose = tripPurposes[compiled.purposes.pick(s.float64())]
	}

	person := uint64(k)
	if origin.Population > 0 {
		person = uint64(k % origin.Population)
	}
	return TripRecord{
		ID:               uuid.NewSHA1(tripNamespace, ordinalBytes(seed, ordinal)),
		PersonID:         uuid.NewSHA1(personNamespace, ordinalBytes(seed, uint64(cellOrdinal), person)),
		Ordinal:          ordinal,
		OriginCell:       origin.ID,
		DestinationCell:  destination.ID,
		Origin:           origin.Centroid,
		Destination:      destination.Centroid,
		DepartureSeconds: departure,
		Mode:             mode,
		Purpose:          purpose,
		DistanceMeters:   distance,
	}
}

// distance returns network distance when router is set and could connect points, straight-line distance otherwise
func (synthesizer *Synthesizer) distance(from, to orb.Point) float64 {
	if synthesizer.router != nil {
		if d, ok := synthesizer.router.Distance(from, to); ok {
			return d
		}
	}
	return DistanceMeters(from, to, synthesizer.crs)
}

// parallel calls fn for every index in [0;n) splitting range into contiguous partitions.
// Context is checked before each partition starts
func (synthesizer *Synthesizer) parallel(ctx context.Context, n int, fn func(i int) error) error {
	workers := synthesizer.workers
	if workers > n {
		workers = n
	}
	if workers == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	chunk := (n + workers - 1) / workers
	for from := 0; from < n; from += chunk {
		to := from + chunk
		if to > n {
			to = n
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for i := from; i < to; i++ {
				if err := fn(i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func ordinalBytes(values ...uint64) []byte {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint64(buf[i*8:], v)
	}
	return buf
}
