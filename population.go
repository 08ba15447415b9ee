package osm2sim

import (
	"encoding/csv"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// PopulationCell is a geographic unit with aggregate demographic counts
type PopulationCell struct {
	ID         string    `json:"id"`
	Centroid   orb.Point `json:"centroid"`
	Population int       `json:"population"`
	Jobs       int       `json:"jobs"`
	Households int       `json:"households"`
}

// Distribution is a discrete probability distribution: Values[i] is drawn with probability Weights[i] / sum(Weights)
type Distribution struct {
	Values  []float64 `json:"values"`
	Weights []float64 `json:"weights"`
}

// Validate checks that distribution can be sampled
func (dist Distribution) Validate() error {
	if len(dist.Values) == 0 {
		return errors.New("Distribution must have at least one value")
	}
	if len(dist.Values) != len(dist.Weights) {
		return errors.Errorf("Number of values must be equal to number of weights: %d != %d", len(dist.Values), len(dist.Weights))
	}
	return validateWeights(dist.Weights)
}

func validateWeights(weights []float64) error {
	total := 0.0
	for i, w := range weights {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return errors.Errorf("Weight #%d must be finite non-negative number, but got %f", i, w)
		}
		total += w
	}
	if total <= 0 {
		return errors.New("Sum of weights must be positive")
	}
	return nil
}

// sampler draws indices proportionally to weights using uniform numbers in [0;1)
type sampler struct {
	cumulative []float64
	total      float64
}

func newSampler(weights []float64) sampler {
	cumulative := make([]float64, len(weights))
	floats.CumSum(cumulative, weights)
	total := 0.0
	if len(cumulative) > 0 {
		total = cumulative[len(cumulative)-1]
	}
	return sampler{cumulative: cumulative, total: total}
}

// pick returns index of the first cumulative weight exceeding u*total
func (s sampler) pick(u float64) int {
	target := u * s.total
	idx := sort.Search(len(s.cumulative), func(i int) bool {
		return s.cumulative[i] > target
	})
	if idx == len(s.cumulative) {
		// u*total rounded up to the total: take the last item with positive weight
		for idx = len(s.cumulative) - 1; idx > 0; idx-- {
			if s.cumulative[idx] > s.cumulative[idx-1] {
				break
			}
		}
	}
	return idx
}

func (s sampler) empty() bool {
	return s.total <= 0
}

// SurveyDistributions holds travel-survey derived distributions driving synthesis
type SurveyDistributions struct {
	// Trips per resident. One rate is drawn per cell, trip count is round(rate * population)
	TripRate Distribution `json:"trip_rate"`
	// Mode weights
	ModeShare map[TripMode]float64 `json:"mode_share"`
	// Hour of day [0;24) of departure
	DepartureHours Distribution `json:"departure_hours"`
	// Purpose weights. Empty means every trip is a work trip
	Purposes map[TripPurpose]float64 `json:"purposes,omitempty"`
	// Zero means no cap
	MaxTripsPerCell int `json:"max_trips_per_cell,omitempty"`
}

// Validate checks that every distribution can be sampled
func (survey *SurveyDistributions) Validate() error {
	if err := survey.TripRate.Validate(); err != nil {
		return errors.Wrap(err, "Bad trip rate distribution")
	}
	for i, rate := range survey.TripRate.Values {
		if math.IsNaN(rate) || math.IsInf(rate, 0) || rate < 0 {
			return errors.Errorf("Trip rate #%d must be finite non-negative number, but got %f", i, rate)
		}
	}
	if len(survey.ModeShare) == 0 {
		return errors.New("Mode share must have at least one mode")
	}
	if err := validateWeights(modeWeights(survey.ModeShare, tripModes)); err != nil {
		return errors.Wrap(err, "Bad mode share")
	}
	if err := survey.DepartureHours.Validate(); err != nil {
		return errors.Wrap(err, "Bad departure hours distribution")
	}
	for i, hour := range survey.DepartureHours.Values {
		if hour < 0 || hour >= 24 {
			return errors.Errorf("Departure hour #%d must be in [0;24), but got %f", i, hour)
		}
	}
	if len(survey.Purposes) > 0 {
		if err := validateWeights(purposeWeights(survey.Purposes)); err != nil {
			return errors.Wrap(err, "Bad purposes")
		}
	}
	if survey.MaxTripsPerCell < 0 {
		return errors.Errorf("Max trips per cell must be non-negative, but got %d", survey.MaxTripsPerCell)
	}
	return nil
}

// ReadPopulationCSV reads population cells from 'Comma-Separated Values' with ';' delimiter.
// Header: id;x;y;population;jobs;households ('lon;lat' are accepted instead of 'x;y'). Order of rows is kept.
func ReadPopulationCSV(r io.Reader) ([]PopulationCell, error) {
	reader := csv.NewReader(r)
	reader.Comma = ';'
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrap(err, "Can't read CSV header")
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	idIdx := columnIndex(columns, "id")
	xIdx := columnIndex(columns, "x", "lon")
	yIdx := columnIndex(columns, "y", "lat")
	popIdx := columnIndex(columns, "population")
	jobsIdx := columnIndex(columns, "jobs")
	hhIdx := columnIndex(columns, "households")
	if idIdx < 0 || xIdx < 0 || yIdx < 0 || popIdx < 0 || jobsIdx < 0 || hhIdx < 0 {
		return nil, errors.New("CSV header must contain 'id;x;y;population;jobs;households' columns")
	}

	cells := []PopulationCell{}
	seen := make(map[string]struct{})
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "Can't read line %d", line)
		}
		cell := PopulationCell{ID: row[idIdx]}
		if _, ok := seen[cell.ID]; ok {
			return nil, errors.Errorf("Line %d: duplicate cell ID '%s'", line, cell.ID)
		}
		seen[cell.ID] = struct{}{}
		x, err := strconv.ParseFloat(row[xIdx], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "Line %d: bad x", line)
		}
		y, err := strconv.ParseFloat(row[yIdx], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "Line %d: bad y", line)
		}
		cell.Centroid = orb.Point{x, y}
		if cell.Population, err = parseCount(row[popIdx]); err != nil {
			return nil, errors.Wrapf(err, "Line %d: bad population", line)
		}
		if cell.Jobs, err = parseCount(row[jobsIdx]); err != nil {
			return nil, errors.Wrapf(err, "Line %d: bad jobs", line)
		}
		if cell.Households, err = parseCount(row[hhIdx]); err != nil {
			return nil, errors.Wrapf(err, "Line %d: bad households", line)
		}
		cells = append(cells, cell)
	}
	return cells, nil
}

func parseCount(s string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, errors.Errorf("Count must be non-negative, but got %d", v)
	}
	return v, nil
}

// ReprojectCells converts centroids of cells in place. See ReprojectPoint for supported pairs
func ReprojectCells(cells []PopulationCell, from, to CoordinateSystem) error {
	for i := range cells {
		centroid, err := ReprojectPoint(cells[i].Centroid, from, to)
		if err != nil {
			return errors.Wrapf(err, "Cell '%s'", cells[i].ID)
		}
		cells[i].Centroid = centroid
	}
	return nil
}
