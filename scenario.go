package osm2sim

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
)

// SynthesisWarning describes a population cell whose trips have not been generated
type SynthesisWarning struct {
	CellID      string `json:"cell_id"`
	CellOrdinal int    `json:"cell_ordinal"`
	// Number of trips which have been skipped
	Skipped int    `json:"skipped"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Unwrap returns underlying error (e.g. ErrNoValidDestination)
func (w SynthesisWarning) Unwrap() error { return w.Err }

// ScenarioParameters are the generation parameters stored along with trips so scenario could be reproduced
type ScenarioParameters struct {
	Survey          SurveyDistributions `json:"survey"`
	Cells           int                 `json:"cells"`
	MaxWalkMeters   float64             `json:"max_walk_meters"`
	MaxBikeMeters   float64             `json:"max_bike_meters"`
	NetworkDistance bool                `json:"network_distance"`
	Geodesic        bool                `json:"geodesic"`
}

// Scenario is an ordered set of trips plus metadata
type Scenario struct {
	Name string `json:"name"`
	Seed uint64 `json:"seed"`
	// WKT of clip region, empty when no clipping has been done
	Boundary   string             `json:"boundary,omitempty"`
	Parameters ScenarioParameters `json:"parameters"`
	Trips      []TripRecord       `json:"trips"`
	Warnings   []SynthesisWarning `json:"warnings"`
	// Hex SHA-256 of canonical JSON of trips
	Checksum string `json:"checksum"`
}

// ComputeChecksum returns hex SHA-256 of canonical JSON representation of trips
func (scenario *Scenario) ComputeChecksum() (string, error) {
	trips := scenario.Trips
	if trips == nil {
		trips = []TripRecord{}
	}
	data, err := json.Marshal(trips)
	if err != nil {
		return "", errors.Wrap(err, "Can't marshal trips")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChecksum checks that stored checksum matches trips
func (scenario *Scenario) VerifyChecksum() error {
	sum, err := scenario.ComputeChecksum()
	if err != nil {
		return err
	}
	if sum != scenario.Checksum {
		return errors.Errorf("Checksum mismatch: stored '%s', computed '%s'", scenario.Checksum, sum)
	}
	return nil
}

// FailedCells returns number of cells reported in warnings
func (scenario *Scenario) FailedCells() int {
	return len(scenario.Warnings)
}
